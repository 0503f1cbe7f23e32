// Package telemetry sets up OpenTelemetry tracing for the engine.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/banking/txmonitor/internal/config"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

const tracerName = "github.com/banking/txmonitor"

// ShutdownFunc flushes and stops the tracer provider
type ShutdownFunc func(context.Context) error

// Init installs a global tracer provider exporting over OTLP/gRPC.
// An empty endpoint leaves the no-op provider in place.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string, log *logger.Logger) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		log.Info("tracing disabled, no otlp endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(version),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("tracing enabled",
		logger.StringField("endpoint", cfg.OTLPEndpoint),
		logger.Float64Field("sampling_ratio", cfg.SamplingRatio),
	)
	return tp.Shutdown, nil
}

// Tracer returns the engine tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// TransactionID is the span attribute for a transaction id
func TransactionID(id string) attribute.KeyValue {
	return attribute.String("transaction.id", id)
}

// EntityID is the span attribute for a monitored entity
func EntityID(id string) attribute.KeyValue {
	return attribute.String("entity.id", id)
}

// CaseID is the span attribute for a case id
func CaseID(id string) attribute.KeyValue {
	return attribute.String("case.id", id)
}

// Decision is the span attribute for an evaluation decision
func Decision(d string) attribute.KeyValue {
	return attribute.String("evaluation.decision", d)
}
