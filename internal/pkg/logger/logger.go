package logger

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zap.Logger with transaction-monitoring helpers
type Logger struct {
	*zap.Logger
	serviceName string
}

// ContextKey for request context values
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	ActorKey     ContextKey = "actor"
	TraceIDKey   ContextKey = "trace_id"
	SpanIDKey    ContextKey = "span_id"
	CaseIDKey    ContextKey = "case_id"
)

// New creates a new logger instance
func New(serviceName, environment string, debug bool) (*Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	config.InitialFields = map[string]interface{}{
		"service": serviceName,
		"env":     environment,
		"pid":     os.Getpid(),
	}

	zapLogger, err := config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger:      zapLogger,
		serviceName: serviceName,
	}, nil
}

// FileOptions configures the rotated log file written next to stdout
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// TeeFile mirrors every entry as JSON into a size-rotated file
func (l *Logger) TeeFile(opts FileOptions) *Logger {
	if opts.Path == "" {
		return l
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, l.Logger.Core()).
		With([]zap.Field{zap.String("service", l.serviceName)})

	return &Logger{
		Logger: l.Logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		})),
		serviceName: l.serviceName,
	}
}

// NewNop returns a logger that discards everything, for tests
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), serviceName: "nop"}
}

// Wrap adapts an existing zap logger (zaptest, observer cores)
func Wrap(l *zap.Logger, serviceName string) *Logger {
	return &Logger{Logger: l, serviceName: serviceName}
}

// Named returns a named sub-logger
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		Logger:      l.Logger.Named(name),
		serviceName: l.serviceName,
	}
}

// WithContext returns a logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := []zap.Field{}

	for _, key := range []ContextKey{RequestIDKey, ActorKey, TraceIDKey, SpanIDKey, CaseIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}

	return &Logger{
		Logger:      l.With(fields...),
		serviceName: l.serviceName,
	}
}

// WithTransaction returns a logger with transaction context
func (l *Logger) WithTransaction(txID, entityID string) *Logger {
	return &Logger{
		Logger: l.With(
			zap.String("transaction_id", txID),
			zap.String("entity_id", entityID),
		),
		serviceName: l.serviceName,
	}
}

// WithCase returns a logger with case context
func (l *Logger) WithCase(caseID, caseNumber string) *Logger {
	return &Logger{
		Logger: l.With(
			zap.String("case_id", caseID),
			zap.String("case_number", caseNumber),
		),
		serviceName: l.serviceName,
	}
}

// EvaluationCompleted logs the end-to-end result of scoring one transaction
func (l *Logger) EvaluationCompleted(txID, decision string, score float64, degraded bool, duration time.Duration) {
	l.Info("evaluation completed",
		zap.String("transaction_id", txID),
		zap.String("decision", decision),
		zap.Float64("score", score),
		zap.Bool("degraded", degraded),
		zap.Duration("duration", duration),
	)
}

// RuleTriggered logs a rule hit at debug level
func (l *Logger) RuleTriggered(txID, ruleID string, contribution float64) {
	l.Debug("rule triggered",
		zap.String("transaction_id", txID),
		zap.String("rule_id", ruleID),
		zap.Float64("contribution", contribution),
	)
}

// RuleSetLoaded logs activation of a new rule-set version
func (l *Logger) RuleSetLoaded(version string, rules int) {
	l.Info("rule set activated",
		zap.String("version", version),
		zap.Int("rules", rules),
	)
}

// RuleSetRejected logs a reload that kept the previous version
func (l *Logger) RuleSetRejected(version string, err error) {
	l.Error("rule set rejected, keeping active version",
		zap.String("version", version),
		zap.Error(err),
	)
}

// ClassifierDegraded logs a classifier timeout, error or open breaker
func (l *Logger) ClassifierDegraded(txID, reason string, latency time.Duration) {
	l.Warn("classifier unavailable, scoring on rules only",
		zap.String("transaction_id", txID),
		zap.String("reason", reason),
		zap.Duration("latency", latency),
	)
}

// DataQuality logs an out-of-contract value that was corrected
func (l *Logger) DataQuality(source, issue string, fields ...zap.Field) {
	l.Warn("data quality issue",
		append([]zap.Field{zap.String("source", source), zap.String("issue", issue)}, fields...)...,
	)
}

// AlertCreated logs alert creation
func (l *Logger) AlertCreated(alertID, caseID, entityID string, score float64, merged bool) {
	l.Warn("alert created",
		zap.String("alert_id", alertID),
		zap.String("case_id", caseID),
		zap.String("entity_id", entityID),
		zap.Float64("score", score),
		zap.Bool("merged", merged),
	)
}

// CaseTransitioned logs a case status change; pair it with WithCase
func (l *Logger) CaseTransitioned(from, to, actor string) {
	l.Info("case transitioned",
		zap.String("from", from),
		zap.String("to", to),
		zap.String("actor", actor),
	)
}

// LatencyWarning logs when a stage exceeds expected latency
func (l *Logger) LatencyWarning(stage string, durationMs, thresholdMs int64) {
	l.Warn("latency threshold exceeded",
		zap.String("stage", stage),
		zap.Int64("duration_ms", durationMs),
		zap.Int64("threshold_ms", thresholdMs),
	)
}

// Helper field functions

// ErrorField creates an error field
func ErrorField(err error) zap.Field {
	return zap.Error(err)
}

// StringField creates a string field
func StringField(key, value string) zap.Field {
	return zap.String(key, value)
}

// Float64Field creates a float64 field
func Float64Field(key string, value float64) zap.Field {
	return zap.Float64(key, value)
}
