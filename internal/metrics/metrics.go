// Package metrics provides Prometheus instrumentation for the monitoring engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "txmonitor"

// Metrics holds every collector of the engine. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	EvaluationsTotal    *prometheus.CounterVec
	EvaluationDuration  *prometheus.HistogramVec
	SuspicionScores     prometheus.Histogram
	RuleTriggers        *prometheus.CounterVec
	ClassifierOutcomes  *prometheus.CounterVec
	ClassifierLatency   prometheus.Histogram
	DegradedEvaluations *prometheus.CounterVec
	CaseEvents          *prometheus.CounterVec
	TrackedEntities     prometheus.Gauge
	IngestMessages      *prometheus.CounterVec
	PartitionQueueDepth prometheus.Gauge
	RuleSetReloads      *prometheus.CounterVec
	StreamEvents        *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EvaluationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Transactions evaluated by decision.",
		}, []string{"decision"}),

		EvaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_stage_seconds",
			Help:      "Evaluation latency by pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"stage"}),

		SuspicionScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "suspicion_score",
			Help:      "Distribution of final suspicion scores.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),

		RuleTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_triggers_total",
			Help:      "Rule hits by rule id.",
		}, []string{"rule_id"}),

		ClassifierOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_outcomes_total",
			Help:      "Classifier calls by outcome.",
		}, []string{"outcome"}),

		ClassifierLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classifier_latency_seconds",
			Help:      "Classifier call latency as observed by the caller.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),

		DegradedEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_evaluations_total",
			Help:      "Evaluations performed with a dependency unavailable, by reason.",
		}, []string{"reason"}),

		CaseEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_events_total",
			Help:      "Case audit events by type.",
		}, []string{"type"}),

		TrackedEntities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_entities",
			Help:      "Entities currently held by the in-memory window store.",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Streamed transaction messages by result.",
		}, []string{"result"}),

		PartitionQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_queue_depth",
			Help:      "Transactions waiting in partition queues.",
		}),

		RuleSetReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_set_reloads_total",
			Help:      "Rule-set activation attempts by result.",
		}, []string{"result"}),

		StreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Outbound decision and case stream messages by topic and result.",
		}, []string{"topic", "result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records the latency of one pipeline stage
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveEvaluation records a completed evaluation
func (m *Metrics) ObserveEvaluation(decision string, score float64, degradedReasons []string, triggered []string) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(decision).Inc()
	m.SuspicionScores.Observe(score)
	for _, r := range degradedReasons {
		m.DegradedEvaluations.WithLabelValues(r).Inc()
	}
	for _, id := range triggered {
		m.RuleTriggers.WithLabelValues(id).Inc()
	}
}

// ObserveClassifier records one classifier outcome
func (m *Metrics) ObserveClassifier(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ClassifierOutcomes.WithLabelValues(outcome).Inc()
	m.ClassifierLatency.Observe(latency.Seconds())
}

// CaseEvent counts a case audit event
func (m *Metrics) CaseEvent(eventType string) {
	if m == nil {
		return
	}
	m.CaseEvents.WithLabelValues(eventType).Inc()
}

// Ingested counts a streamed message
func (m *Metrics) Ingested(result string) {
	if m == nil {
		return
	}
	m.IngestMessages.WithLabelValues(result).Inc()
}

// RuleSetReload counts a rule-set activation attempt
func (m *Metrics) RuleSetReload(ok bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !ok {
		result = "rejected"
	}
	m.RuleSetReloads.WithLabelValues(result).Inc()
}

// SetTrackedEntities updates the entity gauge
func (m *Metrics) SetTrackedEntities(n int) {
	if m == nil {
		return
	}
	m.TrackedEntities.Set(float64(n))
}

// QueueDelta adjusts the partition queue gauge
func (m *Metrics) QueueDelta(delta float64) {
	if m == nil {
		return
	}
	m.PartitionQueueDepth.Add(delta)
}

// StreamEvent counts an outbound stream message
func (m *Metrics) StreamEvent(topic, result string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(topic, result).Inc()
}
