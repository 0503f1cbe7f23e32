package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	m := New()
	m.ObserveEvaluation("REVIEW", 85, []string{"classifier_unavailable"}, []string{"structuring", "geo"})
	m.ObserveEvaluation("ALLOW", 5, nil, nil)
	m.ObserveClassifier("timeout", 15*time.Millisecond)
	m.CaseEvent("CASE_OPENED")
	m.RuleSetReload(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("REVIEW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("ALLOW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedEvaluations.WithLabelValues("classifier_unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleTriggers.WithLabelValues("structuring")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClassifierOutcomes.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleSetReloads.WithLabelValues("rejected")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEvaluation("ALLOW", 1, nil, nil)
		m.ObserveStage("rules", time.Millisecond)
		m.ObserveClassifier("ok", time.Millisecond)
		m.CaseEvent("x")
		m.Ingested("ok")
		m.SetTrackedEntities(3)
		m.QueueDelta(1)
		m.RuleSetReload(true)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SetTrackedEntities(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "txmonitor_tracked_entities 7")
}
