package domain

import (
	"time"

	"github.com/google/uuid"
)

// Decision represents the outcome of transaction evaluation
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// Severity ranks decisions so the stricter one wins
func (d Decision) Severity() int {
	switch d {
	case DecisionBlock:
		return 2
	case DecisionReview:
		return 1
	default:
		return 0
	}
}

// ClassifierResult is the output of the external scoring model
type ClassifierResult struct {
	Available  bool          `json:"available"`
	Score      float64       `json:"score"` // 0-100, meaningless when unavailable
	Confidence float64       `json:"confidence,omitempty"`
	Latency    time.Duration `json:"latency"`
	Reason     string        `json:"reason,omitempty"` // why unavailable
	Clamped    bool          `json:"clamped,omitempty"`
}

// Classifier unavailability reasons
const (
	ClassifierTimeout     = "timeout"
	ClassifierError       = "error"
	ClassifierCircuitOpen = "circuit_open"
	ClassifierCanceled    = "canceled"
	ClassifierInvalid     = "invalid_score"

	// ClassifierDisabled means no model is configured; it does not degrade the score
	ClassifierDisabled = "disabled"
)

// Unavailable builds the sentinel result returned on timeout or error
func Unavailable(reason string, latency time.Duration) ClassifierResult {
	return ClassifierResult{Available: false, Reason: reason, Latency: latency}
}

// SuspicionScore is the aggregated verdict for one transaction
type SuspicionScore struct {
	Value           float64          `json:"value"` // 0-100
	RuleScore       float64          `json:"rule_score"`
	Decision        Decision         `json:"decision"`
	Signals         []RuleResult     `json:"signals"`
	Classifier      ClassifierResult `json:"classifier"`
	Degraded        bool             `json:"degraded"`
	DegradedReasons []string         `json:"degraded_reasons,omitempty"`
	RuleSetVersion  string           `json:"rule_set_version"`
}

// Degraded reasons
const (
	DegradedClassifier = "classifier_unavailable"
	DegradedState      = "state_unavailable"
	DegradedRules      = "rules_failed"
)

// MarkDegraded flags the score and records why, once per reason
func (s *SuspicionScore) MarkDegraded(reason string) {
	s.Degraded = true
	for _, r := range s.DegradedReasons {
		if r == reason {
			return
		}
	}
	s.DegradedReasons = append(s.DegradedReasons, reason)
}

// Timings captures per-stage latency of one evaluation
type Timings struct {
	StateMs      float64 `json:"state_ms"`
	RulesMs      float64 `json:"rules_ms"`
	ClassifierMs float64 `json:"classifier_ms"`
	CasesMs      float64 `json:"cases_ms"`
	TotalMs      float64 `json:"total_ms"`
}

// Evaluation is the synchronous reply for an ingested transaction
type Evaluation struct {
	ID            uuid.UUID      `json:"evaluation_id"`
	TransactionID string         `json:"transaction_id"`
	EntityID      string         `json:"entity_id"`
	Decision      Decision       `json:"decision"`
	Score         SuspicionScore `json:"score"`
	AlertID       *uuid.UUID     `json:"alert_id,omitempty"`
	CaseID        *uuid.UUID     `json:"case_id,omitempty"`
	Replayed      bool           `json:"replayed"`
	Timings       Timings        `json:"timings"`
	EvaluatedAt   time.Time      `json:"evaluated_at"`
}

// IsBlocked returns true if the transaction must be denied
func (e *Evaluation) IsBlocked() bool {
	return e.Decision == DecisionBlock
}

// NeedsReview returns true if an alert was raised without blocking
func (e *Evaluation) NeedsReview() bool {
	return e.Decision == DecisionReview
}
