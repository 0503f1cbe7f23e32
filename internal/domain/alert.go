package domain

import (
	"time"

	"github.com/google/uuid"
)

// AlertStatus mirrors the status of the case the alert belongs to
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "OPEN"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusEscalated    AlertStatus = "ESCALATED"
	AlertStatusClosed       AlertStatus = "CLOSED"
)

// Alert is raised when a suspicion score crosses the review threshold
type Alert struct {
	ID            uuid.UUID `json:"id"`
	CaseID        uuid.UUID `json:"case_id"`
	TransactionID string    `json:"transaction_id"`
	EntityID      string    `json:"entity_id"`

	Score             float64          `json:"score"`
	Decision          Decision         `json:"decision"`
	TriggeringSignals []RuleResult     `json:"triggering_signals"`
	Classifier        ClassifierResult `json:"classifier"`
	RuleSetVersion    string           `json:"rule_set_version"`
	Degraded          bool             `json:"degraded"`

	Status AlertStatus `json:"status"`

	// TransactionAt is the event time used for case correlation
	TransactionAt time.Time `json:"transaction_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewAlert builds an alert from an aggregated score
func NewAlert(tx *Transaction, score *SuspicionScore, now time.Time) *Alert {
	return &Alert{
		ID:                uuid.New(),
		TransactionID:     tx.ID,
		EntityID:          tx.EntityID,
		Score:             score.Value,
		Decision:          score.Decision,
		TriggeringSignals: Triggered(score.Signals),
		Classifier:        score.Classifier,
		RuleSetVersion:    score.RuleSetVersion,
		Degraded:          score.Degraded,
		Status:            AlertStatusOpen,
		TransactionAt:     tx.Timestamp,
		CreatedAt:         now,
	}
}
