package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CaseStatus represents the lifecycle state of a case
type CaseStatus string

const (
	CaseStatusOpen         CaseStatus = "OPEN"
	CaseStatusAcknowledged CaseStatus = "ACKNOWLEDGED"
	CaseStatusEscalated    CaseStatus = "ESCALATED"
	CaseStatusClosed       CaseStatus = "CLOSED"
)

// ParseCaseStatus parses a status name, case-insensitively
func ParseCaseStatus(s string) (CaseStatus, bool) {
	status := CaseStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case CaseStatusOpen, CaseStatusAcknowledged, CaseStatusEscalated, CaseStatusClosed:
		return status, true
	}
	return "", false
}

// RiskLevel represents the priority of a case
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// CalculateRiskLevel returns the risk level based on score
func CalculateRiskLevel(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskLevelCritical
	case score >= 60:
		return RiskLevelHigh
	case score >= 30:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// allowed case transitions; CLOSED is terminal
var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseStatusOpen:         {CaseStatusAcknowledged, CaseStatusEscalated, CaseStatusClosed},
	CaseStatusAcknowledged: {CaseStatusEscalated},
	CaseStatusEscalated:    {CaseStatusClosed},
}

// CanTransition returns true if moving from -> to is permitted
func CanTransition(from, to CaseStatus) bool {
	for _, next := range caseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// engine-initiated edges: auto-escalation of a blocking alert and
// auto-dismissal of a stale case. Reviewers cannot take them.
var systemTransitions = map[CaseStatus]map[CaseStatus]bool{
	CaseStatusOpen: {CaseStatusEscalated: true, CaseStatusClosed: true},
}

// IsSystemTransition returns true if only the engine may move from -> to
func IsSystemTransition(from, to CaseStatus) bool {
	return systemTransitions[from][to]
}

// Evidence is one alert's contribution to a case
type Evidence struct {
	AlertID         uuid.UUID    `json:"alert_id"`
	TransactionID   string       `json:"transaction_id"`
	Score           float64      `json:"score"`
	Signals         []RuleResult `json:"signals"`
	ClassifierScore *float64     `json:"classifier_score,omitempty"`
	RuleSetVersion  string       `json:"rule_set_version"`
	AddedAt         time.Time    `json:"added_at"`
}

// Case groups correlated alerts of one entity for investigator review
type Case struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	CaseNumber string     `json:"case_number" db:"case_number"`
	EntityID   string     `json:"entity_id" db:"entity_id"`
	Status     CaseStatus `json:"status" db:"status"`
	Priority   RiskLevel  `json:"priority" db:"priority"`

	// Score is the maximum of its constituent alert scores
	Score float64 `json:"score" db:"score"`

	Alerts   []Alert    `json:"alerts" db:"alerts"`
	Evidence []Evidence `json:"evidence" db:"evidence"`

	Resolution string `json:"resolution,omitempty" db:"resolution"`

	// LastAlertAt is the transaction time of the newest alert (correlation anchor)
	LastAlertAt time.Time  `json:"last_alert_at" db:"last_alert_at"`
	OpenedAt    time.Time  `json:"opened_at" db:"opened_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// NewCaseNumber formats a human-facing case reference
func NewCaseNumber(id uuid.UUID, at time.Time) string {
	return fmt.Sprintf("TXM-%s-%s", at.UTC().Format("20060102"), strings.ToUpper(id.String()[:8]))
}

// AcceptsAlerts returns true if new alerts may be merged into this case
func (c *Case) AcceptsAlerts() bool {
	return c.Status == CaseStatusOpen || c.Status == CaseStatusAcknowledged
}

// IsClosed returns true if the case reached its terminal state
func (c *Case) IsClosed() bool {
	return c.Status == CaseStatusClosed
}

// TransactionIDs lists the transactions referenced by the case evidence
func (c *Case) TransactionIDs() []string {
	ids := make([]string, 0, len(c.Evidence))
	for _, e := range c.Evidence {
		ids = append(ids, e.TransactionID)
	}
	return ids
}

// Attach appends an alert and its evidence and raises the case score
func (c *Case) Attach(alert *Alert, now time.Time) {
	alert.CaseID = c.ID
	alert.Status = AlertStatus(c.Status)
	c.Alerts = append(c.Alerts, *alert)

	ev := Evidence{
		AlertID:        alert.ID,
		TransactionID:  alert.TransactionID,
		Score:          alert.Score,
		Signals:        alert.TriggeringSignals,
		RuleSetVersion: alert.RuleSetVersion,
		AddedAt:        now,
	}
	if alert.Classifier.Available {
		s := alert.Classifier.Score
		ev.ClassifierScore = &s
	}
	c.Evidence = append(c.Evidence, ev)

	if alert.Score > c.Score {
		c.Score = alert.Score
	}
	c.Priority = CalculateRiskLevel(c.Score)
	if alert.TransactionAt.After(c.LastAlertAt) {
		c.LastAlertAt = alert.TransactionAt
	}
	c.UpdatedAt = now
}

// SetStatus applies a status change to the case and its alerts
func (c *Case) SetStatus(to CaseStatus, now time.Time) {
	c.Status = to
	for i := range c.Alerts {
		c.Alerts[i].Status = AlertStatus(to)
	}
	c.UpdatedAt = now
	if to == CaseStatusClosed {
		closed := now
		c.ClosedAt = &closed
	}
}

// Clone returns a deep copy safe to hand to other goroutines
func (c *Case) Clone() *Case {
	cp := *c
	cp.Alerts = append([]Alert(nil), c.Alerts...)
	cp.Evidence = append([]Evidence(nil), c.Evidence...)
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// CaseEventType classifies audit trail entries
type CaseEventType string

const (
	CaseEventOpened        CaseEventType = "CASE_OPENED"
	CaseEventAlertMerged   CaseEventType = "ALERT_MERGED"
	CaseEventStatusChanged CaseEventType = "STATUS_CHANGED"
)

// CaseEvent is an append-only audit record
type CaseEvent struct {
	ID      uuid.UUID     `json:"id" db:"id"`
	CaseID  uuid.UUID     `json:"case_id" db:"case_id"`
	Type    CaseEventType `json:"type" db:"type"`
	From    CaseStatus    `json:"from,omitempty" db:"from_status"`
	To      CaseStatus    `json:"to,omitempty" db:"to_status"`
	AlertID *uuid.UUID    `json:"alert_id,omitempty" db:"alert_id"`
	Actor   string        `json:"actor" db:"actor"`
	Note    string        `json:"note,omitempty" db:"note"`
	At      time.Time     `json:"at" db:"at"`
}

// SystemActor identifies engine-initiated changes
const SystemActor = "system"

// Case stream event types
const (
	StreamCaseCreated = "case.created"
	StreamCaseUpdated = "case.updated"
	StreamCaseClosed  = "case.closed"
)

// CaseStreamEvent is the payload emitted to compliance tooling
type CaseStreamEvent struct {
	Type      string    `json:"type"`
	Case      *Case     `json:"case"`
	Event     CaseEvent `json:"event"`
	EmittedAt time.Time `json:"emitted_at"`
}

// CaseSummary is a lean DTO for list views
type CaseSummary struct {
	ID          uuid.UUID  `json:"id"`
	CaseNumber  string     `json:"case_number"`
	EntityID    string     `json:"entity_id"`
	Status      CaseStatus `json:"status"`
	Priority    RiskLevel  `json:"priority"`
	Score       float64    `json:"score"`
	AlertCount  int        `json:"alert_count"`
	LastAlertAt time.Time  `json:"last_alert_at"`
	OpenedAt    time.Time  `json:"opened_at"`
}

// ToSummary converts Case to CaseSummary
func (c *Case) ToSummary() *CaseSummary {
	return &CaseSummary{
		ID:          c.ID,
		CaseNumber:  c.CaseNumber,
		EntityID:    c.EntityID,
		Status:      c.Status,
		Priority:    c.Priority,
		Score:       c.Score,
		AlertCount:  len(c.Alerts),
		LastAlertAt: c.LastAlertAt,
		OpenedAt:    c.OpenedAt,
	}
}
