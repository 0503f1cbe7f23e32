package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTransaction() Transaction {
	return Transaction{
		ID:        "tx-1",
		EntityID:  "acct-1",
		Amount:    12_500,
		Currency:  "USD",
		Timestamp: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		Channel:   ChannelCard,
	}
}

func TestTransactionValidate(t *testing.T) {
	tx := validTransaction()
	require.NoError(t, tx.Validate())

	tests := []struct {
		field  string
		mutate func(tx *Transaction)
	}{
		{"id", func(tx *Transaction) { tx.ID = "  " }},
		{"entity_id", func(tx *Transaction) { tx.EntityID = "" }},
		{"amount", func(tx *Transaction) { tx.Amount = 0 }},
		{"currency", func(tx *Transaction) { tx.Currency = "US" }},
		{"timestamp", func(tx *Transaction) { tx.Timestamp = time.Time{} }},
		{"channel", func(tx *Transaction) { tx.Channel = "CHEQUE" }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			tx := validTransaction()
			tt.mutate(&tx)
			err := tx.Validate()
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestWithCountryCopies(t *testing.T) {
	tx := validTransaction()
	cp := tx.WithCountry("ir")
	assert.Equal(t, "IR", cp.Country())
	assert.Empty(t, tx.Geolocation.Country)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to CaseStatus
		allowed  bool
		system   bool
	}{
		{CaseStatusOpen, CaseStatusAcknowledged, true, false},
		{CaseStatusOpen, CaseStatusEscalated, true, true},
		{CaseStatusOpen, CaseStatusClosed, true, true},
		{CaseStatusAcknowledged, CaseStatusEscalated, true, false},
		{CaseStatusAcknowledged, CaseStatusClosed, false, false},
		{CaseStatusEscalated, CaseStatusClosed, true, false},
		{CaseStatusEscalated, CaseStatusOpen, false, false},
		{CaseStatusClosed, CaseStatusOpen, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
			assert.Equal(t, tt.system, IsSystemTransition(tt.from, tt.to))
		})
	}
}

func TestParseCaseStatus(t *testing.T) {
	s, ok := ParseCaseStatus(" acknowledged ")
	assert.True(t, ok)
	assert.Equal(t, CaseStatusAcknowledged, s)

	_, ok = ParseCaseStatus("pending")
	assert.False(t, ok)
}

func TestCaseAttach(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &Case{ID: uuid.New(), Status: CaseStatusOpen}

	tx := validTransaction()
	score := &SuspicionScore{
		Value:    72,
		Decision: DecisionReview,
		Signals: []RuleResult{
			{RuleID: "velocity-1h", Triggered: true, Score: 72, Weight: 1},
			{RuleID: "round-amount"},
		},
		Classifier: ClassifierResult{Available: true, Score: 40},
	}
	c.Attach(NewAlert(&tx, score, now), now)

	later := tx
	later.ID = "tx-2"
	later.Timestamp = tx.Timestamp.Add(10 * time.Minute)
	c.Attach(NewAlert(&later, &SuspicionScore{Value: 55, Decision: DecisionReview}, now), now)

	assert.Equal(t, 72.0, c.Score, "case keeps the highest alert score")
	assert.Equal(t, RiskLevelHigh, c.Priority)
	assert.Equal(t, later.Timestamp, c.LastAlertAt)
	assert.Equal(t, []string{"tx-1", "tx-2"}, c.TransactionIDs())
	require.Len(t, c.Evidence[0].Signals, 1)
	require.NotNil(t, c.Evidence[0].ClassifierScore)
	assert.Nil(t, c.Evidence[1].ClassifierScore)
	assert.Equal(t, c.ID, c.Alerts[1].CaseID)

	cp := c.Clone()
	c.SetStatus(CaseStatusClosed, now)
	assert.Equal(t, CaseStatusOpen, cp.Status)
	assert.Equal(t, AlertStatus(CaseStatusOpen), cp.Alerts[0].Status)
	assert.Equal(t, AlertStatus(CaseStatusClosed), c.Alerts[0].Status)
	require.NotNil(t, c.ClosedAt)
	assert.True(t, c.IsClosed())
	assert.False(t, c.AcceptsAlerts())
}

func TestMarkDegradedOnce(t *testing.T) {
	var s SuspicionScore
	s.MarkDegraded(DegradedClassifier)
	s.MarkDegraded(DegradedClassifier)
	s.MarkDegraded(DegradedState)
	assert.True(t, s.Degraded)
	assert.Equal(t, []string{DegradedClassifier, DegradedState}, s.DegradedReasons)
}

func TestDecisionSeverity(t *testing.T) {
	assert.Greater(t, DecisionBlock.Severity(), DecisionReview.Severity())
	assert.Greater(t, DecisionReview.Severity(), DecisionAllow.Severity())
}
