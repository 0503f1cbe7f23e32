package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/events"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

type stubEvaluator struct {
	err  error
	seen []*domain.Transaction
}

func (s *stubEvaluator) Submit(_ context.Context, tx *domain.Transaction) (*domain.Evaluation, error) {
	s.seen = append(s.seen, tx)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Evaluation{ID: uuid.New(), TransactionID: tx.ID, EntityID: tx.EntityID, Decision: domain.DecisionAllow}, nil
}

func message(t *testing.T, v any) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: "transactions", Partition: 0, Offset: 42, Value: data}
}

func event(id string) domain.TransactionEvent {
	return domain.TransactionEvent{
		EventID:   "ev-" + id,
		EventType: "transaction.created",
		Timestamp: time.Now().UTC(),
		Transaction: &domain.Transaction{
			ID: id, EntityID: "E1", Amount: 1_000, Currency: "USD",
			Timestamp: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), Channel: domain.ChannelACH,
		},
	}
}

func TestHandle_PublishesDecision(t *testing.T) {
	eval := &stubEvaluator{}
	sink := events.NewMemoryPublisher(0)
	h := NewHandler(eval, events.NewDecisionPublisher(sink, "decisions", nil), logger.NewNop(), nil)

	require.NoError(t, h.Handle(context.Background(), message(t, event("t1"))))

	require.Len(t, eval.seen, 1)
	assert.Equal(t, "t1", eval.seen[0].ID)
	msgs := sink.Messages("decisions")
	require.Len(t, msgs, 1)
	assert.Equal(t, "E1", msgs[0].Key)
}

func TestHandle_SkipsBadMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  func(t *testing.T) *sarama.ConsumerMessage
		err  error
	}{
		{
			name: "NotJSON",
			msg: func(*testing.T) *sarama.ConsumerMessage {
				return &sarama.ConsumerMessage{Value: []byte("{oops")}
			},
		},
		{
			name: "NoPayload",
			msg: func(t *testing.T) *sarama.ConsumerMessage {
				return message(t, domain.TransactionEvent{EventID: "ev-1"})
			},
		},
		{
			name: "Rejected",
			msg: func(t *testing.T) *sarama.ConsumerMessage {
				return message(t, event("t1"))
			},
			err: &domain.ValidationError{Field: "timestamp", Reason: "precedes latest", Err: domain.ErrNonMonotonicTimestamp},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := events.NewMemoryPublisher(0)
			h := NewHandler(&stubEvaluator{err: tt.err}, events.NewDecisionPublisher(sink, "decisions", nil), logger.NewNop(), nil)

			assert.NoError(t, h.Handle(context.Background(), tt.msg(t)))
			assert.Empty(t, sink.Messages(""))
		})
	}
}

func TestHandle_RetriesOnFailure(t *testing.T) {
	sink := events.NewMemoryPublisher(0)
	h := NewHandler(&stubEvaluator{err: errors.New("boom")}, events.NewDecisionPublisher(sink, "decisions", nil), logger.NewNop(), nil)
	assert.Error(t, h.Handle(context.Background(), message(t, event("t1"))))

	h = NewHandler(&stubEvaluator{}, failingSink{}, logger.NewNop(), nil)
	assert.Error(t, h.Handle(context.Background(), message(t, event("t1"))))
}

type failingSink struct{}

func (failingSink) PublishDecision(context.Context, *domain.Evaluation) error {
	return fmt.Errorf("broker down")
}

func TestHandler_SetupIsIdempotent(t *testing.T) {
	h := NewHandler(&stubEvaluator{}, failingSink{}, logger.NewNop(), nil)
	require.NoError(t, h.Setup(nil))
	require.NoError(t, h.Setup(nil))

	select {
	case <-h.Ready():
	default:
		t.Fatal("ready not closed")
	}
	assert.NoError(t, h.Cleanup(nil))
}

func TestNewConsumerConfig(t *testing.T) {
	cfg, err := NewConsumerConfig("3.6.0")
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	require.NoError(t, cfg.Validate())
}
