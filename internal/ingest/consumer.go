// Package ingest consumes transaction events from Kafka, evaluates them and
// publishes the decisions.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/metrics"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

// Evaluator scores one transaction
type Evaluator interface {
	Submit(ctx context.Context, tx *domain.Transaction) (*domain.Evaluation, error)
}

// DecisionSink receives the evaluation of every consumed transaction
type DecisionSink interface {
	PublishDecision(ctx context.Context, eval *domain.Evaluation) error
}

// Handler implements sarama.ConsumerGroupHandler. Messages of one partition
// are handled in order, which together with entity-keyed producers keeps
// each entity's transactions in arrival order.
type Handler struct {
	evaluator Evaluator
	sink      DecisionSink
	log       *logger.Logger
	metrics   *metrics.Metrics
	ready     chan struct{}
}

// NewHandler creates a consumer group handler
func NewHandler(evaluator Evaluator, sink DecisionSink, log *logger.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		evaluator: evaluator,
		sink:      sink,
		log:       log.Named("ingest"),
		metrics:   m,
		ready:     make(chan struct{}),
	}
}

// Setup implements sarama.ConsumerGroupHandler
func (h *Handler) Setup(sarama.ConsumerGroupSession) error {
	select {
	case <-h.ready:
	default:
		close(h.ready)
	}
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler
func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// Ready is closed once the first session is set up
func (h *Handler) Ready() <-chan struct{} {
	return h.ready
}

// ConsumeClaim implements sarama.ConsumerGroupHandler
func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.Handle(session.Context(), msg); err != nil {
				// leave the offset unmarked so the message is redelivered
				return err
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// Handle evaluates one message. It returns an error only when the message
// must be retried; malformed and rejected transactions are logged, counted
// and skipped.
func (h *Handler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event domain.TransactionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.Transaction == nil {
		h.metrics.Ingested("malformed")
		h.log.DataQuality("kafka", "malformed_transaction_event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}

	eval, err := h.evaluator.Submit(ctx, event.Transaction)
	switch {
	case err == nil:
	case domain.IsValidationError(err):
		h.metrics.Ingested("rejected")
		h.log.Warn("transaction rejected",
			zap.String("event_id", event.EventID),
			zap.String("transaction_id", event.Transaction.ID),
			zap.Error(err),
		)
		return nil
	case errors.Is(err, context.Canceled):
		return err
	default:
		h.metrics.Ingested("failed")
		return fmt.Errorf("evaluate %s: %w", event.Transaction.ID, err)
	}

	if err := h.sink.PublishDecision(ctx, eval); err != nil {
		h.metrics.Ingested("failed")
		return fmt.Errorf("publish decision %s: %w", eval.TransactionID, err)
	}
	result := "evaluated"
	if eval.Replayed {
		result = "replayed"
	}
	h.metrics.Ingested(result)
	return nil
}

// NewConsumerConfig returns the sarama configuration of the transactions consumer
func NewConsumerConfig(version string) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	if version != "" {
		v, err := sarama.ParseKafkaVersion(version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version: %w", err)
		}
		cfg.Version = v
	}
	cfg.ClientID = "txmonitor"
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Session.Timeout = 20 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	cfg.Net.DialTimeout = 10 * time.Second
	return cfg, nil
}

// Consumer runs a consumer group session loop over the transactions topic
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *Handler
	log     *logger.Logger
}

// NewConsumer joins the consumer group
func NewConsumer(brokers []string, groupID, topic, version string, handler *Handler, log *logger.Logger) (*Consumer, error) {
	cfg, err := NewConsumerConfig(version)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Consumer{group: group, topic: topic, handler: handler, log: log.Named("kafka-consumer")}, nil
}

// Run consumes until ctx is done. Consume returns on every rebalance, so it
// is called in a loop.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.log.Error("consumer group error", zap.Error(err))
		}
	}()

	c.log.Info("consuming transactions", zap.String("topic", c.topic))
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error("consume failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group
func (c *Consumer) Close() error {
	return c.group.Close()
}
