package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/metrics"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

// CaseNotifier forwards case stream events to a Publisher from a background
// goroutine. Notify never blocks: when the queue is full the event is
// dropped and counted, the case itself is already durable.
type CaseNotifier struct {
	publisher Publisher
	topic     string
	queue     chan domain.CaseStreamEvent
	log       *logger.Logger
	metrics   *metrics.Metrics

	publishTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewCaseNotifier creates a notifier with a bounded queue
func NewCaseNotifier(p Publisher, topic string, queueSize int, log *logger.Logger, m *metrics.Metrics) *CaseNotifier {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &CaseNotifier{
		publisher:      p,
		topic:          topic,
		queue:          make(chan domain.CaseStreamEvent, queueSize),
		log:            log.Named("case-notifier"),
		metrics:        m,
		publishTimeout: 5 * time.Second,
		done:           make(chan struct{}),
	}
}

// Notify implements cases.Notifier
func (n *CaseNotifier) Notify(event domain.CaseStreamEvent) {
	select {
	case n.queue <- event:
	default:
		n.metrics.StreamEvent(n.topic, "dropped")
		n.log.Warn("case event queue full, dropping event",
			zap.String("type", event.Type),
			zap.String("case_id", event.Case.ID.String()),
		)
	}
}

// Run publishes queued events until ctx is done, then drains what is left
func (n *CaseNotifier) Run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case ev := <-n.queue:
			n.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-n.queue:
					n.publish(ev)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has drained the queue and returned
func (n *CaseNotifier) Wait() {
	n.closeOnce.Do(func() { <-n.done })
}

func (n *CaseNotifier) publish(ev domain.CaseStreamEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), n.publishTimeout)
	defer cancel()

	if err := n.publisher.Publish(ctx, n.topic, ev.Case.EntityID, ev); err != nil {
		n.metrics.StreamEvent(n.topic, "failed")
		n.log.Error("failed to publish case event",
			zap.String("type", ev.Type),
			zap.String("case_id", ev.Case.ID.String()),
			zap.Error(err),
		)
		return
	}
	n.metrics.StreamEvent(n.topic, "published")
}

// DecisionPublisher emits evaluation results on the decisions topic
type DecisionPublisher struct {
	publisher Publisher
	topic     string
	metrics   *metrics.Metrics
}

// NewDecisionPublisher creates a decision publisher
func NewDecisionPublisher(p Publisher, topic string, m *metrics.Metrics) *DecisionPublisher {
	return &DecisionPublisher{publisher: p, topic: topic, metrics: m}
}

// PublishDecision sends one evaluation keyed by entity
func (d *DecisionPublisher) PublishDecision(ctx context.Context, eval *domain.Evaluation) error {
	if err := d.publisher.Publish(ctx, d.topic, eval.EntityID, eval); err != nil {
		d.metrics.StreamEvent(d.topic, "failed")
		return err
	}
	d.metrics.StreamEvent(d.topic, "published")
	return nil
}
