// Package classifier integrates the external scoring model with a hard
// per-call deadline and fallback to an explicit unavailable result.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/metrics"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

// Options configure the adapter
type Options struct {
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// Adapter scores transactions with a Model. Score never blocks longer than
// the timeout: a late, failing or out-of-contract model yields an unavailable
// result instead of an error.
type Adapter struct {
	model   Model
	windows []domain.WindowSpec
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
	metrics *metrics.Metrics
}

type outcome struct {
	prediction Prediction
	err        error
}

// NewAdapter creates an adapter. A nil model disables classification.
func NewAdapter(model Model, windows []domain.WindowSpec, opts Options, log *logger.Logger, m *metrics.Metrics) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Millisecond
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 10 * time.Second
	}
	a := &Adapter{
		model:   model,
		windows: windows,
		timeout: opts.Timeout,
		log:     log.Named("classifier"),
		metrics: m,
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "classifier",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.Warn("classifier breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return a
}

// Enabled returns true if a model is configured
func (a *Adapter) Enabled() bool {
	return a.model != nil
}

// Timeout returns the per-call deadline
func (a *Adapter) Timeout() time.Duration {
	return a.timeout
}

// Score calls the model. The call runs detached from ctx so a caller that
// goes away does not abort it, but its result is then discarded.
func (a *Adapter) Score(ctx context.Context, tx *domain.Transaction, snap *domain.WindowSnapshot) domain.ClassifierResult {
	if a.model == nil {
		return domain.Unavailable(domain.ClassifierDisabled, 0)
	}

	start := time.Now()
	features := Extract(tx, snap, a.windows)

	results := make(chan outcome, 1)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	go func() {
		defer cancel()
		v, err := a.breaker.Execute(func() (_ interface{}, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("model panicked: %v", r)
				}
			}()
			return a.model.Predict(callCtx, features)
		})
		if err != nil {
			results <- outcome{err: err}
			return
		}
		results <- outcome{prediction: v.(Prediction)}
	}()

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case o := <-results:
		return a.finish(tx, o, time.Since(start))
	case <-timer.C:
		return a.unavailable(tx, domain.ClassifierTimeout, time.Since(start))
	case <-ctx.Done():
		return a.unavailable(tx, domain.ClassifierCanceled, time.Since(start))
	}
}

func (a *Adapter) finish(tx *domain.Transaction, o outcome, latency time.Duration) domain.ClassifierResult {
	switch {
	case errors.Is(o.err, gobreaker.ErrOpenState), errors.Is(o.err, gobreaker.ErrTooManyRequests):
		return a.unavailable(tx, domain.ClassifierCircuitOpen, latency)
	case errors.Is(o.err, context.DeadlineExceeded):
		return a.unavailable(tx, domain.ClassifierTimeout, latency)
	case o.err != nil:
		a.log.Debug("classifier call failed", zap.String("transaction_id", tx.ID), zap.Error(o.err))
		return a.unavailable(tx, domain.ClassifierError, latency)
	}

	p := o.prediction
	if math.IsNaN(p.Score) || math.IsInf(p.Score, 0) {
		a.log.DataQuality("classifier", "non-finite score", zap.String("transaction_id", tx.ID))
		return a.unavailable(tx, domain.ClassifierInvalid, latency)
	}

	res := domain.ClassifierResult{
		Available:  true,
		Score:      p.Score,
		Confidence: p.Confidence,
		Latency:    latency,
	}
	if p.Score < 0 || p.Score > 100 {
		a.log.DataQuality("classifier", "score out of range",
			zap.String("transaction_id", tx.ID),
			zap.Float64("score", p.Score),
		)
		res.Score = math.Max(0, math.Min(100, p.Score))
		res.Clamped = true
	}
	if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		res.Confidence = math.Max(0, math.Min(1, p.Confidence))
		if math.IsNaN(p.Confidence) {
			res.Confidence = 0
		}
		res.Clamped = true
	}

	label := "ok"
	if res.Clamped {
		label = "clamped"
	}
	a.metrics.ObserveClassifier(label, latency)
	return res
}

func (a *Adapter) unavailable(tx *domain.Transaction, reason string, latency time.Duration) domain.ClassifierResult {
	a.metrics.ObserveClassifier(reason, latency)
	if reason != domain.ClassifierCanceled {
		a.log.ClassifierDegraded(tx.ID, reason, latency)
	}
	return domain.Unavailable(reason, latency)
}

// BreakerState exposes the breaker state for readiness reporting
func (a *Adapter) BreakerState() gobreaker.State {
	return a.breaker.State()
}
