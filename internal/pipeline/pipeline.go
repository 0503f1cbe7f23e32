// Package pipeline drives one transaction through the engine: validation,
// enrichment, window update, parallel rule and classifier evaluation,
// aggregation and case routing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banking/txmonitor/internal/aggregator"
	"github.com/banking/txmonitor/internal/cases"
	"github.com/banking/txmonitor/internal/classifier"
	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/geo"
	"github.com/banking/txmonitor/internal/metrics"
	"github.com/banking/txmonitor/internal/pkg/logger"
	"github.com/banking/txmonitor/internal/pkg/syncutil"
	"github.com/banking/txmonitor/internal/pkg/telemetry"
	"github.com/banking/txmonitor/internal/rules"
	"github.com/banking/txmonitor/internal/state"
)

// ErrClosed is returned when a transaction is submitted after Close
var ErrClosed = errors.New("pipeline closed")

// Options tunes partitioning and latency accounting
type Options struct {
	Partitions      int
	QueueDepth      int
	LatencyBudget   time.Duration
	ReplayCacheSize int
}

// Components are the engine parts the pipeline drives
type Components struct {
	Store      state.Store
	Rules      *rules.Engine
	Classifier *classifier.Adapter
	Aggregator *aggregator.Aggregator
	Cases      *cases.Manager
	Resolver   geo.Resolver // optional IP to country enrichment
}

type job struct {
	ctx    context.Context
	tx     *domain.Transaction
	result chan jobResult
}

type jobResult struct {
	eval *domain.Evaluation
	err  error
}

// Pipeline evaluates transactions. Transactions of one entity always map
// to the same partition and are processed there in arrival order;
// different entities run in parallel across partitions.
type Pipeline struct {
	c       Components
	opts    Options
	log     *logger.Logger
	metrics *metrics.Metrics

	replay     *replayCache
	partitions []chan job

	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a pipeline and starts its partition workers
func New(c Components, opts Options, log *logger.Logger, m *metrics.Metrics) *Pipeline {
	if opts.Partitions <= 0 {
		opts.Partitions = 64
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}

	p := &Pipeline{
		c:          c,
		opts:       opts,
		log:        log.Named("pipeline"),
		metrics:    m,
		replay:     newReplayCache(opts.ReplayCacheSize),
		partitions: make([]chan job, opts.Partitions),
		stopping:   make(chan struct{}),
	}
	for i := range p.partitions {
		p.partitions[i] = make(chan job, opts.QueueDepth)
		p.wg.Add(1)
		go p.worker(p.partitions[i])
	}
	return p
}

// Submit validates and enqueues a transaction and waits for its evaluation.
// If ctx ends first Submit returns ctx.Err(); the transaction is still
// evaluated once queued, and its result is dropped.
func (p *Pipeline) Submit(ctx context.Context, tx *domain.Transaction) (*domain.Evaluation, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	tx = p.enrich(tx)

	j := job{ctx: ctx, tx: tx, result: make(chan jobResult, 1)}
	if err := p.enqueue(ctx, j); err != nil {
		return nil, err
	}

	select {
	case r := <-j.result:
		return r.eval, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) enqueue(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	queue := p.partitions[syncutil.Shard(j.tx.EntityID, len(p.partitions))]
	select {
	case queue <- j:
		p.metrics.QueueDelta(1)
		return nil
	case <-p.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting transactions and waits for queued ones to finish
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() { close(p.stopping) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.partitions {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) worker(queue <-chan job) {
	defer p.wg.Done()
	for j := range queue {
		p.metrics.QueueDelta(-1)
		eval, err := p.evaluate(j.ctx, j.tx)
		j.result <- jobResult{eval: eval, err: err}
	}
}

// enrich resolves the origin country from the IP address when missing
func (p *Pipeline) enrich(tx *domain.Transaction) *domain.Transaction {
	if p.c.Resolver == nil || tx.Country() != "" || tx.Geolocation.IPAddress == "" {
		return tx
	}
	country, err := p.c.Resolver.CountryOf(tx.Geolocation.IPAddress)
	if err != nil {
		p.log.DataQuality("geoip", "unresolvable_ip",
			zap.String("transaction_id", tx.ID),
			zap.String("ip", tx.Geolocation.IPAddress),
			zap.Error(err),
		)
		return tx
	}
	return tx.WithCountry(country)
}

// evaluate runs inside the entity's partition. State and case updates are
// detached from ctx so a caller that goes away cannot leave them half
// done; the classifier sees ctx and its result is discarded on cancel.
func (p *Pipeline) evaluate(ctx context.Context, tx *domain.Transaction) (*domain.Evaluation, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "pipeline.evaluate",
		telemetry.TransactionID(tx.ID), telemetry.EntityID(tx.EntityID))
	defer span.End()

	durable := context.WithoutCancel(ctx)
	log := p.log.WithTransaction(tx.ID, tx.EntityID)

	// 1. Update entity windows (read-your-writes snapshot)
	stateStart := time.Now()
	snap, err := p.c.Store.Record(durable, tx)
	stateDur := time.Since(stateStart)
	p.metrics.ObserveStage("state", stateDur)

	stateDown := false
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicateTransaction):
		return p.replayed(ctx, tx, start)
	case domain.IsValidationError(err):
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	default:
		log.Warn("window store unavailable, evaluating without state", zap.Error(err))
		stateDown = true
		snap = nil
	}

	// 2. Rules and classifier fan out over the same immutable snapshot
	score, rulesDur, clsDur := p.score(ctx, tx, snap)
	if stateDown {
		score.MarkDegraded(domain.DegradedState)
	}

	eval := &domain.Evaluation{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		EntityID:      tx.EntityID,
		Decision:      score.Decision,
		Score:         score,
		EvaluatedAt:   time.Now().UTC(),
	}

	// 3. Route alerts into cases
	var casesDur time.Duration
	if score.Decision.Severity() >= domain.DecisionReview.Severity() && p.c.Cases != nil {
		casesStart := time.Now()
		cctx, cspan := telemetry.StartSpan(durable, "cases.submit")
		out, err := p.c.Cases.Submit(cctx, tx, &score)
		if err != nil {
			cspan.SetStatus(codes.Error, err.Error())
			log.Error("failed to file alert, decision still returned", zap.Error(err))
		} else {
			eval.AlertID = &out.Alert.ID
			eval.CaseID = &out.Case.ID
			cspan.SetAttributes(telemetry.CaseID(out.Case.ID.String()))
		}
		cspan.End()
		casesDur = time.Since(casesStart)
		p.metrics.ObserveStage("cases", casesDur)
	}

	total := time.Since(start)
	eval.Timings = domain.Timings{
		StateMs:      ms(stateDur),
		RulesMs:      ms(rulesDur),
		ClassifierMs: ms(clsDur),
		CasesMs:      ms(casesDur),
		TotalMs:      ms(total),
	}
	p.finish(log, eval, total)
	span.SetAttributes(telemetry.Decision(string(eval.Decision)))

	p.replay.put(*eval)
	return eval, nil
}

// score fans rules and classifier out and joins them before aggregation. A
// stage that panics is reported and degrades the score instead of taking
// the process down.
func (p *Pipeline) score(ctx context.Context, tx *domain.Transaction, snap *domain.WindowSnapshot) (domain.SuspicionScore, time.Duration, time.Duration) {
	var (
		g                      errgroup.Group
		res                    rules.Result
		cls                    domain.ClassifierResult
		rulesDur, clsDur       time.Duration
		rulesFailed, clsFailed bool
	)

	g.Go(func() (err error) {
		defer recoverStage("rules", &rulesFailed, &err)
		start := time.Now()
		rctx, span := telemetry.StartSpan(ctx, "rules.evaluate")
		defer span.End()
		res = p.c.Rules.Evaluate(rctx, tx, snap)
		rulesDur = time.Since(start)
		return nil
	})

	g.Go(func() (err error) {
		defer recoverStage("classifier", &clsFailed, &err)
		start := time.Now()
		cctx, span := telemetry.StartSpan(ctx, "classifier.score")
		defer span.End()
		cls = p.c.Classifier.Score(cctx, tx, snap)
		clsDur = time.Since(start)
		return nil
	})

	if err := g.Wait(); err != nil {
		p.log.WithTransaction(tx.ID, tx.EntityID).Error("scoring stage failed", logger.ErrorField(err))
	}
	if rulesFailed {
		res = rules.Result{Version: p.c.Rules.Active().Version}
	}
	if clsFailed {
		cls = domain.Unavailable(domain.ClassifierError, clsDur)
	}
	p.metrics.ObserveStage("rules", rulesDur)
	p.metrics.ObserveStage("classifier", clsDur)

	score := p.c.Aggregator.Aggregate(res, cls)
	if rulesFailed {
		score.MarkDegraded(domain.DegradedRules)
	}
	return score, rulesDur, clsDur
}

// recoverStage turns a panic in a scoring goroutine into an error
func recoverStage(stage string, failed *bool, err *error) {
	if r := recover(); r != nil {
		*failed = true
		*err = fmt.Errorf("%s panicked: %v", stage, r)
	}
}

// replayed answers a transaction id that was already recorded. A cached
// evaluation is returned as is; otherwise the transaction is re-scored
// against the current windows, which already contain it once. A replay
// never opens or updates a case.
func (p *Pipeline) replayed(ctx context.Context, tx *domain.Transaction, start time.Time) (*domain.Evaluation, error) {
	if cached, ok := p.replay.get(tx.ID); ok {
		cached.Replayed = true
		return &cached, nil
	}

	snap, err := p.c.Store.Snapshot(context.WithoutCancel(ctx), tx.EntityID, tx.Timestamp)
	stateDown := err != nil
	if stateDown {
		snap = nil
	}

	score, rulesDur, clsDur := p.score(ctx, tx, snap)
	if stateDown {
		score.MarkDegraded(domain.DegradedState)
	}

	total := time.Since(start)
	eval := &domain.Evaluation{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		EntityID:      tx.EntityID,
		Decision:      score.Decision,
		Score:         score,
		Replayed:      true,
		EvaluatedAt:   time.Now().UTC(),
		Timings: domain.Timings{
			RulesMs:      ms(rulesDur),
			ClassifierMs: ms(clsDur),
			TotalMs:      ms(total),
		},
	}
	return eval, nil
}

func (p *Pipeline) finish(log *logger.Logger, eval *domain.Evaluation, total time.Duration) {
	p.metrics.ObserveStage("total", total)
	p.metrics.ObserveEvaluation(string(eval.Decision), eval.Score.Value, eval.Score.DegradedReasons, triggeredIDs(eval.Score.Signals))

	log.EvaluationCompleted(eval.TransactionID, string(eval.Decision), eval.Score.Value, eval.Score.Degraded, total)
	if budget := p.opts.LatencyBudget; budget > 0 && total > budget {
		log.LatencyWarning("evaluation", total.Milliseconds(), budget.Milliseconds())
	}
}

// Ready reports whether the window store answers
func (p *Pipeline) Ready(ctx context.Context) error {
	if err := p.c.Store.Ping(ctx); err != nil {
		return fmt.Errorf("window store: %w", err)
	}
	return nil
}

func triggeredIDs(results []domain.RuleResult) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if r.Triggered {
			ids = append(ids, r.RuleID)
		}
	}
	return ids
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
