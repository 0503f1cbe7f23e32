package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/geo"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

// History persists every accepted rule set for audit traceability. An error
// wrapping domain.ErrInvalidRule rejects the load; other errors are logged.
type History interface {
	SaveRuleSet(ctx context.Context, set domain.RuleSet) error
}

// compiledSet is an immutable, fully compiled rule-set version
type compiledSet struct {
	set        domain.RuleSet
	evaluators []Evaluator
}

// Result is the output of one engine evaluation
type Result struct {
	Version string
	Results []domain.RuleResult

	// StateSkipped is set when stateful rules could not run
	StateSkipped bool
}

// Engine evaluates the active rule set. Reloads compile a complete new
// version and publish it with a single pointer swap, so an evaluation always
// sees one version from start to end.
type Engine struct {
	registry *Registry
	deps     Deps
	history  History
	log      *logger.Logger
	now      func() time.Time

	mu       sync.Mutex        // serializes Load
	versions map[string]string // version -> fingerprint
	active   atomic.Pointer[compiledSet]
}

// NewEngine creates an engine with an empty active rule set
func NewEngine(registry *Registry, plugins *Registry, windows []domain.WindowSpec, dir *geo.Directory, log *logger.Logger) *Engine {
	byName := make(map[string]domain.WindowSpec, len(windows))
	for _, w := range windows {
		byName[w.Name] = w
	}
	e := &Engine{
		registry: registry,
		deps:     Deps{Windows: byName, Directory: dir, Plugins: plugins},
		log:      log.Named("rules"),
		now:      time.Now,
		versions: make(map[string]string),
	}
	e.active.Store(&compiledSet{set: domain.RuleSet{Version: "empty"}})
	return e
}

// WithHistory sets the rule-set history sink
func (e *Engine) WithHistory(h History) *Engine {
	e.history = h
	return e
}

// WithClock overrides the clock used to stamp LoadedAt
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Validate compiles a rule set without activating it
func (e *Engine) Validate(set domain.RuleSet) error {
	_, err := e.compile(set)
	return err
}

func (e *Engine) compile(set domain.RuleSet) (*compiledSet, error) {
	set.Rules = append([]domain.Rule(nil), set.Rules...)
	seen := make(map[string]struct{}, len(set.Rules))
	compiled := &compiledSet{set: set}
	var errs []error

	for i := range set.Rules {
		rule := set.Rules[i]
		if rule.ID == "" {
			errs = append(errs, fmt.Errorf("%w: rule #%d has no id", domain.ErrInvalidRule, i))
			continue
		}
		if _, dup := seen[rule.ID]; dup {
			errs = append(errs, invalid(rule, "duplicate rule id"))
			continue
		}
		seen[rule.ID] = struct{}{}

		switch {
		case rule.Weight == nil:
			rule.Weight = domain.RuleWeight(1)
		case *rule.Weight < 0:
			errs = append(errs, invalid(rule, "weight must not be negative"))
			continue
		default:
			rule.Weight = domain.RuleWeight(*rule.Weight)
		}
		compiled.set.Rules[i] = rule

		factory, ok := e.registry.Lookup(string(rule.Type))
		if !ok {
			errs = append(errs, invalid(rule, "unknown rule type %q", rule.Type))
			continue
		}
		ev, err := factory(rule, e.deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !rule.Disabled {
			compiled.evaluators = append(compiled.evaluators, ev)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	compiled.set.Fingerprint = fingerprint(compiled.set.Rules)
	if compiled.set.Version == "" {
		compiled.set.Version = compiled.set.Fingerprint
	}
	return compiled, nil
}

// Load compiles set and makes it the active version. On any error the
// previous version stays active and the whole set is rejected.
// A version string names exactly one rule content: reusing a known version
// with different rules is rejected.
func (e *Engine) Load(ctx context.Context, set domain.RuleSet) (domain.RuleSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(set)
	if err != nil {
		e.log.RuleSetRejected(set.Version, err)
		return domain.RuleSet{}, err
	}
	v := compiled.set.Version
	if known, ok := e.versions[v]; ok && known != compiled.set.Fingerprint {
		err := fmt.Errorf("%w: version %q is already bound to different rules", domain.ErrInvalidRule, v)
		e.log.RuleSetRejected(v, err)
		return domain.RuleSet{}, err
	}
	compiled.set.LoadedAt = e.now().UTC()

	if e.history != nil {
		if err := e.history.SaveRuleSet(ctx, compiled.set); err != nil {
			if errors.Is(err, domain.ErrInvalidRule) {
				e.log.RuleSetRejected(v, err)
				return domain.RuleSet{}, err
			}
			e.log.Warn("failed to persist rule set history",
				logger.StringField("version", v),
				logger.ErrorField(err),
			)
		}
	}

	e.versions[v] = compiled.set.Fingerprint
	e.active.Store(compiled)
	e.log.RuleSetLoaded(v, len(compiled.evaluators))
	return compiled.set, nil
}

// Active returns the active rule set
func (e *Engine) Active() domain.RuleSet {
	return e.active.Load().set
}

// Evaluate runs every enabled rule of the active version. A nil snapshot
// means window state is unavailable: stateful rules are reported as skipped
// and stateless rules still run.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, snapshot *domain.WindowSnapshot) Result {
	cs := e.active.Load()

	in := &Input{Tx: tx, Snapshot: snapshot}
	if e.deps.Directory != nil {
		in.Country = e.deps.Directory.Lookup(tx.Country())
	} else {
		in.Country = geo.Profile{Country: tx.Country()}
	}

	res := Result{Version: cs.set.Version, Results: make([]domain.RuleResult, 0, len(cs.evaluators))}
	for _, ev := range cs.evaluators {
		r := e.evaluateOne(ctx, ev, in)
		if r.Skipped {
			res.StateSkipped = true
		}
		if r.Triggered {
			e.log.RuleTriggered(tx.ID, r.RuleID, r.Score)
		}
		res.Results = append(res.Results, r)
	}
	return res
}

// evaluateOne runs one rule. A panicking rule is reported as not triggered
// so the remaining rules still run.
func (e *Engine) evaluateOne(ctx context.Context, ev Evaluator, in *Input) (r domain.RuleResult) {
	defer func() {
		if p := recover(); p != nil {
			rule := ev.Rule()
			e.log.Error("rule evaluation panicked",
				logger.StringField("rule_id", rule.ID),
				logger.StringField("transaction_id", in.Tx.ID),
				logger.StringField("panic", fmt.Sprint(p)),
			)
			r = domain.RuleResult{
				RuleID:   rule.ID,
				RuleType: rule.Type,
				Weight:   rule.EffectiveWeight(),
				Details:  fmt.Sprintf("evaluation error: panic: %v", p),
			}
		}
	}()
	return ev.Evaluate(ctx, in)
}

// fingerprint derives a stable version id from rule content
func fingerprint(rules []domain.Rule) string {
	b, _ := json.Marshal(rules)
	sum := sha256.Sum256(b)
	return "sha-" + hex.EncodeToString(sum[:6])
}
