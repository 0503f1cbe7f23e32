// Package rules evaluates deterministic detection rules against a transaction
// and its entity window snapshot.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/geo"
)

// Input is everything a rule may look at. It is shared read-only between
// rules; Snapshot is nil when the window store was unavailable.
type Input struct {
	Tx       *domain.Transaction
	Snapshot *domain.WindowSnapshot
	Country  geo.Profile
}

// Evaluator is one compiled rule. Evaluate must be a pure function of its
// input and the rule parameters.
type Evaluator interface {
	Rule() domain.Rule
	Stateful() bool
	Evaluate(ctx context.Context, in *Input) domain.RuleResult
}

// Deps are the shared read-only collaborators handed to factories
type Deps struct {
	Windows   map[string]domain.WindowSpec
	Directory *geo.Directory
	Plugins   *Registry
}

// Factory compiles a rule configuration into an Evaluator
type Factory func(rule domain.Rule, deps Deps) (Evaluator, error)

// Registry maps rule types (or CUSTOM plugin names) to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a name
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Lookup returns the factory registered under name
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names lists registered names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

// DefaultRegistry returns the built-in rule types
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(string(domain.RuleTypeVelocity), newVelocity)
	r.Register(string(domain.RuleTypeStructuring), newStructuring)
	r.Register(string(domain.RuleTypeRoundAmount), newRoundAmount)
	r.Register(string(domain.RuleTypeGeographicRisk), newGeographicRisk)
	r.Register(string(domain.RuleTypeHighRiskCountry), newHighRiskCountry)
	r.Register(string(domain.RuleTypeCustom), newCustom)
	return r
}

// DefaultPlugins returns the built-in CUSTOM rule plugins
func DefaultPlugins() *Registry {
	p := NewRegistry()
	p.Register(PluginCEL, newCELRule)
	return p
}

// base carries the configured rule and builds results for it
type base struct {
	rule     domain.Rule
	stateful bool
}

func (b base) Rule() domain.Rule { return b.rule }
func (b base) Stateful() bool    { return b.stateful }

func (b base) result(triggered bool, score float64, details string) domain.RuleResult {
	if !triggered {
		score = 0
	}
	return domain.RuleResult{
		RuleID:    b.rule.ID,
		RuleType:  b.rule.Type,
		Triggered: triggered,
		Score:     clamp(score),
		Weight:    b.rule.EffectiveWeight(),
		Details:   details,
	}
}

func (b base) skipped() domain.RuleResult {
	return domain.RuleResult{
		RuleID:   b.rule.ID,
		RuleType: b.rule.Type,
		Weight:   b.rule.EffectiveWeight(),
		Details:  "window state unavailable",
		Skipped:  true,
	}
}

func invalid(rule domain.Rule, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", domain.ErrInvalidRule, rule.ID, fmt.Sprintf(format, args...))
}

// window resolves the rule's window parameter against configured windows
func window(rule domain.Rule, deps Deps) (domain.WindowSpec, error) {
	if rule.Params.Window == "" {
		return domain.WindowSpec{}, invalid(rule, "window is required")
	}
	w, ok := deps.Windows[rule.Params.Window]
	if !ok {
		return domain.WindowSpec{}, invalid(rule, "unknown window %q", rule.Params.Window)
	}
	return w, nil
}

func scoreOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
