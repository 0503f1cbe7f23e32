package rules

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/banking/txmonitor/internal/domain"
)

// PluginCEL is the built-in CUSTOM plugin evaluating a CEL expression
const PluginCEL = "cel"

const defaultCustomScore = 50

// newCustom dispatches a CUSTOM rule to the plugin named in its params, so new
// detection logic plugs in by registration alone.
func newCustom(rule domain.Rule, deps Deps) (Evaluator, error) {
	name := rule.Params.Plugin
	if name == "" && rule.Params.Expression != "" {
		name = PluginCEL
	}
	if name == "" {
		return nil, invalid(rule, "custom rule needs a plugin")
	}
	if deps.Plugins == nil {
		return nil, invalid(rule, "no plugins registered")
	}
	factory, ok := deps.Plugins.Lookup(name)
	if !ok {
		return nil, invalid(rule, "unknown plugin %q", name)
	}
	return factory(rule, deps)
}

// celRule evaluates a boolean or numeric CEL expression. A boolean result
// contributes Params.Score when true; a numeric result is the contribution
// itself, clamped to [0,100], and triggers when positive.
type celRule struct {
	base
	program cel.Program
	score   float64
}

func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("country_rating", cel.IntType),
		cel.Variable("device_fingerprint", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("windows", cel.MapType(cel.StringType, cel.MapType(cel.StringType, cel.IntType))),
	)
}

func newCELRule(rule domain.Rule, _ Deps) (Evaluator, error) {
	if rule.Params.Expression == "" {
		return nil, invalid(rule, "expression is required")
	}
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(rule.Params.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, invalid(rule, "compile: %v", issues.Err())
	}
	out := ast.OutputType()
	if out != cel.BoolType && out != cel.DoubleType && out != cel.IntType {
		return nil, invalid(rule, "expression must return bool, int, or double, got %s", out)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, invalid(rule, "program: %v", err)
	}

	return &celRule{
		base:    base{rule: rule, stateful: readsVariable(ast, "windows")},
		program: program,
		score:   scoreOr(rule.Params.Score, defaultCustomScore),
	}, nil
}

// readsVariable reports whether the checked expression references the named
// variable. String literals and field selections of the same name do not count.
func readsVariable(ast *cel.Ast, name string) bool {
	for _, ref := range ast.NativeRep().ReferenceMap() {
		if ref.Name == name {
			return true
		}
	}
	return false
}

func activation(in *Input) map[string]interface{} {
	tx := in.Tx
	windows := make(map[string]interface{})
	if in.Snapshot != nil {
		for name, w := range in.Snapshot.Windows {
			windows[name] = map[string]interface{}{
				"count":              int64(w.Count),
				"total_amount":       w.TotalAmount,
				"distinct_merchants": int64(w.DistinctMerchants),
			}
		}
	}
	return map[string]interface{}{
		"amount":             tx.Amount,
		"currency":           tx.Currency,
		"entity_id":          tx.EntityID,
		"channel":            string(tx.Channel),
		"merchant_category":  tx.MerchantCategory,
		"merchant_id":        tx.MerchantID,
		"country":            in.Country.Country,
		"country_rating":     int64(in.Country.Rating),
		"device_fingerprint": tx.DeviceFingerprint,
		"hour":               int64(tx.Timestamp.UTC().Hour()),
		"windows":            windows,
	}
}

func (c *celRule) Evaluate(_ context.Context, in *Input) domain.RuleResult {
	if c.stateful && in.Snapshot == nil {
		return c.skipped()
	}
	val, _, err := c.program.Eval(activation(in))
	if err != nil {
		return c.result(false, 0, fmt.Sprintf("evaluation error: %v", err))
	}

	switch v := val.(type) {
	case types.Bool:
		if v {
			return c.result(true, c.score, "expression matched")
		}
		return c.result(false, 0, "expression not matched")
	default:
		score := numeric(v)
		return c.result(score > 0, score, fmt.Sprintf("expression scored %.1f", score))
	}
}

func numeric(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	}
	return 0
}
