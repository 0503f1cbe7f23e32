package rules

import (
	"context"
	"fmt"

	"github.com/banking/txmonitor/internal/domain"
)

const defaultVelocityScore = 60

// velocity triggers when the number of transactions in the window exceeds
// the threshold. Each transaction over the threshold adds 5 points.
type velocity struct {
	base
	window    domain.WindowSpec
	threshold int64
	score     float64
}

func newVelocity(rule domain.Rule, deps Deps) (Evaluator, error) {
	w, err := window(rule, deps)
	if err != nil {
		return nil, err
	}
	if rule.Params.Threshold <= 0 {
		return nil, invalid(rule, "threshold must be a positive transaction count")
	}
	return &velocity{
		base:      base{rule: rule, stateful: true},
		window:    w,
		threshold: rule.Params.Threshold,
		score:     scoreOr(rule.Params.Score, defaultVelocityScore),
	}, nil
}

func (v *velocity) Evaluate(_ context.Context, in *Input) domain.RuleResult {
	if in.Snapshot == nil {
		return v.skipped()
	}
	counters, _ := in.Snapshot.Window(v.window.Name)
	count := int64(counters.Count)
	if count <= v.threshold {
		return v.result(false, 0, fmt.Sprintf("%d transactions in %s (limit %d)", count, v.window.Name, v.threshold))
	}
	over := float64(count - v.threshold - 1)
	return v.result(true, v.score+5*over,
		fmt.Sprintf("%d transactions in %s exceeds limit %d", count, v.window.Name, v.threshold))
}
