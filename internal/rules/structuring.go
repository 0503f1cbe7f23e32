package rules

import (
	"context"
	"fmt"

	"github.com/banking/txmonitor/internal/domain"
)

const (
	defaultStructuringScore    = 85
	defaultStructuringMinCount = 3
)

// structuring detects deliberate splitting below a reporting threshold: at
// least MinCount in-window transactions with amounts in
// [threshold*(1-proximity), threshold) whose sum exceeds the threshold.
type structuring struct {
	base
	window    domain.WindowSpec
	threshold int64
	lower     float64
	minCount  int
	score     float64
}

func newStructuring(rule domain.Rule, deps Deps) (Evaluator, error) {
	w, err := window(rule, deps)
	if err != nil {
		return nil, err
	}
	p := rule.Params
	if p.Threshold <= 0 {
		return nil, invalid(rule, "threshold must be positive")
	}
	if p.Proximity <= 0 || p.Proximity >= 1 {
		return nil, invalid(rule, "proximity must be in (0,1), got %v", p.Proximity)
	}
	minCount := p.MinCount
	if minCount == 0 {
		minCount = defaultStructuringMinCount
	}
	if minCount < 2 {
		return nil, invalid(rule, "min_count must be at least 2")
	}
	return &structuring{
		base:      base{rule: rule, stateful: true},
		window:    w,
		threshold: p.Threshold,
		lower:     float64(p.Threshold) * (1 - p.Proximity),
		minCount:  minCount,
		score:     scoreOr(p.Score, defaultStructuringScore),
	}, nil
}

func (s *structuring) qualifies(amount int64) bool {
	return float64(amount) >= s.lower && amount < s.threshold
}

func (s *structuring) Evaluate(_ context.Context, in *Input) domain.RuleResult {
	if in.Snapshot == nil {
		return s.skipped()
	}
	counters, _ := in.Snapshot.Window(s.window.Name)

	var n int
	var sum int64
	for _, e := range counters.Entries {
		if s.qualifies(e.Amount) {
			n++
			sum += e.Amount
		}
	}

	if n < s.minCount || sum <= s.threshold {
		return s.result(false, 0,
			fmt.Sprintf("%d near-threshold transactions in %s summing %d", n, s.window.Name, sum))
	}
	extra := float64(n - s.minCount)
	return s.result(true, s.score+5*extra,
		fmt.Sprintf("%d transactions in %s just below %d summing %d", n, s.window.Name, s.threshold, sum))
}
