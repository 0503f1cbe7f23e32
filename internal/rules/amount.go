package rules

import (
	"context"
	"fmt"

	"github.com/banking/txmonitor/internal/domain"
)

const defaultRoundAmountScore = 30

// roundAmount flags exact multiples of a round unit at or above a floor
type roundAmount struct {
	base
	unit  int64
	floor int64
	score float64
}

func newRoundAmount(rule domain.Rule, _ Deps) (Evaluator, error) {
	if rule.Params.Unit <= 0 {
		return nil, invalid(rule, "unit must be positive")
	}
	if rule.Params.Floor < 0 {
		return nil, invalid(rule, "floor must not be negative")
	}
	return &roundAmount{
		base:  base{rule: rule},
		unit:  rule.Params.Unit,
		floor: rule.Params.Floor,
		score: scoreOr(rule.Params.Score, defaultRoundAmountScore),
	}, nil
}

func (r *roundAmount) Evaluate(_ context.Context, in *Input) domain.RuleResult {
	amount := in.Tx.Amount
	if amount < r.floor || amount%r.unit != 0 {
		return r.result(false, 0, fmt.Sprintf("amount %d is not a round multiple of %d above %d", amount, r.unit, r.floor))
	}
	return r.result(true, r.score, fmt.Sprintf("amount %d is an exact multiple of %d", amount, r.unit))
}
