// Package aggregator combines rule signals and the classifier score into a
// single suspicion score and decision.
package aggregator

import (
	"fmt"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/rules"
)

// Blend modes
const (
	BlendMax      = "max"
	BlendWeighted = "weighted"
)

// Policy holds decision thresholds and the blend rule
type Policy struct {
	ReviewThreshold float64
	BlockThreshold  float64
	BlendMode       string
	BlendFactor     float64 // rule share in weighted mode
}

// DefaultPolicy returns the default thresholds
func DefaultPolicy() Policy {
	return Policy{
		ReviewThreshold: 50,
		BlockThreshold:  90,
		BlendMode:       BlendMax,
		BlendFactor:     0.6,
	}
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	switch {
	case p.ReviewThreshold <= 0 || p.ReviewThreshold > 100:
		return fmt.Errorf("review threshold %v out of (0,100]", p.ReviewThreshold)
	case p.BlockThreshold < p.ReviewThreshold || p.BlockThreshold > 100:
		return fmt.Errorf("block threshold %v out of [review,100]", p.BlockThreshold)
	case p.BlendMode != BlendMax && p.BlendMode != BlendWeighted:
		return fmt.Errorf("unknown blend mode %q", p.BlendMode)
	case p.BlendMode == BlendWeighted && (p.BlendFactor < 0 || p.BlendFactor > 1):
		return fmt.Errorf("blend factor %v out of [0,1]", p.BlendFactor)
	}
	return nil
}

// Aggregator produces suspicion scores under a fixed policy
type Aggregator struct {
	policy Policy
}

// New creates an aggregator
func New(policy Policy) (*Aggregator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{policy: policy}, nil
}

// Policy returns the active policy
func (a *Aggregator) Policy() Policy {
	return a.policy
}

// RuleScore sums the weighted contributions of triggered rules, capped at
// 100. Contributions only ever add, so raising one never lowers the total.
func RuleScore(results []domain.RuleResult) float64 {
	total := 0.0
	for _, r := range results {
		if !r.Triggered {
			continue
		}
		w := r.Weight
		if w < 0 {
			w = 0
		}
		total += r.Score * w
	}
	return clamp(total)
}

// Aggregate combines the rule evaluation with the classifier result. An
// unavailable classifier leaves the rule score as the final score and marks
// it degraded; skipped stateful rules mark it degraded as well.
func (a *Aggregator) Aggregate(res rules.Result, cls domain.ClassifierResult) domain.SuspicionScore {
	ruleScore := RuleScore(res.Results)

	score := domain.SuspicionScore{
		RuleScore:      ruleScore,
		Signals:        res.Results,
		Classifier:     cls,
		RuleSetVersion: res.Version,
	}

	switch {
	case !cls.Available:
		score.Value = ruleScore
		if cls.Reason != domain.ClassifierDisabled {
			score.MarkDegraded(domain.DegradedClassifier)
		}
	case a.policy.BlendMode == BlendWeighted:
		alpha := a.policy.BlendFactor
		score.Value = alpha*ruleScore + (1-alpha)*clamp(cls.Score)
	default:
		score.Value = max(ruleScore, clamp(cls.Score))
	}

	if res.StateSkipped {
		score.MarkDegraded(domain.DegradedState)
	}

	score.Value = clamp(score.Value)
	score.Decision = a.Decide(score.Value)
	return score
}

// Decide maps a score onto the decision bands; thresholds are inclusive
func (a *Aggregator) Decide(value float64) domain.Decision {
	switch {
	case value >= a.policy.BlockThreshold:
		return domain.DecisionBlock
	case value >= a.policy.ReviewThreshold:
		return domain.DecisionReview
	default:
		return domain.DecisionAllow
	}
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
