package domain

import "time"

// RuleType identifies a detection strategy
type RuleType string

const (
	RuleTypeVelocity        RuleType = "VELOCITY"
	RuleTypeStructuring     RuleType = "STRUCTURING"
	RuleTypeRoundAmount     RuleType = "ROUND_AMOUNT"
	RuleTypeGeographicRisk  RuleType = "GEOGRAPHIC_RISK"
	RuleTypeHighRiskCountry RuleType = "HIGH_RISK_COUNTRY"
	RuleTypeCustom          RuleType = "CUSTOM"
)

// RuleParams carries the tunables of every rule type. Each strategy reads
// only the fields it needs; amounts are minor units.
type RuleParams struct {
	Window     string   `json:"window,omitempty" mapstructure:"window"`
	Threshold  int64    `json:"threshold,omitempty" mapstructure:"threshold"`
	Proximity  float64  `json:"proximity,omitempty" mapstructure:"proximity"`
	MinCount   int      `json:"min_count,omitempty" mapstructure:"min_count"`
	Unit       int64    `json:"unit,omitempty" mapstructure:"unit"`
	Floor      int64    `json:"floor,omitempty" mapstructure:"floor"`
	Score      float64  `json:"score,omitempty" mapstructure:"score"` // contribution when triggered
	MinRating  int      `json:"min_rating,omitempty" mapstructure:"min_rating"`
	Countries  []string `json:"countries,omitempty" mapstructure:"countries"`
	Plugin     string   `json:"plugin,omitempty" mapstructure:"plugin"`
	Expression string   `json:"expression,omitempty" mapstructure:"expression"`
}

// Rule is a configured detection rule
type Rule struct {
	ID          string     `json:"id" mapstructure:"id"`
	Name        string     `json:"name,omitempty" mapstructure:"name"`
	Description string     `json:"description,omitempty" mapstructure:"description"`
	Type        RuleType   `json:"type" mapstructure:"type"`
	Params      RuleParams `json:"params" mapstructure:"params"`
	Weight      *float64   `json:"weight,omitempty" mapstructure:"weight"` // nil means 1, 0 runs the rule in shadow mode
	Disabled    bool       `json:"disabled,omitempty" mapstructure:"disabled"`
}

// EffectiveWeight returns the configured weight, defaulting to 1 when unset
func (r Rule) EffectiveWeight() float64 {
	if r.Weight == nil {
		return 1
	}
	return *r.Weight
}

// RuleWeight returns a pointer for Rule.Weight
func RuleWeight(w float64) *float64 {
	return &w
}

// RuleSet is a versioned, immutable collection of rules
type RuleSet struct {
	Version string `json:"version" mapstructure:"version"`
	Rules   []Rule `json:"rules" mapstructure:"rules"`

	// Fingerprint is a content hash of the normalized rules. A version
	// string is bound to one fingerprint.
	Fingerprint string    `json:"fingerprint" mapstructure:"-"`
	LoadedAt    time.Time `json:"loaded_at" mapstructure:"-"`
}

// RuleResult is the outcome of one rule against one transaction
type RuleResult struct {
	RuleID    string   `json:"rule_id"`
	RuleType  RuleType `json:"rule_type"`
	Triggered bool     `json:"triggered"`
	Score     float64  `json:"score"` // contribution 0-100
	Weight    float64  `json:"weight"`
	Details   string   `json:"details"`

	// Skipped is set when the rule could not run (window state unavailable)
	Skipped bool `json:"skipped,omitempty"`
}

// Triggered returns only the triggered results
func Triggered(results []RuleResult) []RuleResult {
	out := make([]RuleResult, 0, len(results))
	for _, r := range results {
		if r.Triggered {
			out = append(out, r)
		}
	}
	return out
}
