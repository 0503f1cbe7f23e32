package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/banking/txmonitor/internal/domain"
)

const (
	defaultMinRating     = 50
	defaultHighRiskScore = 60
	sanctionedScore      = 100
)

// geographicRisk contributes the country's risk rating when it reaches
// MinRating. A sanctioned country always contributes the maximum.
type geographicRisk struct {
	base
	minRating int
}

func newGeographicRisk(rule domain.Rule, deps Deps) (Evaluator, error) {
	if deps.Directory == nil {
		return nil, invalid(rule, "no country risk directory configured")
	}
	minRating := rule.Params.MinRating
	if minRating == 0 {
		minRating = defaultMinRating
	}
	if minRating < 0 || minRating > 100 {
		return nil, invalid(rule, "min_rating must be in [0,100]")
	}
	return &geographicRisk{base: base{rule: rule}, minRating: minRating}, nil
}

func (g *geographicRisk) Evaluate(_ context.Context, in *Input) domain.RuleResult {
	p := in.Country
	switch {
	case p.Country == "":
		return g.result(false, 0, "no origin country")
	case p.Sanctioned:
		return g.result(true, sanctionedScore, fmt.Sprintf("origin %s is sanctioned", p.Country))
	case p.Rating >= g.minRating:
		return g.result(true, float64(p.Rating), fmt.Sprintf("origin %s rated %d", p.Country, p.Rating))
	}
	return g.result(false, 0, fmt.Sprintf("origin %s rated %d below %d", p.Country, p.Rating, g.minRating))
}

// highRiskCountry triggers when the origin is on a high-risk list, either the
// rule's own or the directory's. A sanctioned country always contributes the maximum.
type highRiskCountry struct {
	base
	countries map[string]struct{}
	score     float64
}

func newHighRiskCountry(rule domain.Rule, deps Deps) (Evaluator, error) {
	if len(rule.Params.Countries) == 0 && deps.Directory == nil {
		return nil, invalid(rule, "countries list or risk directory required")
	}
	var set map[string]struct{}
	if len(rule.Params.Countries) > 0 {
		set = make(map[string]struct{}, len(rule.Params.Countries))
		for _, c := range rule.Params.Countries {
			set[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
		}
	}
	return &highRiskCountry{
		base:      base{rule: rule},
		countries: set,
		score:     scoreOr(rule.Params.Score, defaultHighRiskScore),
	}, nil
}

func (h *highRiskCountry) listed(in *Input) bool {
	if h.countries == nil {
		return in.Country.HighRisk
	}
	_, ok := h.countries[in.Country.Country]
	return ok
}

func (h *highRiskCountry) Evaluate(_ context.Context, in *Input) domain.RuleResult {
	p := in.Country
	switch {
	case p.Country == "":
		return h.result(false, 0, "no origin country")
	case p.Sanctioned:
		return h.result(true, sanctionedScore, fmt.Sprintf("origin %s is sanctioned", p.Country))
	case h.listed(in):
		return h.result(true, h.score, fmt.Sprintf("origin %s is high risk", p.Country))
	}
	return h.result(false, 0, fmt.Sprintf("origin %s not listed", p.Country))
}
