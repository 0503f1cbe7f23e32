// Package geo holds country risk reference data and IP-to-country resolution.
package geo

import (
	"strings"
	"sync"
)

// Default rating assigned to high-risk and sanctioned countries when no
// explicit rating is configured
const (
	HighRiskRating   = 70
	SanctionedRating = 100
)

// Directory is an in-memory index of country risk data. Lookups take a read
// lock only; Update swaps every table at once.
type Directory struct {
	mu         sync.RWMutex
	ratings    map[string]int
	highRisk   map[string]struct{}
	sanctioned map[string]struct{}
}

// Profile is everything the directory knows about one country
type Profile struct {
	Country    string `json:"country"`
	Rating     int    `json:"rating"`
	HighRisk   bool   `json:"high_risk"`
	Sanctioned bool   `json:"sanctioned"`
}

// NewDirectory builds a directory from configured lists
func NewDirectory(ratings map[string]int, highRisk, sanctioned []string) *Directory {
	d := &Directory{}
	d.Update(ratings, highRisk, sanctioned)
	return d
}

// Update replaces the reference data
func (d *Directory) Update(ratings map[string]int, highRisk, sanctioned []string) {
	r := make(map[string]int, len(ratings))
	for code, v := range ratings {
		r[normalize(code)] = clampRating(v)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.ratings = r
	d.highRisk = toSet(highRisk)
	d.sanctioned = toSet(sanctioned)
}

// Lookup returns the risk profile of a country code. Unknown countries rate 0.
func (d *Directory) Lookup(country string) Profile {
	code := normalize(country)
	p := Profile{Country: code}
	if code == "" {
		return p
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	_, p.HighRisk = d.highRisk[code]
	_, p.Sanctioned = d.sanctioned[code]

	rating, explicit := d.ratings[code]
	switch {
	case explicit:
		p.Rating = rating
	case p.Sanctioned:
		p.Rating = SanctionedRating
	case p.HighRisk:
		p.Rating = HighRiskRating
	}
	if p.Sanctioned {
		p.Rating = SanctionedRating
	}
	return p
}

// IsSanctioned returns true if the country is under comprehensive sanctions
func (d *Directory) IsSanctioned(country string) bool {
	return d.Lookup(country).Sanctioned
}

func toSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if code := normalize(c); code != "" {
			set[code] = struct{}{}
		}
	}
	return set
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func clampRating(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
