package domain

import (
	"sort"
	"time"
)

// WindowSpec names a trailing interval over which counters are aggregated
type WindowSpec struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// WindowEntry is one recorded transaction inside an entity's sliding window
type WindowEntry struct {
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
	Amount        int64     `json:"amount"`
	Merchant      string    `json:"merchant,omitempty"`
}

// WindowCounters holds the aggregates for one window
type WindowCounters struct {
	Name              string        `json:"name"`
	Duration          time.Duration `json:"duration"`
	Count             int           `json:"count"`
	TotalAmount       int64         `json:"total_amount"`
	DistinctMerchants int           `json:"distinct_merchants"`

	// Entries in timestamp order, oldest first
	Entries []WindowEntry `json:"-"`
}

// WindowSnapshot is an immutable view of every window of one entity at AsOf.
// Rules and feature extraction read it concurrently; nobody writes to it.
type WindowSnapshot struct {
	EntityID string                    `json:"entity_id"`
	AsOf     time.Time                 `json:"as_of"`
	Windows  map[string]WindowCounters `json:"windows"`
}

// Window returns the counters for the named window
func (s *WindowSnapshot) Window(name string) (WindowCounters, bool) {
	if s == nil {
		return WindowCounters{}, false
	}
	w, ok := s.Windows[name]
	return w, ok
}

// Ordered returns the windows sorted by duration, shortest first
func (s *WindowSnapshot) Ordered() []WindowCounters {
	if s == nil {
		return nil
	}
	out := make([]WindowCounters, 0, len(s.Windows))
	for _, w := range s.Windows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Duration == out[j].Duration {
			return out[i].Name < out[j].Name
		}
		return out[i].Duration < out[j].Duration
	})
	return out
}
