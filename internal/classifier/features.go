package classifier

import (
	"math"

	"github.com/banking/txmonitor/internal/domain"
)

// Features is the fixed-shape vector sent to the model. Names and Values
// always have the same length and order for a given window configuration.
type Features struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"features"`
}

func (f *Features) add(name string, v float64) {
	f.Names = append(f.Names, name)
	f.Values = append(f.Values, v)
}

// Extract builds the feature vector from a transaction and its snapshot.
// A nil snapshot yields zeroed window features of the same shape.
func Extract(tx *domain.Transaction, snap *domain.WindowSnapshot, windows []domain.WindowSpec) Features {
	f := Features{}

	amount := float64(tx.Amount)
	f.add("amount", amount)
	f.add("log_amount", math.Log1p(amount))
	f.add("hour_of_day", float64(tx.Timestamp.UTC().Hour()))
	f.add("day_of_week", float64(tx.Timestamp.UTC().Weekday()))

	for _, w := range windows {
		c, _ := snap.Window(w.Name)
		f.add("count_"+w.Name, float64(c.Count))
		f.add("total_"+w.Name, float64(c.TotalAmount))
		f.add("merchants_"+w.Name, float64(c.DistinctMerchants))
	}

	for _, ch := range domain.Channels {
		v := 0.0
		if tx.Channel == ch {
			v = 1
		}
		f.add("channel_"+string(ch), v)
	}

	round := 0.0
	if tx.Amount%10_000 == 0 {
		round = 1
	}
	f.add("is_round", round)

	device := 0.0
	if tx.DeviceFingerprint != "" {
		device = 1
	}
	f.add("has_device", device)

	return f
}
