package state

import (
	"time"

	"github.com/banking/txmonitor/internal/domain"
)

// BuildSnapshot computes every window's counters at now from entries sorted
// oldest first. An entry belongs to a window when now-d <= ts <= now, compared
// at orderKey precision.
func BuildSnapshot(entityID string, entries []domain.WindowEntry, windows []domain.WindowSpec, now time.Time) *domain.WindowSnapshot {
	snap := &domain.WindowSnapshot{
		EntityID: entityID,
		AsOf:     now,
		Windows:  make(map[string]domain.WindowCounters, len(windows)),
	}

	to := orderKey(now)
	for _, w := range windows {
		from := orderKey(now.Add(-w.Duration))
		counters := domain.WindowCounters{Name: w.Name, Duration: w.Duration}
		merchants := make(map[string]struct{})

		for _, e := range entries {
			if k := orderKey(e.Timestamp); k < from || k > to {
				continue
			}
			counters.Count++
			counters.TotalAmount += e.Amount
			if e.Merchant != "" {
				merchants[e.Merchant] = struct{}{}
			}
			counters.Entries = append(counters.Entries, e)
		}
		counters.DistinctMerchants = len(merchants)
		snap.Windows[w.Name] = counters
	}

	return snap
}

// entryOf converts a transaction into its window entry
func entryOf(tx *domain.Transaction) domain.WindowEntry {
	return domain.WindowEntry{
		TransactionID: tx.ID,
		Timestamp:     tx.Timestamp,
		Amount:        tx.Amount,
		Merchant:      tx.Merchant(),
	}
}
