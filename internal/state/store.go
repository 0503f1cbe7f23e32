// Package state keeps per-entity sliding-window aggregates over recent transactions.
package state

import (
	"context"
	"time"

	"github.com/banking/txmonitor/internal/domain"
)

// Store records transactions and serves window snapshots.
//
// Record is atomic per entity: the transaction is deduplicated by id, checked
// for timestamp order, appended, and the snapshot returned reflects exactly
// the entity's state including that transaction. It returns
// domain.ErrDuplicateTransaction for a replayed id and a *domain.ValidationError
// wrapping domain.ErrNonMonotonicTimestamp for an out-of-order event. Any
// backend failure is reported as domain.ErrStateUnavailable.
type Store interface {
	Record(ctx context.Context, tx *domain.Transaction) (*domain.WindowSnapshot, error)
	Snapshot(ctx context.Context, entityID string, now time.Time) (*domain.WindowSnapshot, error)
	Windows() []domain.WindowSpec
	Ping(ctx context.Context) error
}

// Options configure window retention
type Options struct {
	Windows             []domain.WindowSpec
	MaxEntriesPerEntity int
}

// Retention returns the longest configured window
func (o Options) Retention() time.Duration {
	var longest time.Duration
	for _, w := range o.Windows {
		if w.Duration > longest {
			longest = w.Duration
		}
	}
	return longest
}

func (o Options) maxEntries() int {
	if o.MaxEntriesPerEntity <= 0 {
		return 5000
	}
	return o.MaxEntriesPerEntity
}

// orderKey is the event-time key used for ordering and retention. Every
// backend compares at microsecond precision.
func orderKey(t time.Time) int64 {
	return t.UnixMicro()
}

func nonMonotonic(last time.Time) error {
	return &domain.ValidationError{
		Field:  "timestamp",
		Reason: "precedes latest transaction " + last.UTC().Format(time.RFC3339Nano),
		Err:    domain.ErrNonMonotonicTimestamp,
	}
}
