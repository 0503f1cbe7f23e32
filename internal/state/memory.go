package state

import (
	"context"
	"sync"
	"time"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/pkg/syncutil"
)

const memoryShards = 64

type entityState struct {
	entries []domain.WindowEntry // oldest first
	seen    map[string]time.Time // tx id -> timestamp, pruned with entries
	last    time.Time
}

type memoryShard struct {
	mu       sync.Mutex
	entities map[string]*entityState
}

// MemoryStore is the in-process Store. Entities are spread over a fixed set of
// shards so that unrelated entities never contend on one lock.
type MemoryStore struct {
	opts   Options
	shards [memoryShards]memoryShard
}

// NewMemoryStore creates an in-memory window store
func NewMemoryStore(opts Options) *MemoryStore {
	s := &MemoryStore{opts: opts}
	for i := range s.shards {
		s.shards[i].entities = make(map[string]*entityState)
	}
	return s
}

func (s *MemoryStore) shard(entityID string) *memoryShard {
	return &s.shards[syncutil.Shard(entityID, memoryShards)]
}

// Record implements Store
func (s *MemoryStore) Record(_ context.Context, tx *domain.Transaction) (*domain.WindowSnapshot, error) {
	sh := s.shard(tx.EntityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.entities[tx.EntityID]
	if !ok {
		st = &entityState{seen: make(map[string]time.Time)}
		sh.entities[tx.EntityID] = st
	}

	if _, dup := st.seen[tx.ID]; dup {
		return nil, domain.ErrDuplicateTransaction
	}
	if !st.last.IsZero() && orderKey(tx.Timestamp) < orderKey(st.last) {
		return nil, nonMonotonic(st.last)
	}

	st.entries = append(st.entries, entryOf(tx))
	st.seen[tx.ID] = tx.Timestamp
	st.last = tx.Timestamp
	s.prune(st)

	return BuildSnapshot(tx.EntityID, st.entries, s.opts.Windows, tx.Timestamp), nil
}

// prune drops entries older than the longest window and enforces the entry cap
func (s *MemoryStore) prune(st *entityState) {
	cutoff := orderKey(st.last) - s.opts.Retention().Microseconds()
	drop := 0
	for drop < len(st.entries) && orderKey(st.entries[drop].Timestamp) < cutoff {
		drop++
	}
	if over := len(st.entries) - drop - s.opts.maxEntries(); over > 0 {
		drop += over
	}
	if drop == 0 {
		return
	}
	st.entries = append(st.entries[:0:0], st.entries[drop:]...)

	for id, ts := range st.seen {
		if orderKey(ts) < cutoff {
			delete(st.seen, id)
		}
	}
}

// Snapshot implements Store
func (s *MemoryStore) Snapshot(_ context.Context, entityID string, now time.Time) (*domain.WindowSnapshot, error) {
	sh := s.shard(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var entries []domain.WindowEntry
	if st, ok := sh.entities[entityID]; ok {
		entries = st.entries
	}
	return BuildSnapshot(entityID, entries, s.opts.Windows, now), nil
}

// Windows implements Store
func (s *MemoryStore) Windows() []domain.WindowSpec {
	return s.opts.Windows
}

// Ping implements Store
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Sweep evicts entities whose newest transaction fell out of every window
// and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	cutoff := now.Add(-s.opts.Retention())
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, st := range sh.entities {
			if st.last.Before(cutoff) {
				delete(sh.entities, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Entities returns the number of tracked entities
func (s *MemoryStore) Entities() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entities)
		sh.mu.Unlock()
	}
	return n
}

// RunSweeper evicts idle entities every interval until ctx is done
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := s.Sweep(now)
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}
