package cases

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banking/txmonitor/internal/domain"
)

// Filter narrows case listings
type Filter struct {
	EntityID string
	Status   domain.CaseStatus
	Limit    int
	Offset   int
}

// Repository persists cases and their append-only audit trail
type Repository interface {
	// Save upserts the case and appends events in one atomic step
	Save(ctx context.Context, c *domain.Case, events ...domain.CaseEvent) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Case, error)
	// LatestActive returns the entity's most recent OPEN or ACKNOWLEDGED case, or nil
	LatestActive(ctx context.Context, entityID string) (*domain.Case, error)
	List(ctx context.Context, f Filter) ([]*domain.Case, error)
	Events(ctx context.Context, caseID uuid.UUID) ([]domain.CaseEvent, error)
	// Stale returns OPEN cases not updated since before
	Stale(ctx context.Context, before time.Time, limit int) ([]*domain.Case, error)
}

// MemoryRepository is an in-process Repository
type MemoryRepository struct {
	mu       sync.RWMutex
	cases    map[uuid.UUID]*domain.Case
	byEntity map[string][]uuid.UUID
	events   map[uuid.UUID][]domain.CaseEvent
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		cases:    make(map[uuid.UUID]*domain.Case),
		byEntity: make(map[string][]uuid.UUID),
		events:   make(map[uuid.UUID][]domain.CaseEvent),
	}
}

// Save implements Repository
func (r *MemoryRepository) Save(_ context.Context, c *domain.Case, events ...domain.CaseEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cases[c.ID]; !exists {
		r.byEntity[c.EntityID] = append(r.byEntity[c.EntityID], c.ID)
	}
	r.cases[c.ID] = c.Clone()
	r.events[c.ID] = append(r.events[c.ID], events...)
	return nil
}

// Get implements Repository
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*domain.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.cases[id]
	if !ok {
		return nil, domain.ErrCaseNotFound
	}
	return c.Clone(), nil
}

// LatestActive implements Repository
func (r *MemoryRepository) LatestActive(_ context.Context, entityID string) (*domain.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *domain.Case
	for _, id := range r.byEntity[entityID] {
		c := r.cases[id]
		if !c.AcceptsAlerts() {
			continue
		}
		if latest == nil || c.LastAlertAt.After(latest.LastAlertAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

// List implements Repository, newest first
func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*domain.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Case, 0)
	for _, c := range r.cases {
		if f.EntityID != "" && c.EntityID != f.EntityID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	return paginate(out, f.Limit, f.Offset), nil
}

// Events implements Repository
func (r *MemoryRepository) Events(_ context.Context, caseID uuid.UUID) ([]domain.CaseEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.cases[caseID]; !ok {
		return nil, domain.ErrCaseNotFound
	}
	return append([]domain.CaseEvent(nil), r.events[caseID]...), nil
}

// Stale implements Repository
func (r *MemoryRepository) Stale(_ context.Context, before time.Time, limit int) ([]*domain.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Case, 0)
	for _, c := range r.cases {
		if c.Status == domain.CaseStatusOpen && c.UpdatedAt.Before(before) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return paginate(out, limit, 0), nil
}

func paginate(in []*domain.Case, limit, offset int) []*domain.Case {
	if offset >= len(in) {
		return []*domain.Case{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
