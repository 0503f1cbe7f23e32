// Package cases turns alerts into investigator cases: correlation into
// existing cases, lifecycle transitions and the audit trail.
package cases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/metrics"
	"github.com/banking/txmonitor/internal/pkg/logger"
	"github.com/banking/txmonitor/internal/pkg/syncutil"
)

// Notifier receives case stream events. Implementations must not block.
type Notifier interface {
	Notify(event domain.CaseStreamEvent)
}

// Policy configures correlation and automatic transitions
type Policy struct {
	CorrelationWindow  time.Duration
	DismissTTL         time.Duration // 0 disables auto-dismiss
	AutoEscalateBlocks bool
}

// Outcome describes what Submit did with an alert
type Outcome struct {
	Alert     *domain.Alert
	Case      *domain.Case
	Merged    bool
	Escalated bool
}

// Manager owns case state. Every mutation of an entity's cases happens
// under that entity's lock, so correlation never races a transition.
type Manager struct {
	repo     Repository
	policy   Policy
	notifier Notifier
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	locks syncutil.ShardedMutex
}

// NewManager creates a case manager
func NewManager(repo Repository, policy Policy, notifier Notifier, log *logger.Logger, m *metrics.Metrics) *Manager {
	if policy.CorrelationWindow <= 0 {
		policy.CorrelationWindow = time.Hour
	}
	return &Manager{
		repo:     repo,
		policy:   policy,
		notifier: notifier,
		log:      log.Named("cases"),
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock overrides the wall clock used for audit timestamps
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Submit raises an alert for a scored transaction and files it into a case.
// The alert joins the entity's latest OPEN or ACKNOWLEDGED case when its
// transaction time is within the correlation window of that case's last
// alert; otherwise a new case is opened.
func (m *Manager) Submit(ctx context.Context, tx *domain.Transaction, score *domain.SuspicionScore) (*Outcome, error) {
	unlock := m.locks.Lock(tx.EntityID)
	defer unlock()

	now := m.now().UTC()
	alert := domain.NewAlert(tx, score, now)

	current, err := m.repo.LatestActive(ctx, tx.EntityID)
	if err != nil {
		return nil, fmt.Errorf("find active case: %w", err)
	}

	out := &Outcome{Alert: alert}
	var events []domain.CaseEvent
	streamType := domain.StreamCaseUpdated

	if current != nil && m.correlates(current, alert) {
		current.Attach(alert, now)
		events = append(events, m.event(current, domain.CaseEventAlertMerged, "", "", &alert.ID, domain.SystemActor, ""))
		out.Case, out.Merged = current, true
	} else {
		c := m.open(tx.EntityID, now)
		c.Attach(alert, now)
		events = append(events, m.event(c, domain.CaseEventOpened, "", domain.CaseStatusOpen, &alert.ID, domain.SystemActor, ""))
		out.Case = c
		streamType = domain.StreamCaseCreated
	}

	if m.policy.AutoEscalateBlocks && alert.Decision == domain.DecisionBlock && out.Case.Status != domain.CaseStatusEscalated {
		from := out.Case.Status
		out.Case.SetStatus(domain.CaseStatusEscalated, now)
		events = append(events, m.event(out.Case, domain.CaseEventStatusChanged, from, domain.CaseStatusEscalated,
			&alert.ID, domain.SystemActor, "blocking alert"))
		out.Escalated = true
	}

	// the case copy of the alert carries the final status
	*alert = out.Case.Alerts[len(out.Case.Alerts)-1]

	if err := m.repo.Save(ctx, out.Case, events...); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}

	m.log.AlertCreated(alert.ID.String(), out.Case.ID.String(), tx.EntityID, alert.Score, out.Merged)
	for _, ev := range events {
		m.metrics.CaseEvent(string(ev.Type))
	}
	m.emit(streamType, out.Case, events[len(events)-1])
	return out, nil
}

// correlates implements the correlation window check, inclusive at the edge
func (m *Manager) correlates(c *domain.Case, alert *domain.Alert) bool {
	gap := alert.TransactionAt.Sub(c.LastAlertAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= m.policy.CorrelationWindow
}

func (m *Manager) open(entityID string, now time.Time) *domain.Case {
	id := uuid.New()
	return &domain.Case{
		ID:         id,
		CaseNumber: domain.NewCaseNumber(id, now),
		EntityID:   entityID,
		Status:     domain.CaseStatusOpen,
		Priority:   domain.RiskLevelLow,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
}

func (m *Manager) event(c *domain.Case, t domain.CaseEventType, from, to domain.CaseStatus, alertID *uuid.UUID, actor, note string) domain.CaseEvent {
	return domain.CaseEvent{
		ID:      uuid.New(),
		CaseID:  c.ID,
		Type:    t,
		From:    from,
		To:      to,
		AlertID: alertID,
		Actor:   actor,
		Note:    note,
		At:      c.UpdatedAt,
	}
}

// Transition moves a case to a new status on behalf of actor. Reviewers may
// only take reviewer edges; closing requires a resolution note.
func (m *Manager) Transition(ctx context.Context, caseID uuid.UUID, to domain.CaseStatus, actor, note string) (*domain.Case, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", domain.ErrInvalidTransition)
	}

	peek, err := m.repo.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(peek.EntityID)
	defer unlock()

	c, err := m.repo.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := m.transitionLocked(ctx, c, to, actor, note); err != nil {
		return nil, err
	}
	return c, nil
}

// transitionLocked applies a transition; the caller holds the entity lock
func (m *Manager) transitionLocked(ctx context.Context, c *domain.Case, to domain.CaseStatus, actor, note string) error {
	from := c.Status
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	if actor != domain.SystemActor && domain.IsSystemTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is engine-initiated only", domain.ErrInvalidTransition, from, to)
	}
	if to == domain.CaseStatusClosed && strings.TrimSpace(note) == "" {
		return fmt.Errorf("%w: closing requires a resolution note", domain.ErrInvalidTransition)
	}

	c.SetStatus(to, m.now().UTC())
	if to == domain.CaseStatusClosed {
		c.Resolution = note
	}
	ev := m.event(c, domain.CaseEventStatusChanged, from, to, nil, actor, note)

	if err := m.repo.Save(ctx, c, ev); err != nil {
		return fmt.Errorf("save case: %w", err)
	}

	m.log.WithContext(ctx).WithCase(c.ID.String(), c.CaseNumber).CaseTransitioned(string(from), string(to), actor)
	m.metrics.CaseEvent(string(ev.Type))

	streamType := domain.StreamCaseUpdated
	if to == domain.CaseStatusClosed {
		streamType = domain.StreamCaseClosed
	}
	m.emit(streamType, c, ev)
	return nil
}

// Acknowledge marks an OPEN case as under review
func (m *Manager) Acknowledge(ctx context.Context, caseID uuid.UUID, actor, note string) (*domain.Case, error) {
	return m.Transition(ctx, caseID, domain.CaseStatusAcknowledged, actor, note)
}

// Escalate hands an acknowledged case to senior investigators
func (m *Manager) Escalate(ctx context.Context, caseID uuid.UUID, actor, note string) (*domain.Case, error) {
	return m.Transition(ctx, caseID, domain.CaseStatusEscalated, actor, note)
}

// Close resolves an escalated case
func (m *Manager) Close(ctx context.Context, caseID uuid.UUID, actor, resolution string) (*domain.Case, error) {
	return m.Transition(ctx, caseID, domain.CaseStatusClosed, actor, resolution)
}

// Get returns a case by id
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*domain.Case, error) {
	return m.repo.Get(ctx, id)
}

// List returns cases matching f
func (m *Manager) List(ctx context.Context, f Filter) ([]*domain.Case, error) {
	return m.repo.List(ctx, f)
}

// Events returns the audit trail of a case, oldest first
func (m *Manager) Events(ctx context.Context, caseID uuid.UUID) ([]domain.CaseEvent, error) {
	return m.repo.Events(ctx, caseID)
}

// DismissStale closes OPEN cases that received no alert for DismissTTL.
// It returns the number of cases closed.
func (m *Manager) DismissStale(ctx context.Context) (int, error) {
	if m.policy.DismissTTL <= 0 {
		return 0, nil
	}
	before := m.now().UTC().Add(-m.policy.DismissTTL)
	stale, err := m.repo.Stale(ctx, before, 500)
	if err != nil {
		return 0, fmt.Errorf("list stale cases: %w", err)
	}

	closed := 0
	for _, c := range stale {
		note := fmt.Sprintf("auto-dismissed: no alerts for %s", m.policy.DismissTTL)
		ok, err := m.dismiss(ctx, c.ID, before, note)
		if err != nil {
			m.log.Warn("auto-dismiss failed", zap.String("case_id", c.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

// dismiss re-checks staleness under the entity lock so a concurrent merge wins
func (m *Manager) dismiss(ctx context.Context, id uuid.UUID, before time.Time, note string) (bool, error) {
	peek, err := m.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	unlock := m.locks.Lock(peek.EntityID)
	defer unlock()

	c, err := m.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != domain.CaseStatusOpen || !c.UpdatedAt.Before(before) {
		return false, nil
	}
	return true, m.transitionLocked(ctx, c, domain.CaseStatusClosed, domain.SystemActor, note)
}

// RunDismissSweeper runs DismissStale every interval until ctx is done
func (m *Manager) RunDismissSweeper(ctx context.Context, interval time.Duration) {
	if m.policy.DismissTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.DismissStale(ctx); err != nil {
				m.log.Error("dismiss sweep failed", zap.Error(err))
			} else if n > 0 {
				m.log.Info("dismissed stale cases", zap.Int("count", n))
			}
		}
	}
}

func (m *Manager) emit(streamType string, c *domain.Case, ev domain.CaseEvent) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(domain.CaseStreamEvent{
		Type:      streamType,
		Case:      c.Clone(),
		Event:     ev,
		EmittedAt: m.now().UTC(),
	})
}
