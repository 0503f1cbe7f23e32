package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/banking/txmonitor/internal/cases"
	"github.com/banking/txmonitor/internal/domain"
)

// newTestPool starts a throwaway PostgreSQL container and applies Schema
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("container tests are skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("txmonitor"),
		tcpostgres.WithUsername("txmonitor"),
		tcpostgres.WithPassword("txmonitor"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "schema is idempotent")
	return pool
}

var repoT0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newCase(entity string, status domain.CaseStatus, lastAlert time.Time) *domain.Case {
	id := uuid.New()
	return &domain.Case{
		ID:          id,
		CaseNumber:  domain.NewCaseNumber(id, lastAlert),
		EntityID:    entity,
		Status:      status,
		Priority:    domain.RiskLevelHigh,
		Score:       82.5,
		Alerts:      []domain.Alert{},
		Evidence:    []domain.Evidence{},
		LastAlertAt: lastAlert,
		OpenedAt:    lastAlert,
		UpdatedAt:   lastAlert,
	}
}

func TestCaseRepository(t *testing.T) {
	pool := newTestPool(t)
	repo := NewCaseRepository(pool)
	ctx := context.Background()

	older := newCase("E1", domain.CaseStatusOpen, repoT0.Add(-2*time.Hour))
	newer := newCase("E1", domain.CaseStatusAcknowledged, repoT0)
	closed := newCase("E1", domain.CaseStatusClosed, repoT0.Add(time.Hour))
	other := newCase("E2", domain.CaseStatusOpen, repoT0)

	opened := domain.CaseEvent{ID: uuid.New(), CaseID: older.ID, Type: domain.CaseEventOpened, To: domain.CaseStatusOpen, Actor: domain.SystemActor, At: older.OpenedAt}
	require.NoError(t, repo.Save(ctx, older, opened))
	require.NoError(t, repo.Save(ctx, newer))
	require.NoError(t, repo.Save(ctx, closed))
	require.NoError(t, repo.Save(ctx, other))

	t.Run("Get", func(t *testing.T) {
		got, err := repo.Get(ctx, older.ID)
		require.NoError(t, err)
		assert.Equal(t, older.CaseNumber, got.CaseNumber)
		assert.Equal(t, domain.CaseStatusOpen, got.Status)
		assert.Equal(t, 82.5, got.Score)
		assert.True(t, got.LastAlertAt.Equal(older.LastAlertAt))
		assert.Nil(t, got.ClosedAt)

		_, err = repo.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrCaseNotFound)
	})

	t.Run("LatestActive", func(t *testing.T) {
		got, err := repo.LatestActive(ctx, "E1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, newer.ID, got.ID, "closed cases never correlate")

		none, err := repo.LatestActive(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("List", func(t *testing.T) {
		all, err := repo.List(ctx, cases.Filter{EntityID: "E1"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, closed.ID, all[0].ID, "newest first")

		open, err := repo.List(ctx, cases.Filter{Status: domain.CaseStatusOpen, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})

	t.Run("UpsertAndEvents", func(t *testing.T) {
		from := older.Status
		older.Status = domain.CaseStatusEscalated
		older.UpdatedAt = repoT0.Add(3 * time.Hour)
		changed := domain.CaseEvent{ID: uuid.New(), CaseID: older.ID, Type: domain.CaseEventStatusChanged, From: from, To: older.Status, Actor: "analyst-1", At: older.UpdatedAt}
		require.NoError(t, repo.Save(ctx, older, changed))

		got, err := repo.Get(ctx, older.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CaseStatusEscalated, got.Status)

		events, err := repo.Events(ctx, older.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, domain.CaseEventOpened, events[0].Type)
		assert.Equal(t, "analyst-1", events[1].Actor)
		assert.Equal(t, domain.CaseStatusOpen, events[1].From)

		_, err = repo.Events(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrCaseNotFound)
	})

	t.Run("Stale", func(t *testing.T) {
		stale, err := repo.Stale(ctx, repoT0.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, other.ID, stale[0].ID, "only OPEN cases idle since before the cutoff")
	})
}

func TestRuleSetRepository(t *testing.T) {
	pool := newTestPool(t)
	repo := NewRuleSetRepository(pool)
	ctx := context.Background()

	latest, err := repo.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	v1 := domain.RuleSet{
		Version:     "v1",
		Fingerprint: "sha-aaaaaaaaaaaa",
		Rules:       []domain.Rule{{ID: "velocity", Type: domain.RuleTypeVelocity, Weight: domain.RuleWeight(0.5), Params: domain.RuleParams{Window: "1h", Threshold: 10}}},
		LoadedAt:    repoT0,
	}
	v2 := domain.RuleSet{Version: "v2", Fingerprint: "sha-bbbbbbbbbbbb", Rules: []domain.Rule{}, LoadedAt: repoT0.Add(time.Hour)}
	require.NoError(t, repo.SaveRuleSet(ctx, v1))
	require.NoError(t, repo.SaveRuleSet(ctx, v2))

	got, err := repo.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, v1.Fingerprint, got.Fingerprint)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, 0.5, got.Rules[0].EffectiveWeight())

	latest, err = repo.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.Version)

	t.Run("ReactivationMovesLatest", func(t *testing.T) {
		again := v1
		again.LoadedAt = repoT0.Add(2 * time.Hour)
		require.NoError(t, repo.SaveRuleSet(ctx, again))

		latest, err := repo.Latest(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v1", latest.Version)
	})

	t.Run("ConflictingContentRejected", func(t *testing.T) {
		conflict := v1
		conflict.Fingerprint = "sha-cccccccccccc"
		conflict.LoadedAt = repoT0.Add(3 * time.Hour)
		err := repo.SaveRuleSet(ctx, conflict)
		assert.ErrorIs(t, err, domain.ErrInvalidRule)

		got, err := repo.Get(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, v1.Fingerprint, got.Fingerprint)
		assert.True(t, got.LoadedAt.Equal(repoT0.Add(2*time.Hour)), "a rejected save leaves loaded_at alone")
	})

	t.Run("LegacyRowAdoptsFingerprint", func(t *testing.T) {
		_, err := pool.Exec(ctx, `INSERT INTO rule_sets (version, rules, loaded_at) VALUES ('legacy', '[]', $1)`, repoT0)
		require.NoError(t, err)

		require.NoError(t, repo.SaveRuleSet(ctx, domain.RuleSet{Version: "legacy", Fingerprint: "sha-dddddddddddd", Rules: []domain.Rule{}, LoadedAt: repoT0.Add(4 * time.Hour)}))
		got, err := repo.Get(ctx, "legacy")
		require.NoError(t, err)
		assert.Equal(t, "sha-dddddddddddd", got.Fingerprint)
	})
}
