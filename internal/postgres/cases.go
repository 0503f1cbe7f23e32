package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/banking/txmonitor/internal/cases"
	"github.com/banking/txmonitor/internal/domain"
)

const caseColumns = `id, case_number, entity_id, status, priority, score, alerts, evidence,
	resolution, last_alert_at, opened_at, updated_at, closed_at`

// CaseRepository stores cases in PostgreSQL. Alerts and evidence are JSONB
// documents on the case row; audit events are rows of their own and are
// only ever inserted.
type CaseRepository struct {
	db *pgxpool.Pool
}

var _ cases.Repository = (*CaseRepository)(nil)

// NewCaseRepository creates a case repository
func NewCaseRepository(db *pgxpool.Pool) *CaseRepository {
	return &CaseRepository{db: db}
}

// Save upserts the case and appends its events in one transaction
func (r *CaseRepository) Save(ctx context.Context, c *domain.Case, events ...domain.CaseEvent) error {
	alertsJSON, err := json.Marshal(c.Alerts)
	if err != nil {
		return fmt.Errorf("encode alerts: %w", err)
	}
	evidenceJSON, err := json.Marshal(c.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO cases (`+caseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			score = EXCLUDED.score,
			alerts = EXCLUDED.alerts,
			evidence = EXCLUDED.evidence,
			resolution = EXCLUDED.resolution,
			last_alert_at = EXCLUDED.last_alert_at,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at
	`,
		c.ID,
		c.CaseNumber,
		c.EntityID,
		string(c.Status),
		string(c.Priority),
		c.Score,
		alertsJSON,
		evidenceJSON,
		c.Resolution,
		c.LastAlertAt,
		c.OpenedAt,
		c.UpdatedAt,
		c.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO case_events (id, case_id, type, from_status, to_status, alert_id, actor, note, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, ev.ID, ev.CaseID, string(ev.Type), string(ev.From), string(ev.To), ev.AlertID, ev.Actor, ev.Note, ev.At)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("append case events: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Get implements cases.Repository
func (r *CaseRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Case, error) {
	row := r.db.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCaseNotFound
	}
	return c, err
}

// LatestActive implements cases.Repository
func (r *CaseRepository) LatestActive(ctx context.Context, entityID string) (*domain.Case, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE entity_id = $1 AND status IN ('OPEN', 'ACKNOWLEDGED')
		ORDER BY last_alert_at DESC
		LIMIT 1
	`, entityID)
	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// List implements cases.Repository, newest first
func (r *CaseRepository) List(ctx context.Context, f cases.Filter) ([]*domain.Case, error) {
	query, args := listQuery(f)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// listQuery builds the filtered listing statement
func listQuery(f cases.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + caseColumns + ` FROM cases`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY opened_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// Events implements cases.Repository
func (r *CaseRepository) Events(ctx context.Context, caseID uuid.UUID) ([]domain.CaseEvent, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cases WHERE id = $1)`, caseID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrCaseNotFound
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, case_id, type, from_status, to_status, alert_id, actor, note, at
		FROM case_events
		WHERE case_id = $1
		ORDER BY seq
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.CaseEvent, 0)
	for rows.Next() {
		var (
			ev            domain.CaseEvent
			typ, from, to string
			alertID       pgtype.UUID
		)
		if err := rows.Scan(&ev.ID, &ev.CaseID, &typ, &from, &to, &alertID, &ev.Actor, &ev.Note, &ev.At); err != nil {
			return nil, err
		}
		ev.Type = domain.CaseEventType(typ)
		ev.From = domain.CaseStatus(from)
		ev.To = domain.CaseStatus(to)
		if alertID.Valid {
			id := uuid.UUID(alertID.Bytes)
			ev.AlertID = &id
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Stale implements cases.Repository
func (r *CaseRepository) Stale(ctx context.Context, before time.Time, limit int) ([]*domain.Case, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE status = 'OPEN' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale cases: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCase(row pgx.Row) (*domain.Case, error) {
	var (
		c                    domain.Case
		status, priority     string
		alertsJSON, evidJSON []byte
		closedAt             *time.Time
	)
	err := row.Scan(
		&c.ID,
		&c.CaseNumber,
		&c.EntityID,
		&status,
		&priority,
		&c.Score,
		&alertsJSON,
		&evidJSON,
		&c.Resolution,
		&c.LastAlertAt,
		&c.OpenedAt,
		&c.UpdatedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CaseStatus(status)
	c.Priority = domain.RiskLevel(priority)
	c.ClosedAt = closedAt
	if err := json.Unmarshal(alertsJSON, &c.Alerts); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	if err := json.Unmarshal(evidJSON, &c.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	return &c, nil
}
