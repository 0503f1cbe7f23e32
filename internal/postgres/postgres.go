// Package postgres persists cases, their audit trail and accepted rule sets
// in PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/banking/txmonitor/internal/config"
)

// Schema is applied by Migrate. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS cases (
	id            UUID PRIMARY KEY,
	case_number   TEXT NOT NULL UNIQUE,
	entity_id     TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      TEXT NOT NULL,
	score         DOUBLE PRECISION NOT NULL,
	alerts        JSONB NOT NULL DEFAULT '[]',
	evidence      JSONB NOT NULL DEFAULT '[]',
	resolution    TEXT NOT NULL DEFAULT '',
	last_alert_at TIMESTAMPTZ NOT NULL,
	opened_at     TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	closed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_cases_entity_active ON cases (entity_id, last_alert_at DESC)
	WHERE status IN ('OPEN', 'ACKNOWLEDGED');
CREATE INDEX IF NOT EXISTS idx_cases_status_updated ON cases (status, updated_at);

CREATE TABLE IF NOT EXISTS case_events (
	seq         BIGSERIAL PRIMARY KEY,
	id          UUID NOT NULL UNIQUE,
	case_id     UUID NOT NULL REFERENCES cases (id),
	type        TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL DEFAULT '',
	alert_id    UUID,
	actor       TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_case_events_case ON case_events (case_id, seq);

CREATE TABLE IF NOT EXISTS rule_sets (
	version     TEXT PRIMARY KEY,
	rules       JSONB NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	loaded_at   TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE rule_sets ADD COLUMN IF NOT EXISTS fingerprint TEXT NOT NULL DEFAULT '';
`

// NewPool opens a pgx pool and verifies connectivity
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
