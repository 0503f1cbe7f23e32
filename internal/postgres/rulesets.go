package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/rules"
)

// RuleSetRepository keeps every accepted rule-set version so alert evidence
// can be traced back to the exact rules that produced it.
type RuleSetRepository struct {
	db *pgxpool.Pool
}

var _ rules.History = (*RuleSetRepository)(nil)

// NewRuleSetRepository creates a rule-set history repository
func NewRuleSetRepository(db *pgxpool.Pool) *RuleSetRepository {
	return &RuleSetRepository{db: db}
}

// SaveRuleSet records a version. Re-activating a known version with the same
// fingerprint refreshes loaded_at; a known version with a different
// fingerprint is rejected with domain.ErrInvalidRule. Rows stored before
// fingerprints existed adopt the first fingerprint saved against them.
func (r *RuleSetRepository) SaveRuleSet(ctx context.Context, set domain.RuleSet) error {
	rulesJSON, err := json.Marshal(set.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	var stored string
	err = r.db.QueryRow(ctx, `
		INSERT INTO rule_sets (version, rules, fingerprint, loaded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version) DO UPDATE SET
			fingerprint = CASE WHEN rule_sets.fingerprint = '' THEN EXCLUDED.fingerprint ELSE rule_sets.fingerprint END,
			loaded_at = CASE WHEN rule_sets.fingerprint IN ('', EXCLUDED.fingerprint) THEN EXCLUDED.loaded_at ELSE rule_sets.loaded_at END
		RETURNING fingerprint
	`, set.Version, rulesJSON, set.Fingerprint, set.LoadedAt).Scan(&stored)
	if err != nil {
		return err
	}
	if stored != set.Fingerprint {
		return fmt.Errorf("%w: version %q is already stored with fingerprint %s", domain.ErrInvalidRule, set.Version, stored)
	}
	return nil
}

// Get returns a stored version
func (r *RuleSetRepository) Get(ctx context.Context, version string) (*domain.RuleSet, error) {
	return r.scanOne(r.db.QueryRow(ctx, `SELECT version, rules, fingerprint, loaded_at FROM rule_sets WHERE version = $1`, version))
}

// Latest returns the most recently activated version, or nil when none exists
func (r *RuleSetRepository) Latest(ctx context.Context) (*domain.RuleSet, error) {
	set, err := r.scanOne(r.db.QueryRow(ctx, `
		SELECT version, rules, fingerprint, loaded_at FROM rule_sets
		ORDER BY loaded_at DESC, created_at DESC LIMIT 1
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return set, err
}

func (r *RuleSetRepository) scanOne(row pgx.Row) (*domain.RuleSet, error) {
	var (
		set       domain.RuleSet
		rulesJSON []byte
	)
	if err := row.Scan(&set.Version, &rulesJSON, &set.Fingerprint, &set.LoadedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rulesJSON, &set.Rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return &set, nil
}
