package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ConfigRepo reads the latest guardrail_config / copy_sizing_config rows for
// a scope, used by ConfigResolver's three-layer merge.
type ConfigRepo struct {
	db *DB
}

func NewConfigRepo(db *DB) *ConfigRepo {
	return &ConfigRepo{db: db}
}

// GetLatestGuardrail returns the most recently updated guardrail_config row's
// raw JSON for (scope, followedUserID), or ErrNotFound. followedUserID is
// ignored for ConfigScopeGlobal.
func (r *ConfigRepo) GetLatestGuardrail(ctx context.Context, scope string, followedUserID string) (string, error) {
	return r.getLatest(ctx, "guardrail_config", scope, followedUserID)
}

// GetLatestSizing returns the most recently updated copy_sizing_config row's
// raw JSON for (scope, followedUserID), or ErrNotFound.
func (r *ConfigRepo) GetLatestSizing(ctx context.Context, scope string, followedUserID string) (string, error) {
	return r.getLatest(ctx, "copy_sizing_config", scope, followedUserID)
}

func (r *ConfigRepo) getLatest(ctx context.Context, table, scope, followedUserID string) (string, error) {
	var raw string
	query := fmt.Sprintf(
		`SELECT config_json FROM %s WHERE scope = ? AND followed_user_id IS ?
		 ORDER BY updated_at DESC LIMIT 1`, table)
	var userArg any
	if followedUserID != "" {
		userArg = followedUserID
	}
	err := r.db.conn.QueryRowContext(ctx, query, scope, userArg).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get latest %s for scope %s: %w", table, scope, err)
	}
	return raw, nil
}
