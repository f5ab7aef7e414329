package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by repository Get methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// CheckpointRepo reads and writes SystemCheckpoint rows: ingestion cursors
// (api:lastTradeTime:{userId}), the block checkpoint (alchemy:lastBlock), and
// the global config snapshot (config:smallTradeBuffering).
type CheckpointRepo struct {
	db *DB
}

func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

// Get returns the raw JSON value for key, or ErrNotFound.
func (r *CheckpointRepo) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.conn.QueryRowContext(ctx,
		`SELECT value_json FROM system_checkpoint WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	return value, nil
}

// Set upserts the value for key in a single statement, serialized per row by
// the standard DB transaction semantics (SPEC_FULL.md §5).
func (r *CheckpointRepo) Set(ctx context.Context, key, valueJSON string) error {
	_, err := r.db.conn.ExecContext(ctx,
		`INSERT INTO system_checkpoint(key, value_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
		key, valueJSON, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", key, err)
	}
	return nil
}
