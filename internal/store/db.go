// Package store provides the durable relational store for the pipeline
// (TradeEvent, ActivityEvent, LedgerEntry, CopyAttempt, ExecutableFill,
// PortfolioSnapshot, SystemCheckpoint, and supporting config tables) backed by
// a pure-Go SQLite driver, and a checkpoint repository used for ingestion
// cursors and block checkpoints.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Profile tunes PRAGMA settings for the table's access pattern: the ledger
// needs durability, the book/price cache tables favor throughput.
type Profile string

const (
	ProfileLedger   Profile = "ledger"
	ProfileCache    Profile = "cache"
	ProfileStandard Profile = "standard"
)

// Config describes how to open the database.
type Config struct {
	Path            string
	Profile         Profile
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps a *sql.DB with the PRAGMA tuning and schema migration needed by
// the pipeline.
type DB struct {
	conn *sql.DB
}

// Open opens (and, if needed, creates) the sqlite database at cfg.Path, applies
// profile-appropriate PRAGMAs, and runs the embedded schema migration.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dsn := buildDSN(cfg)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func buildDSN(cfg Config) string {
	switch cfg.Profile {
	case ProfileLedger:
		// Ledger writes favor durability: full sync, WAL for concurrent readers.
		return cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	case ProfileCache:
		// Cache/price tables favor throughput over crash durability.
		return cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(2000)"
	default:
		return cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}
}

// Conn exposes the underlying *sql.DB for repositories in this package.
func (db *DB) Conn() *sql.DB { return db.conn }

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// otherwise. Grounds SPEC_FULL.md §9's "scoped acquisition of DB transactions"
// requirement as a single-arity helper with guaranteed release.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS followed_user (
		id TEXT PRIMARY KEY,
		profile_wallet TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS followed_user_proxy_wallet (
		wallet TEXT PRIMARY KEY,
		followed_user_id TEXT NOT NULL REFERENCES followed_user(id)
	)`,
	`CREATE TABLE IF NOT EXISTS trade_event (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		source_id TEXT,
		tx_hash TEXT NOT NULL,
		log_index INTEGER NOT NULL,
		is_canonical INTEGER NOT NULL,
		profile_wallet TEXT NOT NULL,
		proxy_wallet TEXT,
		followed_user_id TEXT NOT NULL,
		side TEXT NOT NULL,
		price_micros INTEGER NOT NULL,
		share_micros INTEGER NOT NULL,
		notional_micros INTEGER NOT NULL,
		fee_micros INTEGER NOT NULL,
		event_time INTEGER NOT NULL,
		detect_time INTEGER NOT NULL,
		market_id TEXT,
		asset_id TEXT,
		raw_token_id TEXT,
		condition_id TEXT,
		enrichment_status TEXT NOT NULL DEFAULT 'PENDING',
		UNIQUE(tx_hash, log_index),
		UNIQUE(source, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_event_user_token_side ON trade_event(followed_user_id, raw_token_id, side)`,
	`CREATE TABLE IF NOT EXISTS activity_event (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		profile_wallet TEXT NOT NULL,
		followed_user_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		event_time INTEGER NOT NULL,
		detect_time INTEGER NOT NULL,
		tx_hash TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entry (
		id TEXT PRIMARY KEY,
		portfolio_scope TEXT NOT NULL,
		followed_user_id TEXT,
		market_id TEXT,
		asset_id TEXT,
		entry_type TEXT NOT NULL,
		share_delta_micros INTEGER NOT NULL,
		cash_delta_micros INTEGER NOT NULL,
		price_micros INTEGER,
		ref_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(portfolio_scope, ref_id, entry_type)
	)`,
	`CREATE TABLE IF NOT EXISTS copy_attempt (
		id TEXT PRIMARY KEY,
		portfolio_scope TEXT NOT NULL,
		followed_user_id TEXT,
		group_key TEXT NOT NULL UNIQUE,
		decision TEXT NOT NULL,
		reason_codes TEXT NOT NULL,
		source_type TEXT NOT NULL,
		target_notional_micros INTEGER NOT NULL,
		filled_notional_micros INTEGER NOT NULL,
		filled_ratio_bps INTEGER NOT NULL,
		vwap_price_micros INTEGER NOT NULL,
		their_reference_price_micros INTEGER NOT NULL,
		mid_price_micros_at_decision INTEGER NOT NULL,
		buffered_trade_count INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executable_fill (
		id TEXT PRIMARY KEY,
		copy_attempt_id TEXT NOT NULL REFERENCES copy_attempt(id),
		price_micros INTEGER NOT NULL,
		filled_share_micros INTEGER NOT NULL,
		fill_notional_micros INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_snapshot (
		id TEXT PRIMARY KEY,
		portfolio_scope TEXT NOT NULL,
		followed_user_id TEXT,
		bucket_time INTEGER NOT NULL,
		equity_micros INTEGER NOT NULL,
		cash_micros INTEGER NOT NULL,
		exposure_micros INTEGER NOT NULL,
		realized_pnl_micros INTEGER NOT NULL,
		unrealized_pnl_micros INTEGER NOT NULL,
		UNIQUE(portfolio_scope, followed_user_id, bucket_time)
	)`,
	`CREATE TABLE IF NOT EXISTS market_price_snapshot (
		asset_id TEXT PRIMARY KEY,
		mark_price_micros INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS market (
		id TEXT PRIMARY KEY,
		condition_id TEXT,
		slug TEXT,
		title TEXT,
		close_time INTEGER,
		blacklisted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS outcome_asset (
		asset_id TEXT PRIMARY KEY,
		market_id TEXT NOT NULL REFERENCES market(id),
		outcome_label TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS token_metadata_cache (
		token_id TEXT PRIMARY KEY,
		condition_id TEXT,
		market_id TEXT,
		market_slug TEXT,
		market_title TEXT,
		outcome_label TEXT,
		close_time INTEGER,
		fetched_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS guardrail_config (
		scope TEXT NOT NULL,
		followed_user_id TEXT,
		config_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, followed_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS copy_sizing_config (
		scope TEXT NOT NULL,
		followed_user_id TEXT,
		config_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, followed_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS system_checkpoint (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}
