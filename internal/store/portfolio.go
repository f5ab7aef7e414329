package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"copytrader/pkg/types"
)

// PortfolioSnapshotRepo persists periodic PortfolioSnapshotter output and
// serves the executor's circuit-breaker lookups (latest equity, trailing
// equity for daily/weekly pnl, peak equity for drawdown).
type PortfolioSnapshotRepo struct {
	db *DB
}

func NewPortfolioSnapshotRepo(db *DB) *PortfolioSnapshotRepo {
	return &PortfolioSnapshotRepo{db: db}
}

// Insert writes one PortfolioSnapshot row.
func (r *PortfolioSnapshotRepo) Insert(ctx context.Context, s *types.PortfolioSnapshot) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO portfolio_snapshot (
			id, portfolio_scope, followed_user_id, bucket_time, equity_micros,
			cash_micros, exposure_micros, realized_pnl_micros, unrealized_pnl_micros
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.PortfolioScope, nullIfEmpty(s.FollowedUserID), s.BucketTime.Unix(),
		s.EquityMicros, s.CashMicros, s.ExposureMicros, s.RealizedPnlMicros, s.UnrealizedPnlMicros,
	)
	if err != nil {
		return fmt.Errorf("insert portfolio snapshot: %w", err)
	}
	return nil
}

// LatestBefore returns the most recent snapshot at or before `before`, or
// ErrNotFound. Used to derive trailing pnl over a fixed lookback window.
func (r *PortfolioSnapshotRepo) LatestBefore(ctx context.Context, scope types.PortfolioScope, followedUserID string, before time.Time) (*types.PortfolioSnapshot, error) {
	return r.queryOne(ctx, `
		SELECT id, portfolio_scope, followed_user_id, bucket_time, equity_micros,
		       cash_micros, exposure_micros, realized_pnl_micros, unrealized_pnl_micros
		FROM portfolio_snapshot
		WHERE portfolio_scope = ? AND followed_user_id IS ? AND bucket_time <= ?
		ORDER BY bucket_time DESC LIMIT 1`,
		scope, nullIfEmpty(followedUserID), before.Unix())
}

// Latest returns the most recent snapshot for a scope, or ErrNotFound.
func (r *PortfolioSnapshotRepo) Latest(ctx context.Context, scope types.PortfolioScope, followedUserID string) (*types.PortfolioSnapshot, error) {
	return r.queryOne(ctx, `
		SELECT id, portfolio_scope, followed_user_id, bucket_time, equity_micros,
		       cash_micros, exposure_micros, realized_pnl_micros, unrealized_pnl_micros
		FROM portfolio_snapshot
		WHERE portfolio_scope = ? AND followed_user_id IS ?
		ORDER BY bucket_time DESC LIMIT 1`,
		scope, nullIfEmpty(followedUserID))
}

// MaxEquitySince returns the peak equity recorded since `since`, for
// drawdown tracking. Returns ErrNotFound if no snapshot exists in the window.
func (r *PortfolioSnapshotRepo) MaxEquitySince(ctx context.Context, scope types.PortfolioScope, followedUserID string, since time.Time) (int64, error) {
	var peak sql.NullInt64
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT MAX(equity_micros) FROM portfolio_snapshot
		WHERE portfolio_scope = ? AND followed_user_id IS ? AND bucket_time >= ?`,
		scope, nullIfEmpty(followedUserID), since.Unix(),
	).Scan(&peak)
	if err != nil {
		return 0, fmt.Errorf("max equity since: %w", err)
	}
	if !peak.Valid {
		return 0, ErrNotFound
	}
	return peak.Int64, nil
}

func (r *PortfolioSnapshotRepo) queryOne(ctx context.Context, query string, args ...any) (*types.PortfolioSnapshot, error) {
	var s types.PortfolioSnapshot
	var followedUserID sql.NullString
	var bucketTime int64
	err := r.db.conn.QueryRowContext(ctx, query, args...).Scan(
		&s.ID, &s.PortfolioScope, &followedUserID, &bucketTime, &s.EquityMicros,
		&s.CashMicros, &s.ExposureMicros, &s.RealizedPnlMicros, &s.UnrealizedPnlMicros,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query portfolio snapshot: %w", err)
	}
	s.FollowedUserID = followedUserID.String
	s.BucketTime = time.Unix(bucketTime, 0)
	return &s, nil
}
