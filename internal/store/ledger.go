package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"copytrader/pkg/types"
)

// LedgerRepo persists immutable double-entry LedgerEntry rows.
type LedgerRepo struct {
	db *DB
}

func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Upsert writes a ledger entry, keyed by (portfolio_scope, ref_id, entry_type)
// for idempotency under retry, per SPEC_FULL.md §3.
func (r *LedgerRepo) Upsert(ctx context.Context, execer sqlExecer, e *types.LedgerEntry) error {
	var priceArg any
	if e.HasPrice {
		priceArg = e.PriceMicros
	}
	_, err := execer.ExecContext(ctx, `
		INSERT INTO ledger_entry (
			id, portfolio_scope, followed_user_id, market_id, asset_id, entry_type,
			share_delta_micros, cash_delta_micros, price_micros, ref_id, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(portfolio_scope, ref_id, entry_type) DO NOTHING`,
		e.ID, e.PortfolioScope, nullIfEmpty(e.FollowedUserID), nullIfEmpty(e.MarketID), nullIfEmpty(e.AssetID),
		e.EntryType, e.ShareDeltaMicros, e.CashDeltaMicros, priceArg, e.RefID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	return nil
}

// SumCashByScope sums cash_delta_micros for a scope (PortfolioSnapshotter §4.9).
func (r *LedgerRepo) SumCashByScope(ctx context.Context, scope types.PortfolioScope, followedUserID string) (int64, error) {
	var sum sql.NullInt64
	var err error
	if followedUserID == "" {
		err = r.db.conn.QueryRowContext(ctx,
			`SELECT SUM(cash_delta_micros) FROM ledger_entry WHERE portfolio_scope = ?`, scope,
		).Scan(&sum)
	} else {
		err = r.db.conn.QueryRowContext(ctx,
			`SELECT SUM(cash_delta_micros) FROM ledger_entry WHERE portfolio_scope = ? AND followed_user_id = ?`,
			scope, followedUserID,
		).Scan(&sum)
	}
	if err != nil {
		return 0, fmt.Errorf("sum cash by scope: %w", err)
	}
	return sum.Int64, nil
}

// AssetPosition is the net share position and cost basis for one asset within
// a portfolio scope.
type AssetPosition struct {
	AssetID          string
	NetShareMicros   int64
	NetCostMicros    int64 // signed cash spent acquiring the current net position
}

// PositionsByAsset groups share/cash deltas by asset for mark-to-market.
func (r *LedgerRepo) PositionsByAsset(ctx context.Context, scope types.PortfolioScope, followedUserID string) ([]AssetPosition, error) {
	query := `SELECT asset_id, SUM(share_delta_micros), SUM(-cash_delta_micros)
	          FROM ledger_entry WHERE portfolio_scope = ? AND asset_id IS NOT NULL`
	args := []any{scope}
	if followedUserID != "" {
		query += ` AND followed_user_id = ?`
		args = append(args, followedUserID)
	}
	query += ` GROUP BY asset_id`

	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("positions by asset: %w", err)
	}
	defer rows.Close()

	var out []AssetPosition
	for rows.Next() {
		var p AssetPosition
		if err := rows.Scan(&p.AssetID, &p.NetShareMicros, &p.NetCostMicros); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx, letting callers either
// write standalone or inside a transaction (e.g. the executor's atomic write).
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
