package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MarketInfo is the subset of Market metadata the Executor's guardrail
// cascade needs, resolved for one asset via its outcome_asset mapping.
type MarketInfo struct {
	MarketID     string
	Blacklisted  bool
	CloseTime    time.Time
	HasCloseTime bool
}

// MarketRepo resolves per-asset market metadata for the guardrail checks.
type MarketRepo struct {
	db *DB
}

func NewMarketRepo(db *DB) *MarketRepo {
	return &MarketRepo{db: db}
}

// GetMarketForAsset joins outcome_asset -> market for assetID. Returns
// ErrNotFound if the asset hasn't been enriched yet.
func (r *MarketRepo) GetMarketForAsset(ctx context.Context, assetID string) (MarketInfo, error) {
	var info MarketInfo
	var blacklisted int
	var closeTime sql.NullInt64
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT m.id, m.blacklisted, m.close_time
		FROM outcome_asset oa JOIN market m ON m.id = oa.market_id
		WHERE oa.asset_id = ?`, assetID,
	).Scan(&info.MarketID, &blacklisted, &closeTime)
	if errors.Is(err, sql.ErrNoRows) {
		return MarketInfo{}, ErrNotFound
	}
	if err != nil {
		return MarketInfo{}, fmt.Errorf("get market for asset %s: %w", assetID, err)
	}
	info.Blacklisted = blacklisted != 0
	if closeTime.Valid {
		info.CloseTime = time.Unix(closeTime.Int64, 0)
		info.HasCloseTime = true
	}
	return info, nil
}

// PriceSnapshotRepo reads/writes the latest mark price per asset.
type PriceSnapshotRepo struct {
	db *DB
}

func NewPriceSnapshotRepo(db *DB) *PriceSnapshotRepo {
	return &PriceSnapshotRepo{db: db}
}

// GetMarkPrice returns the latest mark price for assetID, or ErrNotFound.
func (r *PriceSnapshotRepo) GetMarkPrice(ctx context.Context, assetID string) (int64, error) {
	var price int64
	err := r.db.conn.QueryRowContext(ctx,
		`SELECT mark_price_micros FROM market_price_snapshot WHERE asset_id = ?`, assetID,
	).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get mark price for asset %s: %w", assetID, err)
	}
	return price, nil
}

// SetMarkPrice upserts the latest mark price for assetID.
func (r *PriceSnapshotRepo) SetMarkPrice(ctx context.Context, assetID string, priceMicros int64) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO market_price_snapshot (asset_id, mark_price_micros, updated_at) VALUES (?,?,?)
		ON CONFLICT(asset_id) DO UPDATE SET mark_price_micros = excluded.mark_price_micros, updated_at = excluded.updated_at`,
		assetID, priceMicros, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set mark price for asset %s: %w", assetID, err)
	}
	return nil
}

// ListAllMarkPrices returns every asset's latest mark price, for the
// portfolio snapshotter's mark-to-market pass.
func (r *PriceSnapshotRepo) ListAllMarkPrices(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT asset_id, mark_price_micros FROM market_price_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("list mark prices: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var asset string
		var price int64
		if err := rows.Scan(&asset, &price); err != nil {
			return nil, fmt.Errorf("scan mark price: %w", err)
		}
		out[asset] = price
	}
	return out, rows.Err()
}
