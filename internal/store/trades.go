package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"copytrader/pkg/types"
)

// TradeRepo persists canonical TradeEvent rows.
type TradeRepo struct {
	db *DB
}

func NewTradeRepo(db *DB) *TradeRepo {
	return &TradeRepo{db: db}
}

// InsertOnchain inserts a WS-sourced trade. Idempotency key: (tx_hash, log_index).
// On constraint collision, returns (false, nil) to signal "treat as existing"
// per SPEC_FULL.md §4.1.
func (r *TradeRepo) InsertOnchain(ctx context.Context, t *types.TradeEvent) (inserted bool, err error) {
	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO trade_event (
			id, source, source_id, tx_hash, log_index, is_canonical, profile_wallet,
			proxy_wallet, followed_user_id, side, price_micros, share_micros,
			notional_micros, fee_micros, event_time, detect_time, raw_token_id,
			enrichment_status
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(tx_hash, log_index) DO NOTHING`,
		t.ID, t.Source, nullIfEmpty(t.SourceID), t.TxHash, t.LogIndex, boolToInt(t.IsCanonical),
		t.ProfileWallet, nullIfEmpty(t.ProxyWallet), t.FollowedUserID, t.Side,
		t.PriceMicros, t.ShareMicros, t.NotionalMicros, t.FeeMicros,
		t.EventTime.Unix(), t.DetectTime.Unix(), nullIfEmpty(t.RawTokenID), t.EnrichmentStatus,
	)
	if err != nil {
		return false, fmt.Errorf("insert onchain trade: %w", err)
	}
	return r.exists(ctx, "tx_hash = ? AND log_index = ?", t.TxHash, t.LogIndex)
}

// InsertAPI inserts an API-sourced trade keyed by source_id.
func (r *TradeRepo) InsertAPI(ctx context.Context, t *types.TradeEvent) (inserted bool, err error) {
	res, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO trade_event (
			id, source, source_id, tx_hash, log_index, is_canonical, profile_wallet,
			proxy_wallet, followed_user_id, side, price_micros, share_micros,
			notional_micros, fee_micros, event_time, detect_time, market_id, asset_id,
			condition_id, enrichment_status
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(source, source_id) DO NOTHING`,
		t.ID, t.Source, t.SourceID, t.TxHash, t.LogIndex, boolToInt(t.IsCanonical),
		t.ProfileWallet, nullIfEmpty(t.ProxyWallet), t.FollowedUserID, t.Side,
		t.PriceMicros, t.ShareMicros, t.NotionalMicros, t.FeeMicros,
		t.EventTime.Unix(), t.DetectTime.Unix(), nullIfEmpty(t.MarketID), nullIfEmpty(t.AssetID),
		nullIfEmpty(t.ConditionID), t.EnrichmentStatus,
	)
	if err != nil {
		return false, fmt.Errorf("insert api trade: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetByID loads one trade_event row by its primary key, for the IngestEvents
// queue handler that turns a bare tradeEventId reference into the full
// canonical TradeEvent.
func (r *TradeRepo) GetByID(ctx context.Context, id string) (*types.TradeEvent, error) {
	row := r.db.conn.QueryRowContext(ctx, `
		SELECT id, source, source_id, tx_hash, log_index, is_canonical, profile_wallet,
		       proxy_wallet, followed_user_id, side, price_micros, share_micros,
		       notional_micros, fee_micros, event_time, detect_time, market_id, asset_id,
		       raw_token_id, condition_id, enrichment_status
		FROM trade_event WHERE id = ?`, id)

	var t types.TradeEvent
	var sourceID, proxyWallet, marketID, assetID, rawTokenID, conditionID sql.NullString
	var logIndex sql.NullInt64
	var isCanonical int
	var eventTime, detectTime int64
	err := row.Scan(
		&t.ID, &t.Source, &sourceID, &t.TxHash, &logIndex, &isCanonical, &t.ProfileWallet,
		&proxyWallet, &t.FollowedUserID, &t.Side, &t.PriceMicros, &t.ShareMicros,
		&t.NotionalMicros, &t.FeeMicros, &eventTime, &detectTime, &marketID, &assetID,
		&rawTokenID, &conditionID, &t.EnrichmentStatus,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade by id: %w", err)
	}

	t.SourceID = sourceID.String
	t.LogIndex = logIndex.Int64
	t.IsCanonical = isCanonical != 0
	t.ProxyWallet = proxyWallet.String
	t.MarketID = marketID.String
	t.AssetID = assetID.String
	t.RawTokenID = rawTokenID.String
	t.ConditionID = conditionID.String
	t.EventTime = time.Unix(eventTime, 0)
	t.DetectTime = time.Unix(detectTime, 0)
	return &t, nil
}

func (r *TradeRepo) exists(ctx context.Context, where string, args ...any) (bool, error) {
	var n int
	q := "SELECT COUNT(1) FROM trade_event WHERE " + where
	if err := r.db.conn.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindByTxProfileSideToken looks up an existing ONCHAIN_WS trade matching
// (txHash, profileWallet, side, tokenId), used by the API ingestor's
// reconciliation pass (SPEC_FULL.md §4.2).
func (r *TradeRepo) FindByTxProfileSideToken(ctx context.Context, txHash, profileWallet string, side types.Side, tokenID string) (*types.TradeEvent, error) {
	row := r.db.conn.QueryRowContext(ctx, `
		SELECT id, event_time, detect_time FROM trade_event
		WHERE tx_hash = ? AND profile_wallet = ? AND side = ? AND raw_token_id = ?
		  AND source = ?`,
		txHash, profileWallet, side, tokenID, types.SourceOnchainWS,
	)
	var id string
	var eventTime, detectTime int64
	if err := row.Scan(&id, &eventTime, &detectTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find ws trade: %w", err)
	}
	return &types.TradeEvent{
		ID:         id,
		EventTime:  time.Unix(eventTime, 0),
		DetectTime: time.Unix(detectTime, 0),
	}, nil
}

// BackpatchEventTime overwrites event_time on an existing row (never detect_time).
func (r *TradeRepo) BackpatchEventTime(ctx context.Context, id string, eventTime time.Time) error {
	_, err := r.db.conn.ExecContext(ctx, `UPDATE trade_event SET event_time = ? WHERE id = ?`, eventTime.Unix(), id)
	if err != nil {
		return fmt.Errorf("backpatch event time: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
