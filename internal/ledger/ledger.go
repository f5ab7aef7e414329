// Package ledger implements ShadowLedger: the per-leader double-entry mirror
// written for every canonical trade and activity event, independent of
// whatever the Executor later decides to simulate, per SPEC_FULL.md §4.8.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// ShadowLedger writes SHADOW_USER-scoped ledger entries. It holds a plain
// *sql.DB rather than a *sql.Tx: writes happen standalone, outside any
// Executor-managed transaction.
type ShadowLedger struct {
	repo   *store.LedgerRepo
	conn   *sql.DB
	logger *slog.Logger
}

// NewShadowLedger builds a ShadowLedger.
func NewShadowLedger(repo *store.LedgerRepo, conn *sql.DB, logger *slog.Logger) *ShadowLedger {
	return &ShadowLedger{repo: repo, conn: conn, logger: logger.With("component", "shadow_ledger")}
}

// RecordTrade writes the single SHADOW_USER entry for one canonical TradeEvent.
func (s *ShadowLedger) RecordTrade(ctx context.Context, t *types.TradeEvent) error {
	shareDelta, cashDelta := signedDeltas(t.Side, t.ShareMicros, t.NotionalMicros)

	entry := &types.LedgerEntry{
		ID:               uuid.NewString(),
		PortfolioScope:   types.ScopeShadowUser,
		FollowedUserID:   t.FollowedUserID,
		AssetID:          t.EffectiveTokenID(),
		EntryType:        types.EntryTradeFill,
		ShareDeltaMicros: shareDelta,
		CashDeltaMicros:  cashDelta,
		PriceMicros:      t.PriceMicros,
		HasPrice:         true,
		RefID:            fmt.Sprintf("trade:%s", t.ID),
	}
	if err := s.repo.Upsert(ctx, s.conn, entry); err != nil {
		return fmt.Errorf("record trade fill: %w", err)
	}
	return nil
}

// RecordActivity fans an ActivityEvent out into its per-asset share entries
// plus one cash entry, per the MERGE/SPLIT/REDEEM conventions.
func (s *ShadowLedger) RecordActivity(ctx context.Context, a *types.ActivityEvent) error {
	shareSign := int64(1)
	entryType := types.EntryMerge

	switch a.Type {
	case types.ActivityMerge:
		shareSign = -1
		entryType = types.EntryMerge
	case types.ActivitySplit:
		shareSign = 1
		entryType = types.EntrySplit
	case types.ActivityRedeem:
		shareSign = -1
		entryType = types.EntrySettlement
	default:
		return fmt.Errorf("unknown activity type %q", a.Type)
	}

	for _, leg := range a.Legs {
		entry := &types.LedgerEntry{
			ID:               uuid.NewString(),
			PortfolioScope:   types.ScopeShadowUser,
			FollowedUserID:   a.FollowedUserID,
			AssetID:          leg.AssetID,
			EntryType:        entryType,
			ShareDeltaMicros: shareSign * leg.AmountMicros,
			RefID:            fmt.Sprintf("activity:%s:%s", a.ID, leg.AssetID),
		}
		if err := s.repo.Upsert(ctx, s.conn, entry); err != nil {
			return fmt.Errorf("record activity leg %s: %w", leg.AssetID, err)
		}
	}

	if a.HasCollateralAmount {
		cashSign := int64(1)
		if a.Type == types.ActivitySplit {
			cashSign = -1
		}
		entry := &types.LedgerEntry{
			ID:               uuid.NewString(),
			PortfolioScope:   types.ScopeShadowUser,
			FollowedUserID:   a.FollowedUserID,
			EntryType:        entryType,
			CashDeltaMicros:  cashSign * a.CollateralAmountMicros,
			RefID:            fmt.Sprintf("activity:%s:collateral", a.ID),
		}
		if err := s.repo.Upsert(ctx, s.conn, entry); err != nil {
			return fmt.Errorf("record activity collateral leg: %w", err)
		}
	}

	return nil
}

// signedDeltas applies the BUY => +shares/-cash, SELL => -shares/+cash convention.
func signedDeltas(side types.Side, shareMicros, notionalMicros int64) (shareDelta, cashDelta int64) {
	if side == types.Buy {
		return shareMicros, -notionalMicros
	}
	return -shareMicros, notionalMicros
}
