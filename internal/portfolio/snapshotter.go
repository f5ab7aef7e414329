// Package portfolio implements PortfolioSnapshotter: a stateless periodic
// mark-to-market pass over the ledger, per SPEC_FULL.md §4.9.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// Snapshotter computes and persists one PortfolioSnapshot per tracked scope
// on each tick. It holds no state between runs — every field is re-derived
// from the ledger and the latest mark prices.
type Snapshotter struct {
	ledger    *store.LedgerRepo
	prices    *store.PriceSnapshotRepo
	snapshots *store.PortfolioSnapshotRepo
	period    time.Duration
	logger    *slog.Logger
}

// NewSnapshotter builds a Snapshotter that runs every period.
func NewSnapshotter(ledger *store.LedgerRepo, prices *store.PriceSnapshotRepo, snapshots *store.PortfolioSnapshotRepo, period time.Duration, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{ledger: ledger, prices: prices, snapshots: snapshots, period: period, logger: logger.With("component", "portfolio_snapshotter")}
}

// Run ticks every s.period, snapshotting each of the scopes until ctx is done.
func (s *Snapshotter) Run(ctx context.Context, scopes []types.PortfolioScope, followedUserIDs func() []string) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, scopes, followedUserIDs())
		}
	}
}

func (s *Snapshotter) tick(ctx context.Context, scopes []types.PortfolioScope, followedUserIDs []string) {
	for _, scope := range scopes {
		if err := s.snapshotOne(ctx, scope, ""); err != nil {
			s.logger.Error("snapshot failed", "scope", scope, "error", err)
		}
		if scope == types.ScopeShadowUser {
			for _, userID := range followedUserIDs {
				if err := s.snapshotOne(ctx, scope, userID); err != nil {
					s.logger.Error("snapshot failed", "scope", scope, "followedUserId", userID, "error", err)
				}
			}
		}
	}
}

// snapshotOne computes and persists one bucket's snapshot.
func (s *Snapshotter) snapshotOne(ctx context.Context, scope types.PortfolioScope, followedUserID string) error {
	cash, err := s.ledger.SumCashByScope(ctx, scope, followedUserID)
	if err != nil {
		return fmt.Errorf("sum cash: %w", err)
	}

	positions, err := s.ledger.PositionsByAsset(ctx, scope, followedUserID)
	if err != nil {
		return fmt.Errorf("positions by asset: %w", err)
	}

	var exposure, marketValueTotal, unrealizedPnl int64
	for _, p := range positions {
		mark, err := s.prices.GetMarkPrice(ctx, p.AssetID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("mark price for %s: %w", p.AssetID, err)
		}
		marketValue := (p.NetShareMicros * mark) / types.MicrosPerUnit
		marketValueTotal += marketValue
		exposure += absInt64(marketValue)
		// Unrealized pnl for an open position is its current mark value less
		// the cash paid to acquire it.
		unrealizedPnl += marketValue - p.NetCostMicros
	}

	equity := cash + marketValueTotal
	// cash already nets out every buy/sell ever recorded; adding back the cost
	// still tied up in open positions isolates the pnl from closed activity.
	realizedPnl := cash + sumAcquisitionCost(positions)

	snap := &types.PortfolioSnapshot{
		ID:                  uuid.NewString(),
		PortfolioScope:      scope,
		FollowedUserID:      followedUserID,
		BucketTime:          time.Now(),
		EquityMicros:        equity,
		CashMicros:          cash,
		ExposureMicros:      exposure,
		RealizedPnlMicros:   realizedPnl,
		UnrealizedPnlMicros: unrealizedPnl,
	}
	if err := s.snapshots.Insert(ctx, snap); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// sumAcquisitionCost nets out open positions' cost basis from cash to leave
// the cash attributable to realized (closed) activity. A fully flat ledger
// (no open positions) means all cash movement is realized.
func sumAcquisitionCost(positions []store.AssetPosition) int64 {
	var total int64
	for _, p := range positions {
		total += p.NetCostMicros
	}
	return total
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
