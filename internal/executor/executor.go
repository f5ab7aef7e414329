// Package executor consumes flushed TradeEventGroups from either the
// Aggregator or the SmallTradeBuffer and turns each into one idempotent
// EXECUTE/SKIP decision, per SPEC_FULL.md §4.7.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"copytrader/internal/bookcache"
	"copytrader/internal/configresolver"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

const (
	bookFreshnessMs = 2_000
	bookWaitMs      = 300
	dailyWindow     = 24 * time.Hour
	weeklyWindow    = 7 * 24 * time.Hour
	drawdownLookback = 30 * 24 * time.Hour
)

// Executor processes one TradeEventGroup into a persisted CopyAttempt (and,
// on EXECUTE, ExecutableFill and LedgerEntry rows).
type Executor struct {
	book         *bookcache.Cache
	configs      *configresolver.Resolver
	ledger       *store.LedgerRepo
	copyAttempts *store.CopyAttemptRepo
	markets      *store.MarketRepo
	prices       *store.PriceSnapshotRepo
	snapshots    *store.PortfolioSnapshotRepo
	db           *store.DB
	logger       *slog.Logger
}

// NewExecutor builds an Executor.
func NewExecutor(
	book *bookcache.Cache,
	configs *configresolver.Resolver,
	ledger *store.LedgerRepo,
	copyAttempts *store.CopyAttemptRepo,
	markets *store.MarketRepo,
	prices *store.PriceSnapshotRepo,
	snapshots *store.PortfolioSnapshotRepo,
	db *store.DB,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		book: book, configs: configs, ledger: ledger, copyAttempts: copyAttempts,
		markets: markets, prices: prices, snapshots: snapshots, db: db,
		logger: logger.With("component", "executor"),
	}
}

// Process runs the full decision contract for one flushed group.
func (e *Executor) Process(ctx context.Context, group types.TradeEventGroup) error {
	exists, err := e.copyAttempts.ExistsForGroupKey(ctx, group.GroupKey)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if exists {
		return nil
	}

	cfg, err := e.configs.Resolve(ctx, group.FollowedUserID)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}

	equity, err := e.computeEquity(ctx)
	if err != nil {
		return fmt.Errorf("compute equity: %w", err)
	}

	rawTarget := types.BpsOf(group.TotalNotionalMicros, cfg.Sizing.CopyPctNotionalBps)
	clamped := clampInt64(rawTarget, cfg.Sizing.MinTradeNotionalMicros, cfg.Sizing.MaxTradeNotionalMicros)
	bankrollCap := types.BpsOf(equity, cfg.Sizing.MaxTradeBankrollBps)
	targetNotional := min64(clamped, bankrollCap)

	if targetNotional < cfg.Sizing.MinTradeNotionalMicros {
		return e.persistSkip(ctx, group, types.ReasonSizeBelowMin, targetNotional, 0)
	}

	res, err := e.book.GetBook(ctx, group.TokenID, bookcache.GetOpts{FreshnessMs: bookFreshnessMs, WaitMs: bookWaitMs})
	if err != nil {
		return fmt.Errorf("get book: %w", err)
	}
	if res.Book == nil {
		return e.persistSkip(ctx, group, types.ReasonBookUnavailable, targetNotional, 0)
	}
	book := res.Book
	mid := book.MidMicros()

	theirRef := group.VwapPriceMicros
	priceForShares := theirRef
	if priceForShares == 0 {
		priceForShares = mid
	}
	if priceForShares == 0 {
		return e.persistSkip(ctx, group, types.ReasonBookUnavailable, targetNotional, 0)
	}
	targetShares := (targetNotional * types.MicrosPerUnit) / priceForShares

	maxPrice, minPrice := priceBounds(group.Side, theirRef, mid, cfg.Guardrails)

	market, err := e.markets.GetMarketForAsset(ctx, group.TokenID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("lookup market for asset %s: %w", group.TokenID, err)
	}

	position, err := e.positionFor(ctx, group.TokenID)
	if err != nil {
		return fmt.Errorf("lookup position for asset %s: %w", group.TokenID, err)
	}
	reducesExposure := group.Side == types.Sell && position.NetShareMicros > 0

	exposure, err := e.computeExposure(ctx, equity, group.TokenID, group.FollowedUserID, theirRef, mid)
	if err != nil {
		return fmt.Errorf("compute exposure: %w", err)
	}

	if reason, ok := checkGuardrails(guardrailInput{
		Side:            group.Side,
		ReducesExposure: reducesExposure,
		TargetNotional:  targetNotional,
		Book:            book,
		MaxPrice:        maxPrice,
		MinPrice:        minPrice,
		Market:          marketInfo{Blacklisted: market.Blacklisted, CloseTime: market.CloseTime, HasCloseTime: market.HasCloseTime},
		Now:             time.Now(),
		Guardrails:      cfg.Guardrails,
		Exposure:        exposure,
	}); !ok {
		return e.persistSkip(ctx, group, reason, targetNotional, 0)
	}

	bound := maxPrice
	if group.Side == types.Sell {
		bound = minPrice
	}
	fills, filledShares, filledNotional := simulateFills(book, group.Side, targetShares, bound)

	if cfg.Guardrails.JitterMsMax > 0 {
		jitter := time.Duration(rand.Int63n(int64(cfg.Guardrails.JitterMsMax)+1)) * time.Millisecond
		sleepWithDeadlineFloor(ctx, time.Duration(cfg.Guardrails.DecisionLatencyMs)*time.Millisecond+jitter)
	} else if cfg.Guardrails.DecisionLatencyMs > 0 {
		sleepWithDeadlineFloor(ctx, time.Duration(cfg.Guardrails.DecisionLatencyMs)*time.Millisecond)
	}

	vwap := int64(0)
	if filledShares > 0 {
		vwap = types.VWAPMicros(filledNotional, filledShares)
	}

	attempt := &types.CopyAttempt{
		ID:                        uuid.NewString(),
		PortfolioScope:            types.ScopeExecGlobal,
		FollowedUserID:            group.FollowedUserID,
		GroupKey:                  group.GroupKey,
		Decision:                  types.DecisionExecute,
		SourceType:                group.SourceType,
		TargetNotionalMicros:      targetNotional,
		FilledNotionalMicros:      filledNotional,
		FilledRatioBps:            filledRatioBps(filledShares, targetShares),
		VwapPriceMicros:           vwap,
		TheirReferencePriceMicros: theirRef,
		MidPriceMicrosAtDecision:  mid,
		BufferedTradeCount:        group.BufferedTradeCount,
		HasBufferedTradeCount:     group.HasBufferedTradeCount,
		CreatedAt:                 time.Now(),
	}

	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.copyAttempts.Insert(ctx, tx, attempt); err != nil {
			return fmt.Errorf("insert copy attempt: %w", err)
		}
		for _, f := range fills {
			fill := &types.ExecutableFill{
				ID:                 uuid.NewString(),
				CopyAttemptID:      attempt.ID,
				PriceMicros:        f.PriceMicros,
				FilledShareMicros:  f.ShareMicros,
				FillNotionalMicros: f.NotionalMicros,
			}
			if err := e.copyAttempts.InsertFill(ctx, tx, fill); err != nil {
				return fmt.Errorf("insert executable fill: %w", err)
			}
		}
		if filledShares > 0 {
			shareDelta, cashDelta := signedFillDeltas(group.Side, filledShares, filledNotional)
			entry := &types.LedgerEntry{
				ID:               uuid.NewString(),
				PortfolioScope:   types.ScopeExecGlobal,
				FollowedUserID:   group.FollowedUserID,
				AssetID:          group.TokenID,
				EntryType:        types.EntryTradeFill,
				ShareDeltaMicros: shareDelta,
				CashDeltaMicros:  cashDelta,
				PriceMicros:      vwap,
				HasPrice:         true,
				RefID:            fmt.Sprintf("copy:%s", attempt.ID),
			}
			if err := e.ledger.Upsert(ctx, tx, entry); err != nil {
				return fmt.Errorf("upsert ledger entry: %w", err)
			}
		}
		return nil
	})
}

func (e *Executor) persistSkip(ctx context.Context, group types.TradeEventGroup, reason types.ReasonCode, targetNotional, filledNotional int64) error {
	attempt := &types.CopyAttempt{
		ID:                    uuid.NewString(),
		PortfolioScope:        types.ScopeExecGlobal,
		FollowedUserID:        group.FollowedUserID,
		GroupKey:              group.GroupKey,
		Decision:              types.DecisionSkip,
		ReasonCodes:           []types.ReasonCode{reason},
		SourceType:            group.SourceType,
		TargetNotionalMicros:  targetNotional,
		FilledNotionalMicros:  filledNotional,
		FilledRatioBps:        0,
		BufferedTradeCount:    group.BufferedTradeCount,
		HasBufferedTradeCount: group.HasBufferedTradeCount,
		CreatedAt:             time.Now(),
	}
	if err := e.copyAttempts.Insert(ctx, e.db.Conn(), attempt); err != nil {
		return fmt.Errorf("insert skip copy attempt: %w", err)
	}
	e.logger.Info("copy attempt skipped", "groupKey", group.GroupKey, "reason", reason)
	return nil
}

func (e *Executor) positionFor(ctx context.Context, assetID string) (store.AssetPosition, error) {
	positions, err := e.ledger.PositionsByAsset(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		return store.AssetPosition{}, err
	}
	for _, p := range positions {
		if p.AssetID == assetID {
			return p, nil
		}
	}
	return store.AssetPosition{AssetID: assetID}, nil
}

// computeEquity mirrors the PortfolioSnapshotter's equity formula: cash plus
// the mark-to-market value of every open position, for the global
// executable portfolio.
func (e *Executor) computeEquity(ctx context.Context) (int64, error) {
	cash, err := e.ledger.SumCashByScope(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		return 0, err
	}
	positions, err := e.ledger.PositionsByAsset(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		return 0, err
	}
	equity := cash
	for _, p := range positions {
		mark, err := e.prices.GetMarkPrice(ctx, p.AssetID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return 0, err
		}
		equity += (p.NetShareMicros * mark) / types.MicrosPerUnit
	}
	return equity, nil
}

func (e *Executor) computeExposure(ctx context.Context, equity int64, tokenID, followedUserID string, theirRef, mid int64) (exposureSnapshot, error) {
	positions, err := e.ledger.PositionsByAsset(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		return exposureSnapshot{}, err
	}
	var total, market int64
	for _, p := range positions {
		mark, err := e.prices.GetMarkPrice(ctx, p.AssetID)
		if err == store.ErrNotFound {
			if p.AssetID == tokenID {
				mark = theirRef
				if mark == 0 {
					mark = mid
				}
			} else {
				continue
			}
		} else if err != nil {
			return exposureSnapshot{}, err
		}
		value := absInt64((p.NetShareMicros * mark) / types.MicrosPerUnit)
		total += value
		if p.AssetID == tokenID {
			market = value
		}
	}

	userPositions, err := e.ledger.PositionsByAsset(ctx, types.ScopeExecGlobal, followedUserID)
	if err != nil {
		return exposureSnapshot{}, err
	}
	var userExposure int64
	for _, p := range userPositions {
		mark, err := e.prices.GetMarkPrice(ctx, p.AssetID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return exposureSnapshot{}, err
		}
		userExposure += absInt64((p.NetShareMicros * mark) / types.MicrosPerUnit)
	}

	now := time.Now()
	dailyPnl, err := e.trailingPnl(ctx, equity, now.Add(-dailyWindow))
	if err != nil {
		return exposureSnapshot{}, err
	}
	weeklyPnl, err := e.trailingPnl(ctx, equity, now.Add(-weeklyWindow))
	if err != nil {
		return exposureSnapshot{}, err
	}
	drawdown, err := e.currentDrawdown(ctx, equity, now.Add(-drawdownLookback))
	if err != nil {
		return exposureSnapshot{}, err
	}

	return exposureSnapshot{
		EquityMicros:         equity,
		TotalExposureMicros:  total,
		MarketExposureMicros: market,
		UserExposureMicros:   userExposure,
		DailyPnlMicros:       dailyPnl,
		WeeklyPnlMicros:      weeklyPnl,
		DrawdownMicros:       drawdown,
	}, nil
}

func (e *Executor) trailingPnl(ctx context.Context, equityNow int64, since time.Time) (int64, error) {
	snap, err := e.snapshots.LatestBefore(ctx, types.ScopeExecGlobal, "", since)
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return equityNow - snap.EquityMicros, nil
}

func (e *Executor) currentDrawdown(ctx context.Context, equityNow int64, since time.Time) (int64, error) {
	peak, err := e.snapshots.MaxEquitySince(ctx, types.ScopeExecGlobal, "", since)
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if peak <= equityNow {
		return 0, nil
	}
	return peak - equityNow, nil
}

func signedFillDeltas(side types.Side, shareMicros, notionalMicros int64) (shareDelta, cashDelta int64) {
	if side == types.Buy {
		return shareMicros, -notionalMicros
	}
	return -shareMicros, notionalMicros
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// sleepWithDeadlineFloor sleeps d, or returns early if ctx is cancelled.
func sleepWithDeadlineFloor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
