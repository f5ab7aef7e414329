package executor

import (
	"time"

	"copytrader/internal/bookcache"
	"copytrader/pkg/types"
)

// exposureSnapshot is the pre-trade exposure state the guardrail cascade
// checks a proposed trade against.
type exposureSnapshot struct {
	EquityMicros          int64
	TotalExposureMicros   int64
	MarketExposureMicros  int64
	UserExposureMicros    int64
	DailyPnlMicros        int64
	WeeklyPnlMicros       int64
	DrawdownMicros        int64
}

// guardrailInput bundles everything the cascade needs to evaluate one
// proposed trade, already resolved by the caller.
type guardrailInput struct {
	Side            types.Side
	ReducesExposure bool
	TargetNotional  int64
	Book            *bookcache.Book
	MaxPrice        int64 // only meaningful for BUY
	MinPrice        int64 // only meaningful for SELL
	Market          marketInfo
	Now             time.Time
	Guardrails      types.GuardrailConfig
	Exposure        exposureSnapshot
}

type marketInfo struct {
	Blacklisted  bool
	CloseTime    time.Time
	HasCloseTime bool
}

// checkGuardrails runs the SPEC_FULL.md §4.7 step-5 cascade, short-circuiting
// on the first failing check.
func checkGuardrails(in guardrailInput) (types.ReasonCode, bool) {
	if in.Market.Blacklisted {
		return types.ReasonMarketBlacklisted, false
	}

	// A reducing SELL bypasses only the lifecycle (near-close) check; it still
	// has to clear spread, depth, and every exposure cap below.
	if !(in.Side == types.Sell && in.ReducesExposure) {
		if in.Side == types.Buy && in.Market.HasCloseTime {
			minutesToClose := in.Market.CloseTime.Sub(in.Now).Minutes()
			if minutesToClose < float64(in.Guardrails.NoNewOpensWithinMinutesToClose) {
				return types.ReasonMarketNearClose, false
			}
		}
	}

	spread := in.Book.SpreadMicros()
	if spread > in.Guardrails.MaxSpreadMicros {
		return types.ReasonSpreadTooWide, false
	}

	bound := in.MaxPrice
	levels := in.Book.Asks
	if in.Side == types.Sell {
		bound = in.MinPrice
		levels = in.Book.Bids
	}
	available := bookcache.AvailableNotional(levels, bound, in.Side)
	minDepth := types.BpsOf(in.TargetNotional, in.Guardrails.MinDepthMultiplierBps)
	if available < minDepth {
		return types.ReasonDepthInsufficient, false
	}

	if exceedsBps(in.Exposure.TotalExposureMicros+in.TargetNotional, in.Exposure.EquityMicros, in.Guardrails.MaxTotalExposureBps) {
		return types.ReasonExposureCapTotal, false
	}
	if exceedsBps(in.Exposure.MarketExposureMicros+in.TargetNotional, in.Exposure.EquityMicros, in.Guardrails.MaxExposurePerMarketBps) {
		return types.ReasonExposureCapMarket, false
	}
	if exceedsBps(in.Exposure.UserExposureMicros+in.TargetNotional, in.Exposure.EquityMicros, in.Guardrails.MaxExposurePerUserBps) {
		return types.ReasonExposureCapUser, false
	}

	if breachesLossLimit(in.Exposure.DailyPnlMicros, in.Exposure.EquityMicros, in.Guardrails.DailyLossLimitBps) {
		return types.ReasonCircuitBreakerDaily, false
	}
	if breachesLossLimit(in.Exposure.WeeklyPnlMicros, in.Exposure.EquityMicros, in.Guardrails.WeeklyLossLimitBps) {
		return types.ReasonCircuitBreakerWeekly, false
	}
	if breachesLossLimit(-in.Exposure.DrawdownMicros, in.Exposure.EquityMicros, in.Guardrails.MaxDrawdownLimitBps) {
		return types.ReasonCircuitBreakerDrawdown, false
	}

	return "", true
}

func exceedsBps(amount, equity, capBps int64) bool {
	if equity <= 0 {
		return amount > 0
	}
	return amount > types.BpsOf(equity, capBps)
}

// breachesLossLimit reports whether a negative pnl exceeds capBps of equity.
func breachesLossLimit(pnlMicros, equity, capBps int64) bool {
	if pnlMicros >= 0 {
		return false
	}
	return exceedsBps(-pnlMicros, equity, capBps)
}

// priceBounds computes the BUY/SELL price bound from step 4.
func priceBounds(side types.Side, theirRef, mid int64, g types.GuardrailConfig) (maxPrice, minPrice int64) {
	if side == types.Buy {
		return min64(theirRef+g.MaxWorseningVsTheirFillMicros, mid+g.MaxOverMidMicros), 0
	}
	return 0, max64(theirRef-g.MaxWorseningVsTheirFillMicros, mid-g.MaxOverMidMicros)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
