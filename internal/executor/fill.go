package executor

import (
	"copytrader/internal/bookcache"
	"copytrader/pkg/types"
)

// simulatedFill is one price level consumed while walking the book.
type simulatedFill struct {
	PriceMicros       int64
	ShareMicros       int64
	NotionalMicros    int64
}

// simulateFills walks the book side for side, consuming levels until either
// targetShares is reached or the next level crosses the price bound, per
// SPEC_FULL.md §4.7 step 6.
func simulateFills(book *bookcache.Book, side types.Side, targetShares, bound int64) (fills []simulatedFill, filledShares, filledNotional int64) {
	levels := book.Asks
	if side == types.Sell {
		levels = book.Bids
	}

	remaining := targetShares
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		if side == types.Buy && lvl.PriceMicros > bound {
			break
		}
		if side == types.Sell && lvl.PriceMicros < bound {
			break
		}

		take := lvl.SizeMicros
		if take > remaining {
			take = remaining
		}
		notional := (lvl.PriceMicros * take) / types.MicrosPerUnit

		fills = append(fills, simulatedFill{PriceMicros: lvl.PriceMicros, ShareMicros: take, NotionalMicros: notional})
		filledShares += take
		filledNotional += notional
		remaining -= take
	}

	return fills, filledShares, filledNotional
}

// filledRatioBps computes min(10_000, filledShares*10_000/targetShares),
// guarding targetShares = 0.
func filledRatioBps(filledShares, targetShares int64) int64 {
	if targetShares <= 0 {
		return 0
	}
	ratio := (filledShares * types.BpsDenominator) / targetShares
	if ratio > types.BpsDenominator {
		return types.BpsDenominator
	}
	return ratio
}
