package smalltradebuffer

import (
	"fmt"

	"copytrader/pkg/types"
)

// bucket is the durable, KV-persisted accumulator for one netting key.
type bucket struct {
	Key                 string   `json:"key"`
	FollowedUserID       string   `json:"followedUserId"`
	TokenID              string   `json:"tokenId"`
	NetNotionalMicros    int64    `json:"netNotionalMicros"`
	NetShareMicros       int64    `json:"netShareMicros"`
	SumAbsNotionalMicros int64    `json:"sumAbsNotionalMicros"`
	SumAbsShareMicros    int64    `json:"sumAbsShareMicros"`
	FirstSeenAtMs        int64    `json:"firstSeenAtMs"`
	LastUpdatedAtMs      int64    `json:"lastUpdatedAtMs"`
	CountTradesBuffered  int      `json:"countTradesBuffered"`
	TradeEventIDs        []string `json:"tradeEventIds"`
}

// referencePriceMicros is the VWAP of all appended trades weighted by
// absolute notional, per SPEC_FULL.md §4.5.
func (b *bucket) referencePriceMicros() int64 {
	return types.VWAPMicros(b.SumAbsNotionalMicros, b.SumAbsShareMicros)
}

func (b *bucket) side() types.Side {
	if b.NetNotionalMicros < 0 {
		return types.Sell
	}
	return types.Buy
}

func (b *bucket) append(t *types.TradeEvent, nowMs int64) {
	sign := int64(1)
	if t.Side == types.Sell {
		sign = -1
	}
	b.NetNotionalMicros += sign * t.NotionalMicros
	b.NetShareMicros += sign * t.ShareMicros
	b.SumAbsNotionalMicros += t.NotionalMicros
	b.SumAbsShareMicros += t.ShareMicros
	b.TradeEventIDs = append(b.TradeEventIDs, t.ID)
	b.CountTradesBuffered++
	if b.FirstSeenAtMs == 0 {
		b.FirstSeenAtMs = nowMs
	}
	b.LastUpdatedAtMs = nowMs
}

func (b *bucket) absNetNotional() int64 {
	if b.NetNotionalMicros < 0 {
		return -b.NetNotionalMicros
	}
	return b.NetNotionalMicros
}

func bucketKeyFor(mode types.NettingMode, followedUserID, tokenID string, side types.Side) string {
	if mode == types.NettingNetBuySell {
		return fmt.Sprintf("%s:%s", followedUserID, tokenID)
	}
	return fmt.Sprintf("%s:%s:%s", followedUserID, tokenID, side)
}

func oppositeSide(side types.Side) types.Side {
	if side == types.Buy {
		return types.Sell
	}
	return types.Buy
}
