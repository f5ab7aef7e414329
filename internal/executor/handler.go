package executor

import (
	"context"
	"fmt"
	"time"

	"copytrader/internal/queue"
	"copytrader/pkg/types"
)

// Handler adapts Executor.Process to the queue.Handler signature, decoding
// a copyAttemptGlobal job's payload back into a TradeEventGroup.
func (e *Executor) Handler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		group, err := decodeGroup(job.Payload)
		if err != nil {
			return fmt.Errorf("decode group payload: %w", err)
		}
		return e.Process(ctx, group)
	}
}

func decodeGroup(payload map[string]any) (types.TradeEventGroup, error) {
	followedUserID, _ := payload["followedUserId"].(string)
	tokenID, _ := payload["tokenId"].(string)
	side, _ := payload["side"].(string)
	groupKey, _ := payload["groupKey"].(string)
	sourceType, _ := payload["sourceType"].(string)

	group := types.TradeEventGroup{
		FollowedUserID: followedUserID,
		TokenID:        tokenID,
		Side:           types.Side(side),
		GroupKey:       groupKey,
		SourceType:     types.SourceType(sourceType),
	}

	if v, ok := payload["totalNotionalMicros"].(int64); ok {
		group.TotalNotionalMicros = v
	} else if v, ok := payload["totalNotionalMicros"].(float64); ok {
		group.TotalNotionalMicros = int64(v)
	}
	if v, ok := payload["totalShareMicros"].(int64); ok {
		group.TotalShareMicros = v
	} else if v, ok := payload["totalShareMicros"].(float64); ok {
		group.TotalShareMicros = int64(v)
	}
	if v, ok := payload["vwapPriceMicros"].(int64); ok {
		group.VwapPriceMicros = v
	} else if v, ok := payload["vwapPriceMicros"].(float64); ok {
		group.VwapPriceMicros = int64(v)
	}
	if v, ok := payload["earliestDetectTime"].(time.Time); ok {
		group.EarliestDetectTime = v
	}
	if v, ok := payload["tradeEventIds"].([]string); ok {
		group.TradeEventIDs = v
	}
	if v, ok := payload["bufferedTradeCount"].(int); ok {
		group.BufferedTradeCount = v
		group.HasBufferedTradeCount = true
	} else if v, ok := payload["bufferedTradeCount"].(float64); ok {
		group.BufferedTradeCount = int(v)
		group.HasBufferedTradeCount = true
	}

	if groupKey == "" {
		return types.TradeEventGroup{}, fmt.Errorf("missing groupKey in job payload")
	}
	return group, nil
}
