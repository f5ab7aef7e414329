package aggregator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"copytrader/internal/queue"
	"copytrader/pkg/types"
)

// enqueueGroup hands a flushed window to the executor via the
// copyAttemptGlobal queue, deduped on the group's groupKey so a retry of the
// enclosing flush (should one ever be retried) can't double-execute.
func enqueueGroup(ctx context.Context, queues *queue.Manager, group types.TradeEventGroup) error {
	return queues.Enqueue(queue.CopyAttemptGlobal, &queue.Job{
		ID:       uuid.NewString(),
		Type:     queue.JobCopyAttempt,
		Priority: queue.PriorityMedium,
		Payload: map[string]any{
			"followedUserId":      group.FollowedUserID,
			"tokenId":             group.TokenID,
			"side":                string(group.Side),
			"groupKey":            group.GroupKey,
			"totalNotionalMicros": group.TotalNotionalMicros,
			"totalShareMicros":    group.TotalShareMicros,
			"vwapPriceMicros":     group.VwapPriceMicros,
			"earliestDetectTime":  group.EarliestDetectTime,
			"tradeEventIds":       group.TradeEventIDs,
			"sourceType":          string(group.SourceType),
		},
		DedupKey:  group.GroupKey,
		CreatedAt: time.Now(),
	})
}
