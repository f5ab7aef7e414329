package smalltradebuffer

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"copytrader/internal/queue"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// QueueEmitter is the production Emitter: flushed groups go to the
// copyAttemptGlobal queue like the Aggregator's, and below-min-exec flushes
// are written directly as a SKIP CopyAttempt so buffered-then-dropped
// activity stays visible without round-tripping through the Executor.
type QueueEmitter struct {
	queues      *queue.Manager
	copyAttempts *store.CopyAttemptRepo
	conn        *sql.DB
}

// NewQueueEmitter builds a QueueEmitter.
func NewQueueEmitter(queues *queue.Manager, copyAttempts *store.CopyAttemptRepo, conn *sql.DB) *QueueEmitter {
	return &QueueEmitter{queues: queues, copyAttempts: copyAttempts, conn: conn}
}

func (e *QueueEmitter) EmitGroup(ctx context.Context, group types.TradeEventGroup) error {
	return e.queues.Enqueue(queue.CopyAttemptGlobal, &queue.Job{
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
			"bufferedTradeCount":  group.BufferedTradeCount,
		},
		DedupKey:  group.GroupKey,
		CreatedAt: time.Now(),
	})
}

func (e *QueueEmitter) EmitBelowMinExecSkip(ctx context.Context, followedUserID, tokenID string, side types.Side, bufferedTradeCount int) error {
	attempt := &types.CopyAttempt{
		ID:                    uuid.NewString(),
		PortfolioScope:        types.ScopeExecGlobal,
		FollowedUserID:        followedUserID,
		GroupKey:              uuid.NewString(), // below-min-exec flushes have no upstream groupKey to dedupe against
		Decision:              types.DecisionSkip,
		ReasonCodes:           []types.ReasonCode{types.ReasonBufferFlushBelowMinExec},
		SourceType:            types.SourceTypeBuffer,
		BufferedTradeCount:    bufferedTradeCount,
		HasBufferedTradeCount: true,
	}
	return e.copyAttempts.Insert(ctx, e.conn, attempt)
}
