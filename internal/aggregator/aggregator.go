// Package aggregator implements the time-window grouping path: canonical
// trades are bucketed by (followedUserId, tokenId, side) and flushed as a
// single TradeEventGroup 250ms after the bucket's first trade, per
// SPEC_FULL.md §4.4.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copytrader/internal/queue"
	"copytrader/pkg/types"
)

const windowDuration = 250 * time.Millisecond

type bucketKey struct {
	FollowedUserID string
	TokenID        string
	Side           types.Side
}

func (k bucketKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.FollowedUserID, k.TokenID, k.Side)
}

type bucket struct {
	key          bucketKey
	windowStart  time.Time
	notional     int64
	shares       int64
	tradeIDs     []string
	earliestTime time.Time
	timer        *time.Timer
}

// Aggregator owns the in-process bucket map. Single-writer via mu; the
// timer callback for each bucket runs on its own goroutine and takes mu
// before flushing.
type Aggregator struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	queues  *queue.Manager
	logger  *slog.Logger
}

// NewAggregator builds an Aggregator that publishes flushed groups to the
// copyAttemptGlobal queue.
func NewAggregator(queues *queue.Manager, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		buckets: make(map[bucketKey]*bucket),
		queues:  queues,
		logger:  logger.With("component", "aggregator"),
	}
}

// Add appends a canonical trade to its bucket, starting a new window if none
// is open for that key.
func (a *Aggregator) Add(t *types.TradeEvent) {
	key := bucketKey{FollowedUserID: t.FollowedUserID, TokenID: t.EffectiveTokenID(), Side: t.Side}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{key: key, windowStart: t.DetectTime, earliestTime: t.DetectTime}
		a.buckets[key] = b
		b.timer = time.AfterFunc(windowDuration, func() { a.flush(key) })
	}

	b.notional += t.NotionalMicros
	b.shares += t.ShareMicros
	b.tradeIDs = append(b.tradeIDs, t.ID)
	if t.DetectTime.Before(b.earliestTime) {
		b.earliestTime = t.DetectTime
	}
}

func (a *Aggregator) flush(key bucketKey) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if ok {
		delete(a.buckets, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	group := types.TradeEventGroup{
		FollowedUserID:      key.FollowedUserID,
		TokenID:             key.TokenID,
		Side:                key.Side,
		GroupKey:            fmt.Sprintf("%s:%s:%s:%s", key.FollowedUserID, key.TokenID, key.Side, b.windowStart.Format(time.RFC3339Nano)),
		TotalNotionalMicros: b.notional,
		TotalShareMicros:    b.shares,
		VwapPriceMicros:     types.VWAPMicros(b.notional, b.shares),
		EarliestDetectTime:  b.earliestTime,
		TradeEventIDs:       b.tradeIDs,
		SourceType:          types.SourceTypeGroup,
	}

	if err := enqueueGroup(context.Background(), a.queues, group); err != nil {
		a.logger.Error("enqueue flushed group failed", "error", err, "groupKey", group.GroupKey)
	}
}

// Shutdown cancels all pending timers without flushing — in-flight windows
// shorter than 250ms at shutdown are acceptable loss, matching the
// aggregator's "a group that flushes is final" semantics; nothing downstream
// depends on sub-window partial state surviving a restart.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.buckets {
		b.timer.Stop()
	}
	a.buckets = make(map[bucketKey]*bucket)
}
