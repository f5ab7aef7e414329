package aggregator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"copytrader/internal/queue"
	"copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *queue.Manager {
	t.Helper()
	qm := queue.NewManager(testLogger())
	qm.Register(queue.CopyAttemptGlobal, 1, func(ctx context.Context, job *queue.Job) error { return nil })
	return qm
}

func TestAggregator_FlushesOneGroupAfterWindow(t *testing.T) {
	qm := newTestManager(t)
	a := NewAggregator(qm, testLogger())

	now := time.Now()
	a.Add(&types.TradeEvent{ID: "t1", FollowedUserID: "user-1", RawTokenID: "tok-1", Side: types.Buy, NotionalMicros: 1_000_000, ShareMicros: 2_000_000, DetectTime: now})
	a.Add(&types.TradeEvent{ID: "t2", FollowedUserID: "user-1", RawTokenID: "tok-1", Side: types.Buy, NotionalMicros: 3_000_000, ShareMicros: 6_000_000, DetectTime: now.Add(50 * time.Millisecond)})

	deadline := time.After(2 * time.Second)
	for qm.Depth(queue.CopyAttemptGlobal) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for window flush")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if qm.Depth(queue.CopyAttemptGlobal) != 1 {
		t.Fatalf("expected exactly one flushed group, got depth %d", qm.Depth(queue.CopyAttemptGlobal))
	}
}

func TestAggregator_SeparatesBucketsByKey(t *testing.T) {
	qm := newTestManager(t)
	a := NewAggregator(qm, testLogger())

	now := time.Now()
	a.Add(&types.TradeEvent{ID: "t1", FollowedUserID: "user-1", RawTokenID: "tok-1", Side: types.Buy, NotionalMicros: 1, ShareMicros: 1, DetectTime: now})
	a.Add(&types.TradeEvent{ID: "t2", FollowedUserID: "user-1", RawTokenID: "tok-1", Side: types.Sell, NotionalMicros: 1, ShareMicros: 1, DetectTime: now})
	a.Add(&types.TradeEvent{ID: "t3", FollowedUserID: "user-2", RawTokenID: "tok-1", Side: types.Buy, NotionalMicros: 1, ShareMicros: 1, DetectTime: now})

	if len(a.buckets) != 3 {
		t.Fatalf("expected 3 distinct buckets (side and user both differ), got %d", len(a.buckets))
	}
	a.Shutdown()
}
