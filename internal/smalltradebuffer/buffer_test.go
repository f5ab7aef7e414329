package smalltradebuffer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEmitter struct {
	mu      sync.Mutex
	groups  []types.TradeEventGroup
	skips   int
}

func (f *fakeEmitter) EmitGroup(ctx context.Context, group types.TradeEventGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, group)
	return nil
}

func (f *fakeEmitter) EmitBelowMinExecSkip(ctx context.Context, followedUserID, tokenID string, side types.Side, bufferedTradeCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skips++
	return nil
}

func defaultBufferCfg() types.SmallTradeBufferConfig {
	return types.SmallTradeBufferConfig{
		Enabled:                 true,
		NotionalThresholdMicros: 250_000,
		FlushMinNotionalMicros:  500_000,
		MinExecNotionalMicros:   100_000,
		MaxBufferMs:             2_500,
		QuietFlushMs:            600,
		NettingMode:             types.NettingSameSideOnly,
	}
}

func TestBuffer_AccumulatesBelowThresholdTrades(t *testing.T) {
	kv := store.NewMemKV()
	emitter := &fakeEmitter{}
	buf := NewBuffer(kv, emitter, testLogger())
	cfg := defaultBufferCfg()

	t1 := &types.TradeEvent{ID: "t1", FollowedUserID: "user-1", RawTokenID: "tok-1", Side: types.Buy, NotionalMicros: 60_000, ShareMicros: 100_000, DetectTime: time.Now()}
	if err := buf.Add(context.Background(), t1, cfg, 100); err != nil {
		t.Fatalf("add: %v", err)
	}

	b, ok, err := buf.load(context.Background(), bucketKeyFor(cfg.NettingMode, "user-1", "tok-1", types.Buy))
	if err != nil || !ok {
		t.Fatalf("expected bucket persisted, ok=%v err=%v", ok, err)
	}
	if b.NetNotionalMicros != 60_000 {
		t.Fatalf("expected net notional 60_000, got %d", b.NetNotionalMicros)
	}
	if len(emitter.groups) != 0 {
		t.Fatalf("expected no flush yet, got %d groups", len(emitter.groups))
	}
}

func TestBuffer_ThresholdRuleFlushesOnAccumulation(t *testing.T) {
	kv := store.NewMemKV()
	emitter := &fakeEmitter{}
	buf := NewBuffer(kv, emitter, testLogger())
	cfg := defaultBufferCfg()

	for i := 0; i < 9; i++ {
		t1 := &types.TradeEvent{ID: "t", FollowedUserID: "user-1", RawTokenID: "tok-1", Side: types.Buy, NotionalMicros: 60_000, ShareMicros: 100_000, DetectTime: time.Now()}
		if err := buf.Add(context.Background(), t1, cfg, 100); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// 9 * 60_000 = 540_000 >= flushMinNotionalMicros(500_000)
	buf.sweep(context.Background(), func(string) types.SmallTradeBufferConfig { return cfg })

	if len(emitter.groups) != 1 {
		t.Fatalf("expected threshold flush to have fired, got %d groups", len(emitter.groups))
	}
	if emitter.groups[0].SourceType != types.SourceTypeBuffer {
		t.Fatalf("expected sourceType BUFFER, got %s", emitter.groups[0].SourceType)
	}
}

func TestBuffer_ImmediateEmitWhenNoBucketExists(t *testing.T) {
	kv := store.NewMemKV()
	emitter := &fakeEmitter{}
	buf := NewBuffer(kv, emitter, testLogger())
	cfg := defaultBufferCfg()

	big := &types.TradeEvent{ID: "big", FollowedUserID: "user-1", RawTokenID: "tok-1", Side: types.Buy, NotionalMicros: 50_000_000, ShareMicros: 100_000_000, PriceMicros: 500_000, DetectTime: time.Now()}
	if err := buf.Add(context.Background(), big, cfg, 100); err != nil {
		t.Fatalf("add: %v", err)
	}

	if len(emitter.groups) != 1 {
		t.Fatalf("expected immediate single-member group, got %d", len(emitter.groups))
	}
	if emitter.groups[0].SourceType != types.SourceTypeImmediate {
		t.Fatalf("expected sourceType IMMEDIATE, got %s", emitter.groups[0].SourceType)
	}
}

func TestBuffer_BelowMinExecAtFlushRecordsSkip(t *testing.T) {
	kv := store.NewMemKV()
	emitter := &fakeEmitter{}
	buf := NewBuffer(kv, emitter, testLogger())
	cfg := defaultBufferCfg()

	t1 := &types.TradeEvent{ID: "t1", FollowedUserID: "user-1", RawTokenID: "tok-1", Side: types.Buy, NotionalMicros: 45_000, ShareMicros: 90_000, DetectTime: time.Now()}
	t2 := &types.TradeEvent{ID: "t2", FollowedUserID: "user-1", RawTokenID: "tok-1", Side: types.Buy, NotionalMicros: 45_000, ShareMicros: 90_000, DetectTime: time.Now()}
	buf.Add(context.Background(), t1, cfg, 100)
	buf.Add(context.Background(), t2, cfg, 100)

	key := bucketKeyFor(cfg.NettingMode, "user-1", "tok-1", types.Buy)
	b, _, _ := buf.load(context.Background(), key)
	b.FirstSeenAtMs = time.Now().UnixMilli() - cfg.MaxBufferMs - 10
	buf.save(context.Background(), b)

	buf.sweep(context.Background(), func(string) types.SmallTradeBufferConfig { return cfg })

	if emitter.skips != 1 {
		t.Fatalf("expected 1 below-min-exec skip, got %d", emitter.skips)
	}
	if len(emitter.groups) != 0 {
		t.Fatalf("expected no executable group emitted, got %d", len(emitter.groups))
	}
}
