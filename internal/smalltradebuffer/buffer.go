// Package smalltradebuffer implements the alternative grouping path for
// copy notionals below the configured threshold: fills are netted into a
// durable KV-backed bucket per leader/token(/side) and flushed under one of
// three rules, per SPEC_FULL.md §4.5.
package smalltradebuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

const (
	bucketTTL     = 600 * time.Second
	activeSetKey  = "stb:active_buckets"
	globalLoopTick = 100 * time.Millisecond
)

type flushReason string

const (
	reasonThreshold flushReason = "threshold"
	reasonMaxTime   flushReason = "maxTime"
	reasonQuiet     flushReason = "quiet"
	reasonImmediate flushReason = "immediate"
	reasonShutdown  flushReason = "shutdown"
)

// Emitter is how a flushed bucket reaches the Executor: either a group job
// (executable) or a recorded SKIP (below min-exec at flush).
type Emitter interface {
	EmitGroup(ctx context.Context, group types.TradeEventGroup) error
	EmitBelowMinExecSkip(ctx context.Context, followedUserID, tokenID string, side types.Side, bufferedTradeCount int) error
}

// Buffer owns the durable bucket store and the periodic flush loop.
type Buffer struct {
	kv      store.KV
	emitter Emitter
	logger  *slog.Logger
}

// NewBuffer builds a Buffer against the shared KV store.
func NewBuffer(kv store.KV, emitter Emitter, logger *slog.Logger) *Buffer {
	return &Buffer{kv: kv, emitter: emitter, logger: logger.With("component", "small_trade_buffer")}
}

// Add routes one canonical trade into the buffer, applying the immediate
// path when the trade's own raw-copy estimate already clears the threshold.
func (buf *Buffer) Add(ctx context.Context, t *types.TradeEvent, cfg types.SmallTradeBufferConfig, copyPctNotionalBps int64) error {
	rawCopy := types.BpsOf(t.NotionalMicros, copyPctNotionalBps)
	tokenID := t.EffectiveTokenID()
	key := bucketKeyFor(cfg.NettingMode, t.FollowedUserID, tokenID, t.Side)
	now := time.Now().UnixMilli()

	if cfg.NettingMode == types.NettingSameSideOnly {
		oppositeKey := bucketKeyFor(cfg.NettingMode, t.FollowedUserID, tokenID, oppositeSide(t.Side))
		if opp, ok, err := buf.load(ctx, oppositeKey); err != nil {
			return err
		} else if ok {
			if err := buf.flushBucket(ctx, opp, cfg, reasonImmediate); err != nil {
				return fmt.Errorf("flush opposite bucket on arrival: %w", err)
			}
		}
	}

	if rawCopy >= cfg.NotionalThresholdMicros {
		existing, ok, err := buf.load(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			existing.append(t, now)
			return buf.flushBucket(ctx, existing, cfg, reasonImmediate)
		}
		return buf.emitImmediate(ctx, t, tokenID)
	}

	b, ok, err := buf.load(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		b = &bucket{Key: key, FollowedUserID: t.FollowedUserID, TokenID: tokenID}
	}
	b.append(t, now)
	return buf.save(ctx, b)
}

// RunFlushLoop scans all active buckets every 100ms and flushes any whose
// rules fire, until ctx is cancelled.
func (buf *Buffer) RunFlushLoop(ctx context.Context, resolveCfg func(followedUserID string) types.SmallTradeBufferConfig) {
	ticker := time.NewTicker(globalLoopTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buf.sweep(ctx, resolveCfg)
		}
	}
}

func (buf *Buffer) sweep(ctx context.Context, resolveCfg func(followedUserID string) types.SmallTradeBufferConfig) {
	keys, err := buf.kv.SMembers(ctx, activeSetKey)
	if err != nil {
		buf.logger.Error("list active buckets failed", "error", err)
		return
	}
	now := time.Now().UnixMilli()
	for _, key := range keys {
		b, ok, err := buf.load(ctx, key)
		if err != nil {
			buf.logger.Error("load bucket failed", "key", key, "error", err)
			continue
		}
		if !ok {
			buf.kv.SRem(ctx, activeSetKey, key)
			continue
		}
		cfg := resolveCfg(b.FollowedUserID)
		if reason, fire := flushDue(b, cfg, now); fire {
			if err := buf.flushBucket(ctx, b, cfg, reason); err != nil {
				buf.logger.Error("flush bucket failed", "key", key, "error", err)
			}
		}
	}
}

// flushDue evaluates the three flush rules in priority order.
func flushDue(b *bucket, cfg types.SmallTradeBufferConfig, nowMs int64) (flushReason, bool) {
	abs := b.absNetNotional()
	if abs >= cfg.FlushMinNotionalMicros {
		return reasonThreshold, true
	}
	if nowMs-b.FirstSeenAtMs >= cfg.MaxBufferMs {
		return reasonMaxTime, true
	}
	if nowMs-b.LastUpdatedAtMs >= cfg.QuietFlushMs && abs >= cfg.MinExecNotionalMicros {
		return reasonQuiet, true
	}
	return "", false
}

// Shutdown flushes every active bucket with reason=shutdown.
func (buf *Buffer) Shutdown(ctx context.Context, resolveCfg func(followedUserID string) types.SmallTradeBufferConfig) {
	keys, err := buf.kv.SMembers(ctx, activeSetKey)
	if err != nil {
		buf.logger.Error("list active buckets on shutdown failed", "error", err)
		return
	}
	for _, key := range keys {
		b, ok, err := buf.load(ctx, key)
		if err != nil || !ok {
			continue
		}
		cfg := resolveCfg(b.FollowedUserID)
		if err := buf.flushBucket(ctx, b, cfg, reasonShutdown); err != nil {
			buf.logger.Error("shutdown flush failed", "key", key, "error", err)
		}
	}
}

func (buf *Buffer) flushBucket(ctx context.Context, b *bucket, cfg types.SmallTradeBufferConfig, reason flushReason) error {
	if err := buf.delete(ctx, b.Key); err != nil {
		return err
	}

	abs := b.absNetNotional()
	if abs < cfg.MinExecNotionalMicros {
		buf.logger.Info("buffer flushed below min-exec", "key", b.Key, "reason", reason, "bufferedTradeCount", b.CountTradesBuffered)
		return buf.emitter.EmitBelowMinExecSkip(ctx, b.FollowedUserID, b.TokenID, b.side(), b.CountTradesBuffered)
	}

	group := types.TradeEventGroup{
		FollowedUserID:        b.FollowedUserID,
		TokenID:               b.TokenID,
		Side:                  b.side(),
		GroupKey:              fmt.Sprintf("%s:buffer:%d", b.Key, b.FirstSeenAtMs),
		TotalNotionalMicros:   abs,
		TotalShareMicros:      absInt64(b.NetShareMicros),
		VwapPriceMicros:       b.referencePriceMicros(),
		EarliestDetectTime:    time.UnixMilli(b.FirstSeenAtMs),
		TradeEventIDs:         b.TradeEventIDs,
		SourceType:            types.SourceTypeBuffer,
		BufferedTradeCount:    b.CountTradesBuffered,
		HasBufferedTradeCount: true,
	}
	buf.logger.Info("buffer flushed", "key", b.Key, "reason", reason, "groupKey", group.GroupKey)
	return buf.emitter.EmitGroup(ctx, group)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (buf *Buffer) emitImmediate(ctx context.Context, t *types.TradeEvent, tokenID string) error {
	group := types.TradeEventGroup{
		FollowedUserID:      t.FollowedUserID,
		TokenID:             tokenID,
		Side:                t.Side,
		GroupKey:            fmt.Sprintf("%s:immediate:%s", t.FollowedUserID, t.ID),
		TotalNotionalMicros: t.NotionalMicros,
		TotalShareMicros:    t.ShareMicros,
		VwapPriceMicros:     t.PriceMicros,
		EarliestDetectTime:  t.DetectTime,
		TradeEventIDs:       []string{t.ID},
		SourceType:          types.SourceTypeImmediate,
	}
	return buf.emitter.EmitGroup(ctx, group)
}

func (buf *Buffer) load(ctx context.Context, key string) (*bucket, bool, error) {
	raw, ok, err := buf.kv.Get(ctx, bucketStoreKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("load bucket %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var b bucket
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, false, fmt.Errorf("unmarshal bucket %s: %w", key, err)
	}
	return &b, true, nil
}

func (buf *Buffer) save(ctx context.Context, b *bucket) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bucket %s: %w", b.Key, err)
	}
	if err := buf.kv.Set(ctx, bucketStoreKey(b.Key), string(raw), bucketTTL); err != nil {
		return fmt.Errorf("save bucket %s: %w", b.Key, err)
	}
	return buf.kv.SAdd(ctx, activeSetKey, b.Key)
}

func (buf *Buffer) delete(ctx context.Context, key string) error {
	if err := buf.kv.Delete(ctx, bucketStoreKey(key)); err != nil {
		return fmt.Errorf("delete bucket %s: %w", key, err)
	}
	return buf.kv.SRem(ctx, activeSetKey, key)
}

func bucketStoreKey(key string) string {
	return "stb:bucket:" + key
}
