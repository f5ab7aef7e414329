package configresolver

import (
	"context"
	"testing"
	"time"

	"copytrader/pkg/types"
)

func TestDefaults_MatchSpecValues(t *testing.T) {
	cfg := defaults()
	if cfg.Guardrails.MaxSpreadMicros != 20_000 {
		t.Fatalf("expected default maxSpreadMicros 20_000, got %d", cfg.Guardrails.MaxSpreadMicros)
	}
	if cfg.Sizing.CopyPctNotionalBps != 100 {
		t.Fatalf("expected default copyPctNotionalBps 100, got %d", cfg.Sizing.CopyPctNotionalBps)
	}
	if cfg.SmallTradeBuffering.Enabled {
		t.Fatal("expected small trade buffering disabled by default")
	}
	if cfg.SmallTradeBuffering.NettingMode != types.NettingSameSideOnly {
		t.Fatalf("expected default netting mode sameSideOnly, got %s", cfg.SmallTradeBuffering.NettingMode)
	}
}

func TestMergeGuardrails_OnlyOverwritesSetFields(t *testing.T) {
	base := defaults().Guardrails
	overlay := types.GuardrailConfig{MaxSpreadMicros: 99_999}
	mergeGuardrails(&base, overlay)

	if base.MaxSpreadMicros != 99_999 {
		t.Fatalf("expected overlay maxSpreadMicros applied, got %d", base.MaxSpreadMicros)
	}
	if base.MaxOverMidMicros != 15_000 {
		t.Fatalf("expected untouched field to retain default, got %d", base.MaxOverMidMicros)
	}
}

func TestResolver_ServesFromCacheWithoutHittingStore(t *testing.T) {
	r := NewResolver(nil) // nil store.ConfigRepo: a DB hit here would panic.
	seeded := defaults()
	seeded.Guardrails.MaxSpreadMicros = 1
	r.mu.Lock()
	r.cache["user-1"] = cacheEntry{value: seeded, expiresAt: time.Now().Add(cacheTTL)}
	r.mu.Unlock()

	cfg, err := r.Resolve(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Guardrails.MaxSpreadMicros != 1 {
		t.Fatalf("expected cached value served, got %d", cfg.Guardrails.MaxSpreadMicros)
	}
}

func TestResolver_InvalidateClearsEntry(t *testing.T) {
	r := NewResolver(nil)
	r.mu.Lock()
	r.cache["user-1"] = cacheEntry{value: defaults(), expiresAt: time.Now().Add(cacheTTL)}
	r.mu.Unlock()

	r.Invalidate("user-1")

	r.mu.Lock()
	_, ok := r.cache["user-1"]
	r.mu.Unlock()
	if ok {
		t.Fatal("expected cache entry removed after Invalidate")
	}
}
