// Package configresolver resolves the effective {Guardrails, Sizing,
// SmallTradeBuffering} config for a leader: compiled-in defaults overlaid by
// the latest GLOBAL row, overlaid by the latest USER row for that leader,
// field-wise, with a short TTL cache per SPEC_FULL.md §4.6.
package configresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

const cacheTTL = 5 * time.Minute

func defaults() types.EffectiveConfig {
	return types.EffectiveConfig{
		Guardrails: types.GuardrailConfig{
			MaxWorseningVsTheirFillMicros: 10_000,
			MaxOverMidMicros:              15_000,
			MaxSpreadMicros:               20_000,
			MinDepthMultiplierBps:         12_500,
			DecisionLatencyMs:             0,
			JitterMsMax:                   0,
			NoNewOpensWithinMinutesToClose: 30,
			MaxTotalExposureBps:           7_000,
			MaxExposurePerMarketBps:       500,
			MaxExposurePerUserBps:         2_000,
			DailyLossLimitBps:             300,
			WeeklyLossLimitBps:            800,
			MaxDrawdownLimitBps:           1_200,
		},
		Sizing: types.CopySizingConfig{
			CopyPctNotionalBps:     100,
			MinTradeNotionalMicros: 5_000_000,
			MaxTradeNotionalMicros: 250_000_000,
			MaxTradeBankrollBps:    75,
		},
		SmallTradeBuffering: types.SmallTradeBufferConfig{
			Enabled:                 false,
			NotionalThresholdMicros: 250_000,
			FlushMinNotionalMicros:  500_000,
			MinExecNotionalMicros:   100_000,
			MaxBufferMs:             2_500,
			QuietFlushMs:            600,
			NettingMode:             types.NettingSameSideOnly,
		},
	}
}

type cacheEntry struct {
	value     types.EffectiveConfig
	expiresAt time.Time
}

// Resolver serves the merged config for a leader, or for the global scope
// when followedUserID is "".
type Resolver struct {
	configs *store.ConfigRepo

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver builds a Resolver backed by the guardrail_config /
// copy_sizing_config tables.
func NewResolver(configs *store.ConfigRepo) *Resolver {
	return &Resolver{configs: configs, cache: make(map[string]cacheEntry)}
}

// Resolve returns the effective config for followedUserID, serving from
// cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, followedUserID string) (types.EffectiveConfig, error) {
	key := followedUserID

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.value, nil
	}
	r.mu.Unlock()

	cfg := defaults()

	if err := r.overlay(ctx, &cfg, string(types.ConfigScopeGlobal), ""); err != nil {
		return types.EffectiveConfig{}, err
	}
	if followedUserID != "" {
		if err := r.overlay(ctx, &cfg, string(types.ConfigScopeUser), followedUserID); err != nil {
			return types.EffectiveConfig{}, err
		}
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{value: cfg, expiresAt: time.Now().Add(cacheTTL)}
	r.mu.Unlock()

	return cfg, nil
}

// Invalidate drops a leader's cached entry so the next Resolve call re-reads
// the database. Invalidating the global scope ("") clears every cached
// entry, since a global write affects every leader that inherits from it.
func (r *Resolver) Invalidate(followedUserID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if followedUserID == "" {
		r.cache = make(map[string]cacheEntry)
		return
	}
	delete(r.cache, followedUserID)
}

func (r *Resolver) overlay(ctx context.Context, cfg *types.EffectiveConfig, scope, followedUserID string) error {
	guardrailJSON, err := r.configs.GetLatestGuardrail(ctx, scope, followedUserID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load guardrail config (scope %s): %w", scope, err)
	}
	if err == nil {
		var g types.GuardrailConfig
		if err := json.Unmarshal([]byte(guardrailJSON), &g); err != nil {
			return fmt.Errorf("unmarshal guardrail config (scope %s): %w", scope, err)
		}
		mergeGuardrails(&cfg.Guardrails, g)
	}

	sizingJSON, err := r.configs.GetLatestSizing(ctx, scope, followedUserID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("load sizing config (scope %s): %w", scope, err)
	}
	if err == nil {
		var raw struct {
			Sizing types.CopySizingConfig        `json:"sizing"`
			Buffer *types.SmallTradeBufferConfig  `json:"smallTradeBuffering"`
		}
		if err := json.Unmarshal([]byte(sizingJSON), &raw); err != nil {
			return fmt.Errorf("unmarshal sizing config (scope %s): %w", scope, err)
		}
		mergeSizing(&cfg.Sizing, raw.Sizing)
		if raw.Buffer != nil {
			mergeBuffering(&cfg.SmallTradeBuffering, *raw.Buffer)
		}
	}

	return nil
}

// mergeGuardrails overwrites only the fields present (non-zero) in overlay,
// per SPEC_FULL.md's field-wise partial-overlay merge rule.
func mergeGuardrails(base *types.GuardrailConfig, overlay types.GuardrailConfig) {
	if overlay.MaxWorseningVsTheirFillMicros != 0 {
		base.MaxWorseningVsTheirFillMicros = overlay.MaxWorseningVsTheirFillMicros
	}
	if overlay.MaxOverMidMicros != 0 {
		base.MaxOverMidMicros = overlay.MaxOverMidMicros
	}
	if overlay.MaxSpreadMicros != 0 {
		base.MaxSpreadMicros = overlay.MaxSpreadMicros
	}
	if overlay.MinDepthMultiplierBps != 0 {
		base.MinDepthMultiplierBps = overlay.MinDepthMultiplierBps
	}
	if overlay.DecisionLatencyMs != 0 {
		base.DecisionLatencyMs = overlay.DecisionLatencyMs
	}
	if overlay.JitterMsMax != 0 {
		base.JitterMsMax = overlay.JitterMsMax
	}
	if overlay.NoNewOpensWithinMinutesToClose != 0 {
		base.NoNewOpensWithinMinutesToClose = overlay.NoNewOpensWithinMinutesToClose
	}
	if overlay.MaxTotalExposureBps != 0 {
		base.MaxTotalExposureBps = overlay.MaxTotalExposureBps
	}
	if overlay.MaxExposurePerMarketBps != 0 {
		base.MaxExposurePerMarketBps = overlay.MaxExposurePerMarketBps
	}
	if overlay.MaxExposurePerUserBps != 0 {
		base.MaxExposurePerUserBps = overlay.MaxExposurePerUserBps
	}
	if overlay.DailyLossLimitBps != 0 {
		base.DailyLossLimitBps = overlay.DailyLossLimitBps
	}
	if overlay.WeeklyLossLimitBps != 0 {
		base.WeeklyLossLimitBps = overlay.WeeklyLossLimitBps
	}
	if overlay.MaxDrawdownLimitBps != 0 {
		base.MaxDrawdownLimitBps = overlay.MaxDrawdownLimitBps
	}
}

func mergeSizing(base *types.CopySizingConfig, overlay types.CopySizingConfig) {
	if overlay.CopyPctNotionalBps != 0 {
		base.CopyPctNotionalBps = overlay.CopyPctNotionalBps
	}
	if overlay.MinTradeNotionalMicros != 0 {
		base.MinTradeNotionalMicros = overlay.MinTradeNotionalMicros
	}
	if overlay.MaxTradeNotionalMicros != 0 {
		base.MaxTradeNotionalMicros = overlay.MaxTradeNotionalMicros
	}
	if overlay.MaxTradeBankrollBps != 0 {
		base.MaxTradeBankrollBps = overlay.MaxTradeBankrollBps
	}
}

func mergeBuffering(base *types.SmallTradeBufferConfig, overlay types.SmallTradeBufferConfig) {
	base.Enabled = overlay.Enabled
	if overlay.NotionalThresholdMicros != 0 {
		base.NotionalThresholdMicros = overlay.NotionalThresholdMicros
	}
	if overlay.FlushMinNotionalMicros != 0 {
		base.FlushMinNotionalMicros = overlay.FlushMinNotionalMicros
	}
	if overlay.MinExecNotionalMicros != 0 {
		base.MinExecNotionalMicros = overlay.MinExecNotionalMicros
	}
	if overlay.MaxBufferMs != 0 {
		base.MaxBufferMs = overlay.MaxBufferMs
	}
	if overlay.QuietFlushMs != 0 {
		base.QuietFlushMs = overlay.QuietFlushMs
	}
	if overlay.NettingMode != "" {
		base.NettingMode = overlay.NettingMode
	}
}
