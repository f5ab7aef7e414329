// Package wallets maintains the tracked-wallet roster: a background task
// polls the followed-user and proxy-wallet tables and publishes a new
// immutable chainlog.TrackedWallets snapshot whenever the roster's
// fingerprint changes, per SPEC_FULL.md §5 ("Tracked-wallet map").
package wallets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"copytrader/internal/chainlog"
	"copytrader/pkg/types"
)

// Source loads the current roster from durable storage.
type Source interface {
	ListEnabled(ctx context.Context) ([]types.FollowedUser, error)
	ListProxyWallets(ctx context.Context) ([]types.FollowedUserProxyWallet, error)
}

// Refresher owns the single writer of the tracked-wallet snapshot. Readers
// call Snapshot concurrently; Start runs the single periodic writer.
type Refresher struct {
	source Source
	logger *slog.Logger
	period time.Duration

	current     atomic.Pointer[chainlog.TrackedWallets]
	fingerprint atomic.Pointer[string]

	onChange func(*chainlog.TrackedWallets)
}

// NewRefresher builds a Refresher. onChange, if non-nil, is invoked
// synchronously from the refresh goroutine whenever the published snapshot
// changes (used to trigger a WS resubscribe).
func NewRefresher(source Source, logger *slog.Logger, period time.Duration, onChange func(*chainlog.TrackedWallets)) *Refresher {
	r := &Refresher{source: source, logger: logger, period: period, onChange: onChange}
	r.current.Store(chainlog.NewTrackedWallets(nil, nil))
	empty := ""
	r.fingerprint.Store(&empty)
	return r
}

// Snapshot returns the most recently published tracked-wallet set. Safe for
// concurrent use by any number of readers.
func (r *Refresher) Snapshot() *chainlog.TrackedWallets {
	return r.current.Load()
}

// Start blocks, refreshing on a fixed period until ctx is cancelled. It does
// not refresh until the first tick, so callers that need an initial snapshot
// should call RefreshOnce before spawning Start in a goroutine.
func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshOnce(ctx); err != nil {
				r.logger.Error("wallet roster refresh failed", "error", err)
			}
		}
	}
}

// RefreshOnce loads the roster and republishes the snapshot if its
// fingerprint changed.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	users, err := r.source.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list followed users: %w", err)
	}
	proxies, err := r.source.ListProxyWallets(ctx)
	if err != nil {
		return fmt.Errorf("list proxy wallets: %w", err)
	}

	fp := fingerprint(users, proxies)
	if fp == *r.fingerprint.Load() {
		return nil
	}

	snapshot := chainlog.NewTrackedWallets(users, proxies)
	r.current.Store(snapshot)
	r.fingerprint.Store(&fp)

	r.logger.Info("tracked wallet roster changed",
		"followedUsers", len(users), "proxyWallets", len(proxies))

	if r.onChange != nil {
		r.onChange(snapshot)
	}
	return nil
}

// fingerprint produces a stable hash of the roster so unrelated refresh
// ticks that observe no change skip republishing and the downstream
// resubscribe they'd trigger.
func fingerprint(users []types.FollowedUser, proxies []types.FollowedUserProxyWallet) string {
	lines := make([]string, 0, len(users)+len(proxies))
	for _, u := range users {
		lines = append(lines, "u:"+u.ID+":"+strings.ToLower(u.ProfileWallet))
	}
	for _, p := range proxies {
		lines = append(lines, "p:"+p.FollowedUserID+":"+strings.ToLower(p.Wallet))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
