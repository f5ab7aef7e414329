package wallets

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"copytrader/internal/chainlog"
	"copytrader/pkg/types"
)

type fakeSource struct {
	users   []types.FollowedUser
	proxies []types.FollowedUserProxyWallet
}

func (f *fakeSource) ListEnabled(ctx context.Context) ([]types.FollowedUser, error) {
	return f.users, nil
}

func (f *fakeSource) ListProxyWallets(ctx context.Context) ([]types.FollowedUserProxyWallet, error) {
	return f.proxies, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshOnce_PublishesInitialSnapshot(t *testing.T) {
	src := &fakeSource{users: []types.FollowedUser{
		{ID: "u1", ProfileWallet: "0xABC", Enabled: true},
	}}
	r := NewRefresher(src, testLogger(), time.Minute, nil)

	if err := r.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := r.Snapshot()
	if snap == nil {
		t.Fatal("expected a non-nil snapshot after the first refresh")
	}
}

func TestRefreshOnce_SkipsRepublishWhenUnchanged(t *testing.T) {
	src := &fakeSource{users: []types.FollowedUser{
		{ID: "u1", ProfileWallet: "0xabc", Enabled: true},
	}}
	r := NewRefresher(src, testLogger(), time.Minute, nil)

	if err := r.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	first := r.Snapshot()

	if err := r.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	second := r.Snapshot()

	if first != second {
		t.Fatal("expected unchanged roster to skip republishing a new snapshot")
	}
}

func TestRefreshOnce_RepublishesOnChange(t *testing.T) {
	src := &fakeSource{users: []types.FollowedUser{
		{ID: "u1", ProfileWallet: "0xabc", Enabled: true},
	}}
	var onChangeCalls int
	r := NewRefresher(src, testLogger(), time.Minute, func(_ *chainlog.TrackedWallets) { onChangeCalls++ })

	if err := r.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	first := r.Snapshot()

	src.users = append(src.users, types.FollowedUser{ID: "u2", ProfileWallet: "0xdef", Enabled: true})

	if err := r.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	second := r.Snapshot()

	if first == second {
		t.Fatal("expected roster change to publish a new snapshot")
	}
	if onChangeCalls != 2 {
		t.Fatalf("expected onChange called twice (initial + change), got %d", onChangeCalls)
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	src := &fakeSource{}
	r := NewRefresher(src, testLogger(), time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
