package portfolio

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"copytrader/internal/store"
	"copytrader/pkg/types"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{Path: ":memory:", Profile: store.ProfileStandard})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSnapshotOne_ComputesEquityExposureAndPnl(t *testing.T) {
	db := newTestDB(t)
	ledger := store.NewLedgerRepo(db)
	prices := store.NewPriceSnapshotRepo(db)
	snapshots := store.NewPortfolioSnapshotRepo(db)
	ctx := context.Background()

	// One open buy: 100 shares at 0.50, funded by depositing 1_000_000 cash.
	mustUpsert(t, db, ledger, &types.LedgerEntry{
		ID: uuid.NewString(), PortfolioScope: types.ScopeExecGlobal, AssetID: "tok-1",
		EntryType: types.EntryTradeFill, ShareDeltaMicros: 100_000_000, CashDeltaMicros: -50_000_000,
		RefID: "seed:buy",
	})
	mustUpsert(t, db, ledger, &types.LedgerEntry{
		ID: uuid.NewString(), PortfolioScope: types.ScopeExecGlobal,
		EntryType: types.EntryTradeFill, CashDeltaMicros: 1_000_000_000,
		RefID: "seed:deposit",
	})

	if err := prices.SetMarkPrice(ctx, "tok-1", 600_000); err != nil {
		t.Fatalf("set mark price: %v", err)
	}

	snap := NewSnapshotter(ledger, prices, snapshots, time.Minute, slog.Default())
	if err := snap.snapshotOne(ctx, types.ScopeExecGlobal, ""); err != nil {
		t.Fatalf("snapshotOne: %v", err)
	}

	got, err := snapshots.Latest(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}

	wantCash := int64(1_000_000_000 - 50_000_000)
	if got.CashMicros != wantCash {
		t.Errorf("cash: want %d, got %d", wantCash, got.CashMicros)
	}

	wantMarketValue := (int64(100_000_000) * 600_000) / types.MicrosPerUnit
	wantEquity := wantCash + wantMarketValue
	if got.EquityMicros != wantEquity {
		t.Errorf("equity: want %d, got %d", wantEquity, got.EquityMicros)
	}

	if got.ExposureMicros != wantMarketValue {
		t.Errorf("exposure: want %d, got %d", wantMarketValue, got.ExposureMicros)
	}

	wantUnrealized := wantMarketValue - 50_000_000
	if got.UnrealizedPnlMicros != wantUnrealized {
		t.Errorf("unrealized pnl: want %d, got %d", wantUnrealized, got.UnrealizedPnlMicros)
	}

	wantRealized := wantCash + 50_000_000
	if got.RealizedPnlMicros != wantRealized {
		t.Errorf("realized pnl: want %d, got %d", wantRealized, got.RealizedPnlMicros)
	}
}

func TestSnapshotOne_SkipsPositionsWithoutMarkPrice(t *testing.T) {
	db := newTestDB(t)
	ledger := store.NewLedgerRepo(db)
	prices := store.NewPriceSnapshotRepo(db)
	snapshots := store.NewPortfolioSnapshotRepo(db)
	ctx := context.Background()

	mustUpsert(t, db, ledger, &types.LedgerEntry{
		ID: uuid.NewString(), PortfolioScope: types.ScopeExecGlobal, AssetID: "tok-unpriced",
		EntryType: types.EntryTradeFill, ShareDeltaMicros: 10_000_000, CashDeltaMicros: -5_000_000,
		RefID: "seed:unpriced",
	})

	snap := NewSnapshotter(ledger, prices, snapshots, time.Minute, slog.Default())
	if err := snap.snapshotOne(ctx, types.ScopeExecGlobal, ""); err != nil {
		t.Fatalf("snapshotOne: %v", err)
	}

	got, err := snapshots.Latest(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if got.ExposureMicros != 0 {
		t.Errorf("expected zero exposure for unpriced asset, got %d", got.ExposureMicros)
	}
	if got.EquityMicros != got.CashMicros {
		t.Errorf("expected equity to equal cash when no position is marked, got equity=%d cash=%d", got.EquityMicros, got.CashMicros)
	}
}

func TestSnapshotOne_PerFollowedUserScopeIsIsolated(t *testing.T) {
	db := newTestDB(t)
	ledger := store.NewLedgerRepo(db)
	prices := store.NewPriceSnapshotRepo(db)
	snapshots := store.NewPortfolioSnapshotRepo(db)
	ctx := context.Background()

	mustUpsert(t, db, ledger, &types.LedgerEntry{
		ID: uuid.NewString(), PortfolioScope: types.ScopeShadowUser, FollowedUserID: "leader-a",
		EntryType: types.EntryTradeFill, CashDeltaMicros: 2_000_000, RefID: "seed:leader-a",
	})
	mustUpsert(t, db, ledger, &types.LedgerEntry{
		ID: uuid.NewString(), PortfolioScope: types.ScopeShadowUser, FollowedUserID: "leader-b",
		EntryType: types.EntryTradeFill, CashDeltaMicros: 9_000_000, RefID: "seed:leader-b",
	})

	snap := NewSnapshotter(ledger, prices, snapshots, time.Minute, slog.Default())
	if err := snap.snapshotOne(ctx, types.ScopeShadowUser, "leader-a"); err != nil {
		t.Fatalf("snapshotOne leader-a: %v", err)
	}

	got, err := snapshots.Latest(ctx, types.ScopeShadowUser, "leader-a")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if got.CashMicros != 2_000_000 {
		t.Errorf("expected leader-a's cash isolated from leader-b, got %d", got.CashMicros)
	}
}

func mustUpsert(t *testing.T, db *store.DB, ledger *store.LedgerRepo, e *types.LedgerEntry) {
	t.Helper()
	if err := ledger.Upsert(context.Background(), db.Conn(), e); err != nil {
		t.Fatalf("upsert ledger entry: %v", err)
	}
}
