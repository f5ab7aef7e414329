package executor

import (
	"testing"

	"copytrader/internal/bookcache"
	"copytrader/pkg/types"
)

func TestSimulateFills_StopsAtTargetShares(t *testing.T) {
	book := &bookcache.Book{
		Asks: []bookcache.PriceLevel{
			{PriceMicros: 500_000, SizeMicros: 1_000_000},
			{PriceMicros: 510_000, SizeMicros: 1_000_000},
		},
	}
	fills, filledShares, filledNotional := simulateFills(book, types.Buy, 1_500_000, 520_000)

	if filledShares != 1_500_000 {
		t.Fatalf("expected 1_500_000 shares filled, got %d", filledShares)
	}
	if len(fills) != 2 {
		t.Fatalf("expected 2 levels consumed, got %d", len(fills))
	}
	expectedNotional := (500_000*1_000_000 + 510_000*500_000) / types.MicrosPerUnit
	if filledNotional != expectedNotional {
		t.Fatalf("expected notional %d, got %d", expectedNotional, filledNotional)
	}
}

func TestSimulateFills_StopsAtPriceBound(t *testing.T) {
	book := &bookcache.Book{
		Asks: []bookcache.PriceLevel{
			{PriceMicros: 500_000, SizeMicros: 1_000_000},
			{PriceMicros: 530_000, SizeMicros: 1_000_000},
		},
	}
	_, filledShares, _ := simulateFills(book, types.Buy, 2_000_000, 510_000)
	if filledShares != 1_000_000 {
		t.Fatalf("expected fill capped at first level only (bound crossed), got %d", filledShares)
	}
}

func TestFilledRatioBps_CapsAt10000(t *testing.T) {
	if r := filledRatioBps(2_000_000, 1_000_000); r != types.BpsDenominator {
		t.Fatalf("expected capped ratio 10_000, got %d", r)
	}
	if r := filledRatioBps(500_000, 1_000_000); r != 5_000 {
		t.Fatalf("expected ratio 5_000, got %d", r)
	}
	if r := filledRatioBps(100, 0); r != 0 {
		t.Fatalf("expected 0 ratio when targetShares is 0, got %d", r)
	}
}

func TestClampInt64(t *testing.T) {
	if v := clampInt64(5, 10, 20); v != 10 {
		t.Fatalf("expected clamp up to lo=10, got %d", v)
	}
	if v := clampInt64(25, 10, 20); v != 20 {
		t.Fatalf("expected clamp down to hi=20, got %d", v)
	}
	if v := clampInt64(15, 10, 20); v != 15 {
		t.Fatalf("expected untouched value within range, got %d", v)
	}
}
