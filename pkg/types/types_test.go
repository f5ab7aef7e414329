package types

import "testing"

func TestPriceMicros_ZeroTokenAmount(t *testing.T) {
	if got := PriceMicros(100_000_000, 0); got != 0 {
		t.Fatalf("expected 0 for zero token amount, got %d", got)
	}
}

func TestPriceMicros_Clamped(t *testing.T) {
	// collateral > token amount would yield > 1.0 probability; must clamp.
	got := PriceMicros(2_000_000, 1_000_000)
	if got != MicrosPerUnit {
		t.Fatalf("expected clamp to %d, got %d", MicrosPerUnit, got)
	}
}

func TestPriceMicros_Typical(t *testing.T) {
	// 100 USDC for 200 tokens => price 0.5 => 500_000 micros.
	got := PriceMicros(100_000_000, 200_000_000)
	if got != 500_000 {
		t.Fatalf("expected 500000, got %d", got)
	}
}

func TestClampMicros(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{-5, 0},
		{0, 0},
		{500_000, 500_000},
		{MicrosPerUnit, MicrosPerUnit},
		{MicrosPerUnit + 1, MicrosPerUnit},
	}
	for _, c := range cases {
		if got := ClampMicros(c.in); got != c.want {
			t.Errorf("ClampMicros(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestVWAPMicros(t *testing.T) {
	// 3 fills: 100@500000(notional 50_000_000,shares100_000_000), matches invariant vwap*shares ~= notional*1e6
	notional := int64(150_000_000)
	shares := int64(300_000_000)
	vwap := VWAPMicros(notional, shares)
	if vwap != 500_000 {
		t.Fatalf("expected vwap 500000, got %d", vwap)
	}
	if vwap == 0 {
		t.Fatal("vwap should not be zero for nonzero shares")
	}
}

func TestVWAPMicros_ZeroShares(t *testing.T) {
	if got := VWAPMicros(100, 0); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestBpsOf(t *testing.T) {
	// 100 bps of 10_000_000 micros = 1%
	if got := BpsOf(10_000_000, 100); got != 100_000 {
		t.Fatalf("expected 100000, got %d", got)
	}
}

func TestEffectiveTokenID(t *testing.T) {
	trade := &TradeEvent{RawTokenID: "raw1", AssetID: "asset1"}
	if got := trade.EffectiveTokenID(); got != "raw1" {
		t.Fatalf("expected raw1, got %s", got)
	}
	trade2 := &TradeEvent{AssetID: "asset1"}
	if got := trade2.EffectiveTokenID(); got != "asset1" {
		t.Fatalf("expected asset1, got %s", got)
	}
}
