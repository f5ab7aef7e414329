package executor

import (
	"testing"
	"time"

	"copytrader/internal/bookcache"
	"copytrader/pkg/types"
)

func defaultGuardrails() types.GuardrailConfig {
	return types.GuardrailConfig{
		MaxWorseningVsTheirFillMicros: 10_000,
		MaxOverMidMicros:              15_000,
		MaxSpreadMicros:               20_000,
		MinDepthMultiplierBps:         12_500,
		NoNewOpensWithinMinutesToClose: 30,
		MaxTotalExposureBps:           7_000,
		MaxExposurePerMarketBps:       500,
		MaxExposurePerUserBps:         2_000,
		DailyLossLimitBps:             300,
		WeeklyLossLimitBps:            800,
		MaxDrawdownLimitBps:           1_200,
	}
}

func sampleBook() *bookcache.Book {
	return &bookcache.Book{
		TokenID: "tok-1",
		Bids:    []bookcache.PriceLevel{{PriceMicros: 500_000, SizeMicros: 1_000_000_000}},
		Asks:    []bookcache.PriceLevel{{PriceMicros: 510_000, SizeMicros: 1_000_000_000}},
	}
}

func TestCheckGuardrails_PassesWithRoomToSpare(t *testing.T) {
	book := sampleBook()
	reason, ok := checkGuardrails(guardrailInput{
		Side:           types.Buy,
		TargetNotional: 1_000_000,
		Book:           book,
		MaxPrice:       510_000,
		Guardrails:     defaultGuardrails(),
		Exposure:       exposureSnapshot{EquityMicros: 10_000_000_000},
	})
	if !ok {
		t.Fatalf("expected pass, got reason %s", reason)
	}
}

func TestCheckGuardrails_MarketBlacklisted(t *testing.T) {
	reason, ok := checkGuardrails(guardrailInput{
		Side:       types.Buy,
		Book:       sampleBook(),
		Market:     marketInfo{Blacklisted: true},
		Guardrails: defaultGuardrails(),
	})
	if ok || reason != types.ReasonMarketBlacklisted {
		t.Fatalf("expected MARKET_BLACKLISTED, got ok=%v reason=%s", ok, reason)
	}
}

func TestCheckGuardrails_SpreadTooWide(t *testing.T) {
	book := &bookcache.Book{
		Bids: []bookcache.PriceLevel{{PriceMicros: 400_000, SizeMicros: 1_000_000}},
		Asks: []bookcache.PriceLevel{{PriceMicros: 600_000, SizeMicros: 1_000_000}},
	}
	reason, ok := checkGuardrails(guardrailInput{
		Side:           types.Buy,
		TargetNotional: 1_000,
		Book:           book,
		MaxPrice:       600_000,
		Guardrails:     defaultGuardrails(),
		Exposure:       exposureSnapshot{EquityMicros: 10_000_000_000},
	})
	if ok || reason != types.ReasonSpreadTooWide {
		t.Fatalf("expected SPREAD_TOO_WIDE, got ok=%v reason=%s", ok, reason)
	}
}

func TestCheckGuardrails_DepthInsufficient(t *testing.T) {
	book := &bookcache.Book{
		Bids: []bookcache.PriceLevel{{PriceMicros: 500_000, SizeMicros: 1_000_000}},
		Asks: []bookcache.PriceLevel{{PriceMicros: 505_000, SizeMicros: 1}},
	}
	reason, ok := checkGuardrails(guardrailInput{
		Side:           types.Buy,
		TargetNotional: 10_000_000,
		Book:           book,
		MaxPrice:       520_000,
		Guardrails:     defaultGuardrails(),
		Exposure:       exposureSnapshot{EquityMicros: 10_000_000_000},
	})
	if ok || reason != types.ReasonDepthInsufficient {
		t.Fatalf("expected DEPTH_INSUFFICIENT, got ok=%v reason=%s", ok, reason)
	}
}

func TestCheckGuardrails_MarketNearCloseBlocksBuyButNotReducingSell(t *testing.T) {
	book := sampleBook()
	closeSoon := marketInfo{HasCloseTime: true, CloseTime: time.Now().Add(5 * time.Minute)}

	reason, ok := checkGuardrails(guardrailInput{
		Side: types.Buy, Book: book, MaxPrice: 510_000, Market: closeSoon,
		Guardrails: defaultGuardrails(), Now: time.Now(), Exposure: exposureSnapshot{EquityMicros: 10_000_000_000},
	})
	if ok || reason != types.ReasonMarketNearClose {
		t.Fatalf("expected MARKET_NEAR_CLOSE for BUY, got ok=%v reason=%s", ok, reason)
	}

	_, ok = checkGuardrails(guardrailInput{
		Side: types.Sell, ReducesExposure: true, Book: book, MinPrice: 490_000, Market: closeSoon,
		Guardrails: defaultGuardrails(), Now: time.Now(), Exposure: exposureSnapshot{EquityMicros: 10_000_000_000},
	})
	if !ok {
		t.Fatal("expected exposure-reducing SELL to bypass MARKET_NEAR_CLOSE")
	}
}

func TestCheckGuardrails_ReducingSellStillBlockedBySpreadTooWide(t *testing.T) {
	book := &bookcache.Book{
		Bids: []bookcache.PriceLevel{{PriceMicros: 400_000, SizeMicros: 1_000_000}},
		Asks: []bookcache.PriceLevel{{PriceMicros: 600_000, SizeMicros: 1_000_000}},
	}
	reason, ok := checkGuardrails(guardrailInput{
		Side: types.Sell, ReducesExposure: true, TargetNotional: 1_000, Book: book, MinPrice: 390_000,
		Guardrails: defaultGuardrails(), Exposure: exposureSnapshot{EquityMicros: 10_000_000_000},
	})
	if ok || reason != types.ReasonSpreadTooWide {
		t.Fatalf("expected a reducing SELL to still be blocked by SPREAD_TOO_WIDE, got ok=%v reason=%s", ok, reason)
	}
}

func TestCheckGuardrails_ReducingSellStillBlockedByDepthInsufficient(t *testing.T) {
	book := &bookcache.Book{
		Bids: []bookcache.PriceLevel{{PriceMicros: 500_000, SizeMicros: 1}},
		Asks: []bookcache.PriceLevel{{PriceMicros: 505_000, SizeMicros: 1_000_000}},
	}
	reason, ok := checkGuardrails(guardrailInput{
		Side: types.Sell, ReducesExposure: true, TargetNotional: 10_000_000, Book: book, MinPrice: 480_000,
		Guardrails: defaultGuardrails(), Exposure: exposureSnapshot{EquityMicros: 10_000_000_000},
	})
	if ok || reason != types.ReasonDepthInsufficient {
		t.Fatalf("expected a reducing SELL to still be blocked by DEPTH_INSUFFICIENT, got ok=%v reason=%s", ok, reason)
	}
}

func TestCheckGuardrails_ReducingSellStillBlockedByExposureCap(t *testing.T) {
	reason, ok := checkGuardrails(guardrailInput{
		Side: types.Sell, ReducesExposure: true, TargetNotional: 1_000_000, Book: sampleBook(), MinPrice: 490_000,
		Guardrails: defaultGuardrails(),
		Exposure:   exposureSnapshot{EquityMicros: 10_000_000, TotalExposureMicros: 10_000_000},
	})
	if ok || reason != types.ReasonExposureCapTotal {
		t.Fatalf("expected a reducing SELL to still be blocked by EXPOSURE_CAP_TOTAL, got ok=%v reason=%s", ok, reason)
	}
}

func TestCheckGuardrails_ExposureCapTotal(t *testing.T) {
	reason, ok := checkGuardrails(guardrailInput{
		Side: types.Buy, Book: sampleBook(), TargetNotional: 1_000_000, MaxPrice: 510_000,
		Guardrails: defaultGuardrails(),
		Exposure:   exposureSnapshot{EquityMicros: 10_000_000, TotalExposureMicros: 10_000_000},
	})
	if ok || reason != types.ReasonExposureCapTotal {
		t.Fatalf("expected EXPOSURE_CAP_TOTAL, got ok=%v reason=%s", ok, reason)
	}
}

func TestPriceBounds_BuyAndSell(t *testing.T) {
	g := defaultGuardrails()
	maxPrice, _ := priceBounds(types.Buy, 500_000, 505_000, g)
	if maxPrice != 510_000 {
		t.Fatalf("expected maxPrice 510_000, got %d", maxPrice)
	}
	_, minPrice := priceBounds(types.Sell, 500_000, 505_000, g)
	if minPrice != 490_000 {
		t.Fatalf("expected minPrice 490_000, got %d", minPrice)
	}
}
