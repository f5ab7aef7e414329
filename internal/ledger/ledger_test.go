package ledger

import (
	"testing"

	"copytrader/pkg/types"
)

func TestSignedDeltas_Buy(t *testing.T) {
	shareDelta, cashDelta := signedDeltas(types.Buy, 2_000_000, 1_000_000)
	if shareDelta != 2_000_000 {
		t.Errorf("expected +shares for BUY, got %d", shareDelta)
	}
	if cashDelta != -1_000_000 {
		t.Errorf("expected -cash for BUY, got %d", cashDelta)
	}
}

func TestSignedDeltas_Sell(t *testing.T) {
	shareDelta, cashDelta := signedDeltas(types.Sell, 2_000_000, 1_000_000)
	if shareDelta != -2_000_000 {
		t.Errorf("expected -shares for SELL, got %d", shareDelta)
	}
	if cashDelta != 1_000_000 {
		t.Errorf("expected +cash for SELL, got %d", cashDelta)
	}
}
