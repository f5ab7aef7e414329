package bookcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"copytrader/pkg/types"
)

type fakeRESTFetcher struct {
	book *Book
	err  error
	hits int
}

func (f *fakeRESTFetcher) FetchBook(ctx context.Context, tokenID string) (*Book, error) {
	f.hits++
	if f.err != nil {
		return nil, f.err
	}
	if f.book == nil {
		return nil, nil
	}
	cp := *f.book
	return &cp, nil
}

func TestBook_BestBidAskMidSpread(t *testing.T) {
	t.Parallel()
	b := &Book{
		Bids: []PriceLevel{{PriceMicros: 550_000, SizeMicros: 1_000_000}},
		Asks: []PriceLevel{{PriceMicros: 570_000, SizeMicros: 1_000_000}},
	}

	if got := b.BestBidMicros(); got != 550_000 {
		t.Errorf("BestBidMicros = %d, want 550000", got)
	}
	if got := b.BestAskMicros(); got != 570_000 {
		t.Errorf("BestAskMicros = %d, want 570000", got)
	}
	if got := b.MidMicros(); got != 560_000 {
		t.Errorf("MidMicros = %d, want 560000", got)
	}
	if got := b.SpreadMicros(); got != 20_000 {
		t.Errorf("SpreadMicros = %d, want 20000", got)
	}
}

func TestBook_EmptySideReturnsZero(t *testing.T) {
	t.Parallel()
	b := &Book{}

	if got := b.BestBidMicros(); got != 0 {
		t.Errorf("BestBidMicros = %d, want 0 for empty book", got)
	}
	if got := b.MidMicros(); got != 0 {
		t.Errorf("MidMicros = %d, want 0 for empty book", got)
	}
	if got := b.SpreadMicros(); got != 0 {
		t.Errorf("SpreadMicros = %d, want 0 for empty book", got)
	}
}

func TestGetBook_FetchesFromRESTOnMiss(t *testing.T) {
	t.Parallel()
	rest := &fakeRESTFetcher{book: &Book{
		TokenID: "tok-1",
		Bids:    []PriceLevel{{PriceMicros: 500_000, SizeMicros: 100_000_000}},
		Asks:    []PriceLevel{{PriceMicros: 520_000, SizeMicros: 80_000_000}},
	}}
	c := NewCache(rest, nil, false)

	res, err := c.GetBook(context.Background(), "tok-1", GetOpts{})
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if res.Book == nil || res.Source != SourceREST || res.Stale {
		t.Fatalf("unexpected result: %+v", res)
	}
	if rest.hits != 1 {
		t.Errorf("rest hits = %d, want 1", rest.hits)
	}
}

func TestGetBook_ResolvedMarketReturnsNilBook(t *testing.T) {
	t.Parallel()
	rest := &fakeRESTFetcher{book: nil}
	c := NewCache(rest, nil, false)

	res, err := c.GetBook(context.Background(), "tok-resolved", GetOpts{})
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if res.Book != nil {
		t.Errorf("expected nil book for resolved market, got %+v", res.Book)
	}
}

func TestGetBook_RESTErrorPropagates(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("upstream unavailable")
	rest := &fakeRESTFetcher{err: wantErr}
	c := NewCache(rest, nil, false)

	_, err := c.GetBook(context.Background(), "tok-1", GetOpts{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestGetBook_StreamingFreshHitSkipsREST(t *testing.T) {
	t.Parallel()
	rest := &fakeRESTFetcher{book: &Book{TokenID: "tok-1"}}
	c := NewCache(rest, nil, true)
	c.ApplyWSUpdate("tok-1", []PriceLevel{{PriceMicros: 500_000, SizeMicros: 1}}, []PriceLevel{{PriceMicros: 510_000, SizeMicros: 1}})

	res, err := c.GetBook(context.Background(), "tok-1", GetOpts{NoWait: true})
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if res.Source != SourceWS || res.Stale {
		t.Fatalf("expected fresh WS hit, got %+v", res)
	}
	if rest.hits != 0 {
		t.Errorf("rest hits = %d, want 0 (should have served from WS cache)", rest.hits)
	}
}

func TestApplyWSUpdate_NormalizesOrdering(t *testing.T) {
	t.Parallel()
	c := NewCache(nil, nil, true)
	c.ApplyWSUpdate("tok-1",
		[]PriceLevel{{PriceMicros: 100_000, SizeMicros: 1}, {PriceMicros: 300_000, SizeMicros: 1}, {PriceMicros: 200_000, SizeMicros: 1}},
		[]PriceLevel{{PriceMicros: 500_000, SizeMicros: 1}, {PriceMicros: 400_000, SizeMicros: 1}},
	)

	res, err := c.GetBook(context.Background(), "tok-1", GetOpts{NoWait: true})
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	b := res.Book
	if b.Bids[0].PriceMicros != 300_000 || b.Bids[1].PriceMicros != 200_000 || b.Bids[2].PriceMicros != 100_000 {
		t.Errorf("bids not sorted descending: %+v", b.Bids)
	}
	if b.Asks[0].PriceMicros != 400_000 || b.Asks[1].PriceMicros != 500_000 {
		t.Errorf("asks not sorted ascending: %+v", b.Asks)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	c := NewCache(nil, nil, true)

	if !c.IsStale("unknown-token", time.Second) {
		t.Error("unknown token should report stale")
	}

	c.ApplyWSUpdate("tok-1", nil, nil)
	if c.IsStale("tok-1", time.Second) {
		t.Error("just-updated entry should not be stale")
	}

	time.Sleep(20 * time.Millisecond)
	if !c.IsStale("tok-1", 5*time.Millisecond) {
		t.Error("entry should be stale after maxAge elapses")
	}
}

func TestAvailableNotional(t *testing.T) {
	t.Parallel()
	asks := []PriceLevel{
		{PriceMicros: 500_000, SizeMicros: 10_000_000},
		{PriceMicros: 520_000, SizeMicros: 5_000_000},
		{PriceMicros: 600_000, SizeMicros: 100_000_000},
	}

	got := AvailableNotional(asks, 550_000, types.Buy)
	want := (500_000*10_000_000)/types.MicrosPerUnit + (520_000*5_000_000)/types.MicrosPerUnit
	if got != want {
		t.Errorf("AvailableNotional(buy) = %d, want %d", got, want)
	}

	bids := []PriceLevel{
		{PriceMicros: 600_000, SizeMicros: 10_000_000},
		{PriceMicros: 550_000, SizeMicros: 5_000_000},
		{PriceMicros: 400_000, SizeMicros: 100_000_000},
	}
	got = AvailableNotional(bids, 500_000, types.Sell)
	want = (600_000*10_000_000)/types.MicrosPerUnit + (550_000*5_000_000)/types.MicrosPerUnit
	if got != want {
		t.Errorf("AvailableNotional(sell) = %d, want %d", got, want)
	}
}
