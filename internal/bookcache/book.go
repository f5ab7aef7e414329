// Package bookcache implements a freshness-bounded in-memory cache of
// normalized L2 order books, fed by a CLOB WebSocket feed with REST fallback,
// per SPEC_FULL.md §4.3.
package bookcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"copytrader/pkg/types"
)

// PriceLevel is one price/size pair in a book side.
type PriceLevel struct {
	PriceMicros int64
	SizeMicros  int64
}

// BookSource identifies where a book snapshot came from.
type BookSource string

const (
	SourceWS   BookSource = "WS"
	SourceREST BookSource = "REST"
)

// Book is a normalized snapshot of one outcome token's order book.
type Book struct {
	TokenID   string
	Bids      []PriceLevel // sorted strictly descending by price
	Asks      []PriceLevel // sorted strictly ascending by price
	UpdatedAt time.Time
	Source    BookSource
}

// BestBidMicros returns the best bid, or 0 if the book has no bids.
func (b *Book) BestBidMicros() int64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].PriceMicros
}

// BestAskMicros returns the best ask, or 0 if the book has no asks.
func (b *Book) BestAskMicros() int64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].PriceMicros
}

// MidMicros returns round((bestBid+bestAsk)/2), or 0 if either side is empty.
func (b *Book) MidMicros() int64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return (b.BestBidMicros() + b.BestAskMicros() + 1) / 2
}

// SpreadMicros returns bestAsk - bestBid, or 0 if either side is empty.
func (b *Book) SpreadMicros() int64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return b.BestAskMicros() - b.BestBidMicros()
}

// entry is the mutable, lockable cache slot for one token.
type entry struct {
	mu      sync.RWMutex
	book    *Book
	waiters []chan struct{}
}

func newEntry() *entry {
	return &entry{}
}

func (e *entry) get() (*Book, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.book == nil {
		return nil, false
	}
	cp := *e.book
	return &cp, true
}

func (e *entry) set(b *Book) {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.book = b
	e.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// addWaiter registers a channel that is closed on the entry's next update.
func (e *entry) addWaiter() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	return ch
}

// RESTFetcher fetches a book snapshot from the CLOB REST API as a freshness
// fallback.
type RESTFetcher interface {
	FetchBook(ctx context.Context, tokenID string) (*Book, error)
}

// StreamSubscriber adds a token to a WS client's interest set.
type StreamSubscriber interface {
	EnsureSubscribed(tokenID string)
}

// Cache is the BookCache: keyed by outcome token id, single-writer per
// tokenId (WS update or REST write), concurrent readers, per-entry condition
// variable for waiters (SPEC_FULL.md §5).
type Cache struct {
	mu              sync.RWMutex
	entries         map[string]*entry
	rest            RESTFetcher
	stream          StreamSubscriber
	streamingEnabled bool
}

// NewCache builds a BookCache. stream may be nil if WS book streaming is disabled.
func NewCache(rest RESTFetcher, stream StreamSubscriber, streamingEnabled bool) *Cache {
	return &Cache{
		entries:          make(map[string]*entry),
		rest:             rest,
		stream:           stream,
		streamingEnabled: streamingEnabled,
	}
}

func (c *Cache) entryFor(tokenID string) *entry {
	c.mu.RLock()
	e, ok := c.entries[tokenID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[tokenID]; ok {
		return e
	}
	e = newEntry()
	c.entries[tokenID] = e
	return e
}

// GetOpts configures a GetBook call.
type GetOpts struct {
	WaitMs      int  // default 500 if zero
	FreshnessMs int  // default 2000 if zero
	NoWait      bool
}

func (o GetOpts) waitDuration() time.Duration {
	ms := o.WaitMs
	if ms <= 0 {
		ms = 500
	}
	if ms > 500 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}

func (o GetOpts) freshnessDuration() time.Duration {
	ms := o.FreshnessMs
	if ms <= 0 {
		ms = 2000
	}
	if ms > 2000 {
		ms = 2000
	}
	return time.Duration(ms) * time.Millisecond
}

// Result is the outcome of a GetBook call.
type Result struct {
	Book   *Book // nil means the market is resolved or unreachable
	Source BookSource
	Stale  bool
}

// GetBook implements the public contract from SPEC_FULL.md §4.3.
func (c *Cache) GetBook(ctx context.Context, tokenID string, opts GetOpts) (Result, error) {
	e := c.entryFor(tokenID)

	if c.streamingEnabled {
		if b, ok := e.get(); ok && time.Since(b.UpdatedAt) <= opts.freshnessDuration() {
			return Result{Book: b, Source: b.Source, Stale: false}, nil
		}

		if !opts.NoWait {
			waiter := e.addWaiter()
			timer := time.NewTimer(opts.waitDuration())
			select {
			case <-waiter:
				timer.Stop()
				if b, ok := e.get(); ok {
					return Result{Book: b, Source: b.Source, Stale: false}, nil
				}
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Result{}, ctx.Err()
			}
		}
	}

	if c.rest == nil {
		if b, ok := e.get(); ok {
			return Result{Book: b, Source: b.Source, Stale: true}, nil
		}
		return Result{Book: nil}, nil
	}

	b, err := c.rest.FetchBook(ctx, tokenID)
	if err != nil {
		return Result{}, err
	}
	if b == nil {
		return Result{Book: nil}, nil
	}
	b.Source = SourceREST
	normalize(b)
	b.UpdatedAt = time.Now()
	e.set(b)
	return Result{Book: b, Source: SourceREST, Stale: false}, nil
}

// EnsureSubscribed adds tokenID to the streaming client's interest set.
func (c *Cache) EnsureSubscribed(tokenID string) {
	if c.stream != nil {
		c.stream.EnsureSubscribed(tokenID)
	}
}

// ApplyWSUpdate writes a book snapshot received over the streaming feed.
func (c *Cache) ApplyWSUpdate(tokenID string, bids, asks []PriceLevel) {
	e := c.entryFor(tokenID)
	b := &Book{TokenID: tokenID, Bids: bids, Asks: asks, Source: SourceWS, UpdatedAt: time.Now()}
	normalize(b)
	e.set(b)
}

// IsStale reports whether the cached entry, if any, is older than maxAge.
func (c *Cache) IsStale(tokenID string, maxAge time.Duration) bool {
	e := c.entryFor(tokenID)
	b, ok := e.get()
	if !ok {
		return true
	}
	return time.Since(b.UpdatedAt) > maxAge
}

// normalize re-sorts both sides descending/ascending — never assume upstream
// ordering, per SPEC_FULL.md §4.3.
func normalize(b *Book) {
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].PriceMicros > b.Bids[j].PriceMicros })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].PriceMicros < b.Asks[j].PriceMicros })
}

// AvailableNotional sums notional available within [minPrice, maxPrice] on the
// ask side (for BUY) or bid side (for SELL), used by the DEPTH_INSUFFICIENT
// guardrail.
func AvailableNotional(levels []PriceLevel, bound int64, side types.Side) int64 {
	var total int64
	for _, lvl := range levels {
		if side == types.Buy && lvl.PriceMicros > bound {
			break
		}
		if side == types.Sell && lvl.PriceMicros < bound {
			break
		}
		total += (lvl.PriceMicros * lvl.SizeMicros) / types.MicrosPerUnit
	}
	return total
}
