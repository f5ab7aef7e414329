// Package clobclient implements the CLOB REST client that backs
// bookcache.Cache's freshness-fallback fetch, grounded on the venue's
// internal/exchange REST client (rate-limited resty wrapper, book-only here).
package clobclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"copytrader/internal/bookcache"
	"copytrader/internal/ratelimit"
)

type bookResponse struct {
	AssetID string                `json:"asset_id"`
	Bids    []levelResponse       `json:"bids"`
	Asks    []levelResponse       `json:"asks"`
}

type levelResponse struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Client implements bookcache.RESTFetcher against the CLOB REST API.
type Client struct {
	http    *resty.Client
	limiter *ratelimit.TokenBucket
}

// NewClient builds a Client against baseURL, rate-limited by limiter.
func NewClient(baseURL string, timeout time.Duration, limiter *ratelimit.TokenBucket) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &Client{http: httpClient, limiter: limiter}
}

// FetchBook implements bookcache.RESTFetcher.
func (c *Client) FetchBook(ctx context.Context, tokenID string) (*bookcache.Book, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	return &bookcache.Book{
		TokenID: tokenID,
		Bids:    convertLevels(result.Bids),
		Asks:    convertLevels(result.Asks),
	}, nil
}

func convertLevels(levels []levelResponse) []bookcache.PriceLevel {
	out := make([]bookcache.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price := parseMicros(l.Price)
		size := parseMicros(l.Size)
		out = append(out, bookcache.PriceLevel{PriceMicros: price, SizeMicros: size})
	}
	return out
}

// parseMicros converts a base-10 decimal string to integer micros (scale 6),
// the format the CLOB REST API renders price/size strings in.
func parseMicros(s string) int64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.Shift(6).Round(0).IntPart()
}
