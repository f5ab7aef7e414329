package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"copytrader/internal/ratelimit"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

const (
	pageSize           = 100
	maxPagesRoutine    = 10
	maxPagesFastPath   = 5
	backfillWindowDefault = 15 * time.Minute
)

// apiTrade mirrors one item of the Data API's trade-history payload.
type apiTrade struct {
	ID            string `json:"id"`
	ProxyWallet   string `json:"proxyWallet"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Asset         string `json:"asset"`
	ConditionID   string `json:"conditionId"`
	TransactionHash string `json:"transactionHash"`
	TimestampUnix int64  `json:"timestamp"`
}

// leaderCursor is the per-leader pagination state persisted via SystemCheckpoint.
type leaderCursor struct {
	LastTime     int64  `json:"lastTime"`
	ResumeBefore *int64 `json:"resumeBefore,omitempty"`
}

// TradeLookup is the subset of store.TradeRepo needed for WS/API reconciliation.
type TradeLookup interface {
	InsertAPI(ctx context.Context, t *types.TradeEvent) (bool, error)
	FindByTxProfileSideToken(ctx context.Context, txHash, profileWallet string, side types.Side, tokenID string) (*types.TradeEvent, error)
	BackpatchEventTime(ctx context.Context, id string, eventTime time.Time) error
}

// ApiIngestor periodically pulls the Data API for each enabled leader,
// fills gaps left by WsIngestor outages, and reconciles WS-sourced trades
// with API-reported event timestamps.
type ApiIngestor struct {
	http        *resty.Client
	limiter     *ratelimit.TokenBucket
	trades      TradeLookup
	checkpoints Checkpoints
	logger      *slog.Logger
}

// NewApiIngestor builds an ApiIngestor against baseURL.
func NewApiIngestor(baseURL string, limiter *ratelimit.TokenBucket, trades TradeLookup, checkpoints Checkpoints, logger *slog.Logger) *ApiIngestor {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &ApiIngestor{
		http:        httpClient,
		limiter:     limiter,
		trades:      trades,
		checkpoints: checkpoints,
		logger:      logger.With("component", "api_ingestor"),
	}
}

// PollLeader runs one pull cycle for a single leader's profile wallet.
// fastPath bounds the cycle to fewer pages; the engine's reconcile handler
// passes true and its routine poll loop passes false.
func (a *ApiIngestor) PollLeader(ctx context.Context, followedUserID, profileWallet string, fastPath bool) error {
	checkpointKey := fmt.Sprintf("api:lastTradeTime:%s", followedUserID)
	cursor, err := a.loadCursor(ctx, checkpointKey)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	maxPages := maxPagesRoutine
	if fastPath {
		maxPages = maxPagesFastPath
	}

	before := cursor.ResumeBefore
	var maxSeen int64
	var minPageTime *int64
	pagesFetched := 0
	stalled := false

	for pagesFetched < maxPages {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}

		page, err := a.fetchTradesPage(ctx, profileWallet, before)
		if err != nil {
			return fmt.Errorf("fetch trades page: %w", err)
		}
		pagesFetched++

		if len(page) == 0 {
			// Exhausted: an empty page means there's nothing older to fetch.
			if maxSeen > 0 {
				cursor.LastTime = maxSeen
			}
			cursor.ResumeBefore = nil
			return a.saveCursor(ctx, checkpointKey, cursor)
		}

		pageOldest := page[0].TimestampUnix
		for _, t := range page {
			if t.TimestampUnix > maxSeen {
				maxSeen = t.TimestampUnix
			}
			if t.TimestampUnix < pageOldest {
				pageOldest = t.TimestampUnix
			}
			if err := a.ingestAPITrade(ctx, followedUserID, t); err != nil {
				a.logger.Error("ingest api trade failed", "error", err, "tradeId", t.ID)
			}
		}

		if minPageTime != nil && pageOldest >= *minPageTime {
			stalled = true
			break
		}
		minPageTime = &pageOldest
		before = &pageOldest

		if len(page) < pageSize {
			// Exhausted: fewer than a full page means there's nothing older to fetch.
			cursor.LastTime = maxSeen
			cursor.ResumeBefore = nil
			return a.saveCursor(ctx, checkpointKey, cursor)
		}
	}

	if stalled {
		a.logger.Warn("api pull stalled: page did not advance strictly", "followedUserId", followedUserID)
		cursor.ResumeBefore = nil
		return a.saveCursor(ctx, checkpointKey, cursor)
	}

	// Hit max pages: save resumeBefore, do not advance lastTime.
	cursor.ResumeBefore = before
	return a.saveCursor(ctx, checkpointKey, cursor)
}

func (a *ApiIngestor) fetchTradesPage(ctx context.Context, profileWallet string, before *int64) ([]apiTrade, error) {
	req := a.http.R().
		SetContext(ctx).
		SetQueryParam("user", profileWallet).
		SetQueryParam("limit", fmt.Sprintf("%d", pageSize))
	if before != nil {
		req.SetQueryParam("before", fmt.Sprintf("%d", *before))
	}

	var page []apiTrade
	resp, err := req.SetResult(&page).Get("/trades")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return page, nil
}

func (a *ApiIngestor) ingestAPITrade(ctx context.Context, followedUserID string, t apiTrade) error {
	side := types.Sell
	if t.Side == "BUY" {
		side = types.Buy
	}
	eventTime := time.Unix(t.TimestampUnix, 0)

	existing, err := a.trades.FindByTxProfileSideToken(ctx, t.TransactionHash, t.ProxyWallet, side, t.Asset)
	if err == nil && existing != nil {
		if existing.EventTime.Equal(existing.DetectTime) || eventTime.Before(existing.EventTime) {
			if err := a.trades.BackpatchEventTime(ctx, existing.ID, eventTime); err != nil {
				return fmt.Errorf("backpatch event time: %w", err)
			}
		}
		return nil
	}
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("lookup existing ws trade: %w", err)
	}

	priceMicros := parseDecimalMicros(t.Price)
	shareMicros := parseDecimalMicros(t.Size)
	notionalMicros := (priceMicros * shareMicros) / types.MicrosPerUnit

	sourceID := t.ID
	if sourceID == "" {
		sourceID = fmt.Sprintf("%s_%d_%s_%s_%s", t.TransactionHash, t.TimestampUnix, t.Side, t.Asset, t.Size)
	}

	ev := &types.TradeEvent{
		ID:               uuid.NewString(),
		Source:           types.SourcePolymarketAPI,
		SourceID:         sourceID,
		TxHash:           t.TransactionHash,
		IsCanonical:      false,
		ProfileWallet:    t.ProxyWallet,
		FollowedUserID:   followedUserID,
		Side:             side,
		PriceMicros:      priceMicros,
		ShareMicros:      shareMicros,
		NotionalMicros:   notionalMicros,
		EventTime:        eventTime,
		DetectTime:       time.Now(),
		RawTokenID:       t.Asset,
		ConditionID:      t.ConditionID,
		EnrichmentStatus: types.EnrichmentPending,
	}

	_, err = a.trades.InsertAPI(ctx, ev)
	return err
}

func (a *ApiIngestor) loadCursor(ctx context.Context, key string) (leaderCursor, error) {
	raw, err := a.checkpoints.Get(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return leaderCursor{LastTime: time.Now().Add(-backfillWindowDefault).Unix()}, nil
		}
		return leaderCursor{}, err
	}
	var c leaderCursor
	if err := unmarshalCursor(raw, &c); err != nil {
		return leaderCursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return c, nil
}

func (a *ApiIngestor) saveCursor(ctx context.Context, key string, c leaderCursor) error {
	raw, err := marshalCursor(c)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	return a.checkpoints.Set(ctx, key, raw)
}

// parseDecimalMicros parses a decimal string price/size into integer micros.
// The Data API reports both as base-10 decimal strings with up to 6 places.
func parseDecimalMicros(s string) int64 {
	v, err := parseFixedPoint(s, 6)
	if err != nil {
		return 0
	}
	return v
}
