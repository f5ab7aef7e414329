// Package ingest implements the two trade-discovery pipelines: WsIngestor
// streams on-chain OrderFilled logs over a persistent RPC WebSocket, and
// ApiIngestor periodically backfills and reconciles against the venue's
// Data API. Grounded on the teacher's internal/exchange/ws.go connection
// lifecycle and internal/exchange/client.go REST client.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"copytrader/internal/chainlog"
	"copytrader/internal/queue"
	"copytrader/pkg/types"
)

// connState is the WsIngestor connection-lifecycle state machine.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateSubscribed
	stateResubscribing
)

const (
	dialTimeout       = 30 * time.Second
	baseBackoff       = time.Second
	maxBackoff        = 5 * time.Minute
	rateLimitBase     = 2 * time.Minute
	rateLimitMax      = 10 * time.Minute
	walletRefreshDefault = 60 * time.Second
)

// Checkpoints is the subset of store.CheckpointRepo the ingestor needs.
type Checkpoints interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, valueJSON string) error
}

// Trades is the subset of store.TradeRepo the ingestor needs.
type Trades interface {
	InsertOnchain(ctx context.Context, t *types.TradeEvent) (bool, error)
}

// WalletSnapshot exposes the currently published tracked-wallet set.
type WalletSnapshot interface {
	Snapshot() *chainlog.TrackedWallets
}

// WsIngestor streams OrderFilled logs for the tracked wallet roster and
// writes canonical TradeEvents.
type WsIngestor struct {
	url               string
	exchangeAddresses []string
	logger            *slog.Logger

	trades      Trades
	checkpoints Checkpoints
	queues      *queue.Manager
	roster      WalletSnapshot

	state         atomic.Int32
	connMu        sync.Mutex
	conn          *websocket.Conn
	retryNotBefore atomic.Int64 // unix nanos; held in memory only, so a 429 deferral does not survive a restart
}

// NewWsIngestor builds a WsIngestor. roster supplies the live tracked-wallet
// snapshot published by the wallets.Refresher.
func NewWsIngestor(url string, exchangeAddresses []string, trades Trades, checkpoints Checkpoints, queues *queue.Manager, roster WalletSnapshot, logger *slog.Logger) *WsIngestor {
	return &WsIngestor{
		url:               url,
		exchangeAddresses: exchangeAddresses,
		trades:            trades,
		checkpoints:       checkpoints,
		queues:            queues,
		roster:            roster,
		logger:            logger.With("component", "ws_ingestor"),
	}
}

// Connected reports whether the socket is connected, subscribed, or
// resubscribing, for the health endpoint.
func (w *WsIngestor) Connected() bool {
	s := connState(w.state.Load())
	return s == stateConnected || s == stateSubscribed || s == stateResubscribing
}

// Run blocks, maintaining the connection with reconnect/backoff, until ctx
// is cancelled.
func (w *WsIngestor) Run(ctx context.Context) error {
	attempt := 0
	rateLimitAttempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if wait := w.retryNotBefore.Load() - time.Now().UnixNano(); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(wait)):
			}
		}

		w.state.Store(int32(stateConnecting))
		err := w.connectAndRead(ctx)
		if s := connState(w.state.Load()); s == stateSubscribed || s == stateResubscribing {
			// The connection reached SUBSCRIBED before dropping: both backoff schedules start over.
			attempt, rateLimitAttempt = 0, 0
		}
		w.state.Store(int32(stateDisconnected))

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if rle, ok := err.(*rateLimitedError); ok {
			backoff := rateLimitBase * time.Duration(1<<uint(min(rateLimitAttempt, 2)))
			if backoff > rateLimitMax {
				backoff = rateLimitMax
			}
			w.retryNotBefore.Store(time.Now().Add(backoff).UnixNano())
			w.logger.Warn("websocket rate limited, deferring reconnect", "retryAfter", backoff, "error", rle)
			rateLimitAttempt++
			continue
		}

		backoff := baseBackoff * time.Duration(1<<uint(min(attempt, 12)))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)/5+1)) - backoff/10
		wait := backoff + jitter
		w.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

type rateLimitedError struct{ cause error }

func (e *rateLimitedError) Error() string { return fmt.Sprintf("rate limited: %v", e.cause) }

func (w *WsIngestor) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, w.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 429 {
			return &rateLimitedError{cause: err}
		}
		return fmt.Errorf("dial: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	defer func() {
		w.connMu.Lock()
		conn.Close()
		w.conn = nil
		w.connMu.Unlock()
	}()

	w.state.Store(int32(stateConnected))

	if err := w.subscribe(conn, w.roster.Snapshot()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	w.state.Store(int32(stateSubscribed))
	w.logger.Info("ws ingestor subscribed")

	if err := w.enqueueReconcile(ctx, 5*time.Minute); err != nil {
		w.logger.Error("enqueue reconnect reconcile job failed", "error", err)
	}

	refreshCtx, refreshCancel := context.WithCancel(ctx)
	defer refreshCancel()
	go w.watchWalletChanges(refreshCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		w.handleLog(ctx, msg)
	}
}

// watchWalletChanges is a placeholder hook: the real resubscribe trigger is
// wallets.Refresher's onChange callback, wired by the engine to call
// Resubscribe below. Kept here so WsIngestor owns the SUBSCRIBED<->RESUBSCRIBING
// transition bookkeeping even though the fingerprint check itself lives in
// the wallets package.
func (w *WsIngestor) watchWalletChanges(ctx context.Context, conn *websocket.Conn) {
	<-ctx.Done()
}

// Resubscribe is invoked by the wallets.Refresher onChange hook when the
// tracked-wallet roster's fingerprint changes.
func (w *WsIngestor) Resubscribe(snapshot *chainlog.TrackedWallets) {
	if connState(w.state.Load()) != stateSubscribed {
		return
	}
	w.state.Store(int32(stateResubscribing))
	defer w.state.Store(int32(stateSubscribed))

	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return
	}
	if err := w.subscribe(conn, snapshot); err != nil {
		w.logger.Error("resubscribe failed", "error", err)
	}
}

type rpcSubscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func (w *WsIngestor) subscribe(conn *websocket.Conn, snapshot *chainlog.TrackedWallets) error {
	// A single topics filter can only AND across positions, so matching
	// "wallet is maker OR wallet is taker" takes two filters per exchange
	// address: one anchoring the tracked wallet set on the maker topic slot
	// (index 2), one on the taker topic slot (index 3). Topic 0 (signature)
	// and topic 1 (orderHash, unfiltered) are shared by both.
	walletTopics := snapshot.WalletTopics()
	if len(walletTopics) == 0 {
		w.logger.Warn("subscribing with no tracked wallets; wallet-position filters omitted")
		return w.sendSubscribe(conn, 1, []any{chainlog.OrderFilledSignature})
	}

	if err := w.sendSubscribe(conn, 1, []any{
		[]string{chainlog.OrderFilledSignature}, nil, walletTopics,
	}); err != nil {
		return fmt.Errorf("subscribe maker filter: %w", err)
	}
	if err := w.sendSubscribe(conn, 2, []any{
		[]string{chainlog.OrderFilledSignature}, nil, nil, walletTopics,
	}); err != nil {
		return fmt.Errorf("subscribe taker filter: %w", err)
	}
	return nil
}

func (w *WsIngestor) sendSubscribe(conn *websocket.Conn, id int, topics []any) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	req := rpcSubscribeRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "eth_subscribe",
		Params: []any{"logs", map[string]any{
			"address": w.exchangeAddresses,
			"topics":  topics,
		}},
	}
	return conn.WriteJSON(req)
}

func (w *WsIngestor) handleLog(ctx context.Context, raw []byte) {
	var envelope struct {
		Params struct {
			Result chainlog.Log `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		w.logger.Debug("ignoring non-log ws message")
		return
	}

	l := envelope.Params.Result
	if l.Removed {
		return
	}

	decodedLog, err := chainlog.DecodeOrderFilled(l)
	if err != nil {
		w.logger.Warn("malformed OrderFilled log", "error", err)
		return
	}

	userID, decoded, ok := chainlog.Attribute(decodedLog, w.roster.Snapshot())
	if !ok {
		return
	}

	now := time.Now()
	ev := &types.TradeEvent{
		ID:               uuid.NewString(),
		Source:           types.SourceOnchainWS,
		TxHash:           l.TxHash.Hex(),
		LogIndex:         int64(l.LogIndex),
		IsCanonical:      true,
		ProfileWallet:    decoded.AttributedWallet.Hex(),
		FollowedUserID:   userID,
		Side:             decoded.Side,
		PriceMicros:      decoded.PriceMicros,
		ShareMicros:      decoded.ShareMicros,
		NotionalMicros:   decoded.NotionalMicros,
		FeeMicros:        decoded.FeeMicros,
		EventTime:        now,
		DetectTime:       now,
		RawTokenID:       decoded.OutcomeAssetID,
		EnrichmentStatus: types.EnrichmentPending,
	}
	if decoded.IsProxy {
		ev.ProxyWallet = decoded.AttributedWallet.Hex()
	}

	inserted, err := w.trades.InsertOnchain(ctx, ev)
	if err != nil {
		w.logger.Error("insert onchain trade failed", "error", err, "txHash", ev.TxHash)
		return
	}
	if !inserted {
		return
	}

	if err := w.checkpoints.Set(ctx, "alchemy:lastBlock", strconv.FormatUint(l.BlockNumber, 10)); err != nil {
		w.logger.Error("advance block checkpoint failed", "error", err)
	}

	_ = w.queues.Enqueue(queue.IngestEvents, &queue.Job{
		ID:        uuid.NewString(),
		Type:      queue.JobTradeIngested,
		CreatedAt: now,
		Payload: map[string]any{
			"tradeEventId":   ev.ID,
			"followedUserId": userID,
		},
	})
}

func (w *WsIngestor) enqueueReconcile(ctx context.Context, window time.Duration) error {
	now := time.Now()
	return w.queues.Enqueue(queue.Reconcile, &queue.Job{
		ID:        uuid.NewString(),
		Type:      queue.JobReconcileWindow,
		DedupKey:  fmt.Sprintf("reconcile_reconnect_%d", now.Unix()/int64(window.Seconds())),
		CreatedAt: now,
		Payload: map[string]any{
			"sinceTime": now.Add(-window).Format(time.RFC3339),
		},
	})
}

