// Package engine is the central orchestrator of the copy-trading worker.
//
// It wires together all subsystems:
//
//  1. wallets.Refresher publishes the tracked-wallet roster, seeded once
//     synchronously before WsIngestor's first subscribe.
//  2. ingest.WsIngestor streams canonical on-chain fills; ingest.ApiIngestor
//     backfills and reconciles against the Data API on its own poll loop.
//  3. The ingestEvents queue turns each bare trade reference into a full
//     ledger write; groupEvents then routes it to either the Aggregator
//     (time-window grouping) or the SmallTradeBuffer (netted grouping),
//     per the resolved leader config.
//  4. Flushed groups reach the Executor via the copyAttemptGlobal queue,
//     which turns each into an idempotent EXECUTE/SKIP decision.
//  5. PortfolioSnapshotter and health.Tracker run alongside on their own
//     tickers.
//
// Lifecycle: New() -> Start() -> [runs until Stop()] -> Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"copytrader/internal/aggregator"
	"copytrader/internal/bookcache"
	"copytrader/internal/chainlog"
	"copytrader/internal/clobclient"
	"copytrader/internal/config"
	"copytrader/internal/configresolver"
	"copytrader/internal/executor"
	"copytrader/internal/health"
	"copytrader/internal/ingest"
	"copytrader/internal/ledger"
	"copytrader/internal/portfolio"
	"copytrader/internal/queue"
	"copytrader/internal/ratelimit"
	"copytrader/internal/smalltradebuffer"
	"copytrader/internal/store"
	"copytrader/internal/wallets"
	"copytrader/pkg/types"
)

const (
	defaultQueueConcurrency = 4
	portfolioSnapshotPeriod = 60 * time.Second
	healthAddrSuffix        = ":%d"
	shutdownDrainGrace      = 10 * time.Second
)

// Engine orchestrates every subsystem described in the worker's runbook.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	db *store.DB
	kv store.KV

	trades       *store.TradeRepo
	ledgerRepo   *store.LedgerRepo
	copyAttempts *store.CopyAttemptRepo
	configs      *store.ConfigRepo
	markets      *store.MarketRepo
	prices       *store.PriceSnapshotRepo
	snapshots    *store.PortfolioSnapshotRepo
	walletsRepo  *store.WalletsRepo
	checkpoints  *store.CheckpointRepo

	queues       *queue.Manager
	resolver     *configresolver.Resolver
	shadowLedger *ledger.ShadowLedger
	agg          *aggregator.Aggregator
	buffer       *smalltradebuffer.Buffer
	book         *bookcache.Cache
	exec         *executor.Executor
	snapshotter  *portfolio.Snapshotter

	wsIngestor  *ingest.WsIngestor
	apiIngestor *ingest.ApiIngestor
	refresher   *wallets.Refresher

	tracker      *health.Tracker
	healthServer *health.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every subsystem. The database is opened and migrated, but no
// goroutines are started until Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	ctx := context.Background()

	db, err := store.Open(ctx, store.Config{
		Path:            cfg.Database.URL,
		Profile:         store.ProfileLedger,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	kv := store.NewRedisKV(store.KVConfig{
		URL:        cfg.KV.URL,
		Password:   cfg.KV.Password,
		DB:         cfg.KV.DB,
		PoolSize:   cfg.KV.PoolSize,
		MaxRetries: cfg.KV.MaxRetries,
		TLSEnabled: cfg.KV.TLSEnabled,
	})

	trades := store.NewTradeRepo(db)
	ledgerRepo := store.NewLedgerRepo(db)
	copyAttempts := store.NewCopyAttemptRepo(db)
	configRepo := store.NewConfigRepo(db)
	markets := store.NewMarketRepo(db)
	prices := store.NewPriceSnapshotRepo(db)
	portfolioSnapshots := store.NewPortfolioSnapshotRepo(db)
	walletsRepo := store.NewWalletsRepo(db)
	checkpoints := store.NewCheckpointRepo(db)

	concurrency := cfg.Worker.QueueConcurrency
	if concurrency <= 0 {
		concurrency = defaultQueueConcurrency
	}

	queues := queue.NewManager(logger)
	resolver := configresolver.NewResolver(configRepo)
	shadowLedger := ledger.NewShadowLedger(ledgerRepo, db.Conn(), logger)
	agg := aggregator.NewAggregator(queues, logger)
	emitter := smalltradebuffer.NewQueueEmitter(queues, copyAttempts, db.Conn())
	buffer := smalltradebuffer.NewBuffer(kv, emitter, logger)

	restLimiter := ratelimit.NewTokenBucket(10, 10)
	rest := clobclient.NewClient(cfg.ClobAPI.BaseURL, cfg.ClobAPI.Timeout, restLimiter)
	book := bookcache.NewCache(rest, nil, cfg.ClobAPI.BookWSEnabled)

	exec := executor.NewExecutor(book, resolver, ledgerRepo, copyAttempts, markets, prices, portfolioSnapshots, db, logger)
	snapshotter := portfolio.NewSnapshotter(ledgerRepo, prices, portfolioSnapshots, portfolioSnapshotPeriod, logger)

	apiLimiter := ratelimit.NewTokenBucket(5, 5)
	apiIngestor := ingest.NewApiIngestor(cfg.DataAPI.BaseURL, apiLimiter, trades, checkpoints, logger)

	ctxCancel, cancel := context.WithCancel(ctx)

	e := &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		db:           db,
		kv:           kv,
		trades:       trades,
		ledgerRepo:   ledgerRepo,
		copyAttempts: copyAttempts,
		configs:      configRepo,
		markets:      markets,
		prices:       prices,
		snapshots:    portfolioSnapshots,
		walletsRepo:  walletsRepo,
		checkpoints:  checkpoints,
		queues:       queues,
		resolver:     resolver,
		shadowLedger: shadowLedger,
		agg:          agg,
		buffer:       buffer,
		book:         book,
		exec:         exec,
		snapshotter:  snapshotter,
		apiIngestor:  apiIngestor,
		ctx:          ctxCancel,
		cancel:       cancel,
	}

	e.tracker = health.NewTracker(queues, db.Conn())
	e.healthServer = health.NewServer(fmt.Sprintf(healthAddrSuffix, cfg.Worker.Port), e.tracker, logger)

	e.refresher = wallets.NewRefresher(walletsRepo, logger, time.Duration(cfg.Chain.WalletRefreshSec)*time.Second, e.onRosterChange)
	e.wsIngestor = ingest.NewWsIngestor(cfg.Chain.WSURL, cfg.Chain.ExchangeAddresses, trades, checkpoints, queues, e.refresher, logger)

	e.registerQueueHandlers(concurrency)

	return e, nil
}

// onRosterChange is the wallets.Refresher callback: resubscribe the WS feed
// to the newly published tracked-wallet snapshot.
func (e *Engine) onRosterChange(snapshot *chainlog.TrackedWallets) {
	e.wsIngestor.Resubscribe(snapshot)
}

func (e *Engine) registerQueueHandlers(concurrency int) {
	e.queues.Register(queue.IngestEvents, concurrency, e.handleIngestEvent)
	e.queues.Register(queue.GroupEvents, concurrency, e.handleGroupEvent)
	e.queues.Register(queue.CopyAttemptGlobal, concurrency, e.handleCopyAttempt)
	e.queues.Register(queue.Reconcile, 1, e.handleReconcile)
}

// handleIngestEvent turns a bare tradeEventId reference into the full
// canonical TradeEvent and records it on the shadow ledger, then hands it
// off to groupEvents for routing. Recording the trade and deciding its
// grouping path are split across these two queues so a shadow-ledger write
// failure (retried here) never re-runs the grouping decision.
func (e *Engine) handleIngestEvent(ctx context.Context, job *queue.Job) error {
	tradeEventID, _ := job.Payload["tradeEventId"].(string)
	if tradeEventID == "" {
		return fmt.Errorf("ingest event job missing tradeEventId")
	}

	trade, err := e.trades.GetByID(ctx, tradeEventID)
	if err != nil {
		return fmt.Errorf("load trade %s: %w", tradeEventID, err)
	}

	if err := e.shadowLedger.RecordTrade(ctx, trade); err != nil {
		return fmt.Errorf("record trade on shadow ledger: %w", err)
	}
	e.tracker.MarkCanonicalEvent(trade.EventTime)

	return e.queues.Enqueue(queue.GroupEvents, &queue.Job{
		ID:        uuid.NewString(),
		Type:      queue.JobGroupReady,
		CreatedAt: time.Now(),
		Payload:   map[string]any{"tradeEventId": tradeEventID},
	})
}

// handleGroupEvent resolves the leader's effective config and routes the
// trade to whichever grouping path it selects.
func (e *Engine) handleGroupEvent(ctx context.Context, job *queue.Job) error {
	tradeEventID, _ := job.Payload["tradeEventId"].(string)
	if tradeEventID == "" {
		return fmt.Errorf("group event job missing tradeEventId")
	}

	trade, err := e.trades.GetByID(ctx, tradeEventID)
	if err != nil {
		return fmt.Errorf("load trade %s: %w", tradeEventID, err)
	}

	cfg, err := e.resolver.Resolve(ctx, trade.FollowedUserID)
	if err != nil {
		return fmt.Errorf("resolve config for %s: %w", trade.FollowedUserID, err)
	}

	if cfg.SmallTradeBuffering.Enabled {
		return e.buffer.Add(ctx, trade, cfg.SmallTradeBuffering, cfg.Sizing.CopyPctNotionalBps)
	}
	e.agg.Add(trade)
	return nil
}

// handleCopyAttempt decodes a flushed TradeEventGroup (from either the
// Aggregator or the SmallTradeBuffer, both of which post to this same
// queue) and hands it to the Executor.
func (e *Engine) handleCopyAttempt(ctx context.Context, job *queue.Job) error {
	group, err := decodeGroup(job.Payload)
	if err != nil {
		return fmt.Errorf("decode group job: %w", err)
	}
	return e.exec.Process(ctx, group)
}

func decodeGroup(payload map[string]any) (types.TradeEventGroup, error) {
	var group types.TradeEventGroup

	followedUserID, _ := payload["followedUserId"].(string)
	tokenID, _ := payload["tokenId"].(string)
	side, _ := payload["side"].(string)
	groupKey, _ := payload["groupKey"].(string)
	sourceType, _ := payload["sourceType"].(string)
	if followedUserID == "" || groupKey == "" {
		return group, fmt.Errorf("missing followedUserId or groupKey")
	}

	totalNotional, err := payloadInt64(payload, "totalNotionalMicros")
	if err != nil {
		return group, err
	}
	totalShares, err := payloadInt64(payload, "totalShareMicros")
	if err != nil {
		return group, err
	}
	vwap, err := payloadInt64(payload, "vwapPriceMicros")
	if err != nil {
		return group, err
	}

	earliest, _ := payload["earliestDetectTime"].(time.Time)
	tradeIDs, _ := payload["tradeEventIds"].([]string)

	group = types.TradeEventGroup{
		FollowedUserID:      followedUserID,
		TokenID:             tokenID,
		Side:                types.Side(side),
		GroupKey:            groupKey,
		TotalNotionalMicros: totalNotional,
		TotalShareMicros:    totalShares,
		VwapPriceMicros:     vwap,
		EarliestDetectTime:  earliest,
		TradeEventIDs:       tradeIDs,
		SourceType:          types.SourceType(sourceType),
	}
	if raw, ok := payload["bufferedTradeCount"]; ok {
		if n, ok := raw.(int); ok {
			group.BufferedTradeCount = n
			group.HasBufferedTradeCount = true
		}
	}
	return group, nil
}

// payloadInt64 accepts int64 (the in-process job payload shape every
// producer in this pipeline uses) without round-tripping through JSON.
func payloadInt64(payload map[string]any, key string) (int64, error) {
	v, ok := payload[key].(int64)
	if !ok {
		return 0, fmt.Errorf("payload field %s missing or wrong type", key)
	}
	return v, nil
}

// handleReconcile re-polls every enabled leader's recent trade history on
// the venue Data API, fast-pathed, to reconcile against WS-sourced trades.
// The window itself is bounded by each leader's persisted API cursor; the
// job's sinceTime hint is not read here. How often the job is enqueued is
// set by its dedup key, which buckets the enqueue time by the window length.
func (e *Engine) handleReconcile(ctx context.Context, job *queue.Job) error {
	leaders, err := e.walletsRepo.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list enabled leaders: %w", err)
	}
	var firstErr error
	for _, leader := range leaders {
		if err := e.apiIngestor.PollLeader(ctx, leader.ID, leader.ProfileWallet, true); err != nil {
			e.logger.Error("reconcile poll failed", "followedUserId", leader.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Start launches every background goroutine: wallet-roster refresh, both
// ingestion feeds, the queue worker pools, the small-trade flush loop, the
// portfolio snapshotter, and the health server.
func (e *Engine) Start() error {
	if err := e.refresher.RefreshOnce(e.ctx); err != nil {
		return fmt.Errorf("initial wallet roster refresh: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refresher.Start(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.wsIngestor.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("ws ingestor exited", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runApiPollLoop(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.queues.Start(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.buffer.RunFlushLoop(e.ctx, e.resolveBufferConfig)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.snapshotter.Run(e.ctx, []types.PortfolioScope{types.ScopeExecGlobal, types.ScopeShadowUser}, e.enabledLeaderIDs)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.healthServer.Start(); err != nil {
			e.logger.Error("health server exited", "error", err)
		}
	}()

	e.logger.Info("engine started", "workerPort", e.cfg.Worker.Port)
	return nil
}

// runApiPollLoop owns ApiIngestor's polling cadence: it has no loop of its
// own, so the engine ticks every cfg.DataAPI.PollPeriod and sweeps the
// currently-enabled leader roster.
func (e *Engine) runApiPollLoop(ctx context.Context) {
	period := e.cfg.DataAPI.PollPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leaders, err := e.walletsRepo.ListEnabled(ctx)
			if err != nil {
				e.logger.Error("list enabled leaders for poll failed", "error", err)
				continue
			}
			for _, leader := range leaders {
				if err := e.apiIngestor.PollLeader(ctx, leader.ID, leader.ProfileWallet, false); err != nil {
					e.logger.Error("poll leader failed", "followedUserId", leader.ID, "error", err)
				}
			}
		}
	}
}

// resolveBufferConfig adapts the resolver into the synchronous closure
// SmallTradeBuffer's flush sweep needs. A resolve failure falls back to the
// resolver's own compiled-in defaults by returning a zero-value config with
// buffering disabled, which the sweep's flush rules treat as "never flush
// on notional", closing the bucket out on the next maxBufferMs timeout
// instead.
func (e *Engine) resolveBufferConfig(followedUserID string) types.SmallTradeBufferConfig {
	cfg, err := e.resolver.Resolve(context.Background(), followedUserID)
	if err != nil {
		e.logger.Error("resolve buffer config failed", "followedUserId", followedUserID, "error", err)
		return types.SmallTradeBufferConfig{}
	}
	return cfg.SmallTradeBuffering
}

// enabledLeaderIDs is the Snapshotter's per-scope leader source.
func (e *Engine) enabledLeaderIDs() []string {
	leaders, err := e.walletsRepo.ListEnabled(context.Background())
	if err != nil {
		e.logger.Error("list enabled leaders for snapshot failed", "error", err)
		return nil
	}
	ids := make([]string, 0, len(leaders))
	for _, l := range leaders {
		ids = append(ids, l.ID)
	}
	return ids
}

// Stop drains in-flight work and closes every owned resource, in the order:
// stop accepting new context-bound work, flush the small-trade buffer with
// reason=shutdown, wait for in-flight goroutines up to a grace deadline,
// then close the health server and database.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.agg.Shutdown()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownDrainGrace)
	e.buffer.Shutdown(flushCtx, e.resolveBufferConfig)
	flushCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainGrace):
		e.logger.Warn("shutdown grace period elapsed with goroutines still running")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := e.healthServer.Stop(stopCtx); err != nil {
		e.logger.Error("health server stop failed", "error", err)
	}

	if err := e.db.Close(); err != nil {
		e.logger.Error("close database failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}
