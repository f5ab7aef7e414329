// Command copytrader runs the copy-trading worker: ingestion, grouping,
// execution decisioning, portfolio snapshotting, and the operator health
// endpoint, all in one process.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	internal/engine            — orchestrator: wires ingestion, queues, executor, health
//	internal/ingest             — WsIngestor (on-chain feed) and ApiIngestor (Data API backfill)
//	internal/aggregator         — time-window trade grouping
//	internal/smalltradebuffer   — netted sub-threshold trade grouping
//	internal/executor           — idempotent EXECUTE/SKIP decisioning
//	internal/ledger             — shadow-portfolio cash/position bookkeeping
//	internal/portfolio          — periodic mark-to-market snapshotting
//	internal/health             — GET /health liveness endpoint
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"copytrader/internal/config"
	"copytrader/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPYTRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("copytrader worker started", "nodeEnv", cfg.NodeEnv, "workerPort", cfg.Worker.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
