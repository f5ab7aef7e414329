// Package health serves the operator-facing GET /health endpoint and tracks
// the handful of liveness signals it reports, per SPEC_FULL.md §6.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"copytrader/internal/queue"
)

// Status is the JSON body served at /health.
type Status struct {
	Status                 string         `json:"status"`
	Timestamp              time.Time      `json:"timestamp"`
	LastCanonicalEventTime *time.Time     `json:"lastCanonicalEventTime"`
	WsConnected            bool           `json:"wsConnected"`
	QueueDepths            map[string]int `json:"queueDepths"`
	DbConnected            bool           `json:"dbConnected"`
}

// Tracker holds the liveness signals fed by the ingestion layer. Reads and
// writes are lock-free; the WS-connected flag and last-event time are the
// only mutable state here, both updated from the ingestion goroutines.
type Tracker struct {
	wsConnected   atomic.Bool
	lastEventUnix atomic.Int64 // unix nanos; 0 means no canonical event observed yet

	queues *queue.Manager
	db     *sql.DB
}

// NewTracker builds a Tracker. db may be nil in tests that don't exercise
// the dbConnected check.
func NewTracker(queues *queue.Manager, db *sql.DB) *Tracker {
	return &Tracker{queues: queues, db: db}
}

// SetWsConnected records the current websocket connection state.
func (t *Tracker) SetWsConnected(connected bool) {
	t.wsConnected.Store(connected)
}

// MarkCanonicalEvent records that a canonical TradeEvent or ActivityEvent was
// just ingested, advancing LastCanonicalEventTime.
func (t *Tracker) MarkCanonicalEvent(at time.Time) {
	t.lastEventUnix.Store(at.UnixNano())
}

// Snapshot computes the current Status. dbConnected is probed live via Ping
// with a short timeout rather than cached, since a stale cached value would
// defeat the point of a health check.
func (t *Tracker) Snapshot(ctx context.Context) Status {
	s := Status{
		Timestamp:   time.Now(),
		WsConnected: t.wsConnected.Load(),
		DbConnected: t.pingDB(ctx),
	}
	if t.queues != nil {
		s.QueueDepths = t.queues.Depths()
	}
	if ns := t.lastEventUnix.Load(); ns != 0 {
		when := time.Unix(0, ns)
		s.LastCanonicalEventTime = &when
	}

	switch {
	case !s.DbConnected:
		s.Status = "unhealthy"
	case !s.WsConnected:
		s.Status = "degraded"
	default:
		s.Status = "ok"
	}
	return s
}

func (t *Tracker) pingDB(ctx context.Context) bool {
	if t.db == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return t.db.PingContext(pingCtx) == nil
}

// Server exposes Tracker.Snapshot over a minimal HTTP mux. Mirrors the
// dashboard's http.Server setup: fixed read/write/idle timeouts, no router
// framework.
type Server struct {
	tracker *Tracker
	server  *http.Server
	logger  *slog.Logger

	mu       sync.Mutex
	stopOnce sync.Once
}

// NewServer builds the health HTTP server bound to addr (e.g. ":8090").
func NewServer(addr string, tracker *Tracker, logger *slog.Logger) *Server {
	s := &Server{tracker: tracker, logger: logger.With("component", "health_server")}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.tracker.Snapshot(r.Context())

	w.Header().Set("Content-Type", "application/json")
	switch status.Status {
	case "unhealthy":
		w.WriteHeader(http.StatusServiceUnavailable)
	case "degraded":
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("encode health status", "error", err)
	}
}

// Start blocks serving until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("health server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping health server")
		err = s.server.Shutdown(ctx)
	})
	return err
}
