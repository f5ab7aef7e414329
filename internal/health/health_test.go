package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"copytrader/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshot_ReportsWsFlagAndQueueDepths(t *testing.T) {
	qm := queue.NewManager(discardLogger())
	qm.Register(queue.IngestEvents, 1, func(ctx context.Context, j *queue.Job) error { return nil })

	tracker := NewTracker(qm, nil)
	tracker.SetWsConnected(true)

	// nil db: pingDB returns false, so the overall status is unhealthy here;
	// this test only asserts the ws/queue wiring.
	status := tracker.Snapshot(context.Background())
	if status.WsConnected != true {
		t.Errorf("expected wsConnected true, got false")
	}
	if _, ok := status.QueueDepths["ingestEvents"]; !ok {
		t.Errorf("expected ingestEvents in queueDepths, got %v", status.QueueDepths)
	}
}

func TestSnapshot_UnhealthyWithNilDB(t *testing.T) {
	tracker := NewTracker(nil, nil)
	tracker.SetWsConnected(true)

	status := tracker.Snapshot(context.Background())
	if status.Status != "unhealthy" {
		t.Errorf("expected unhealthy with no db connection, got %s", status.Status)
	}
	if status.DbConnected {
		t.Errorf("expected dbConnected false")
	}
}

func TestSnapshot_UnhealthyDbTakesPrecedenceOverWsDisconnected(t *testing.T) {
	tracker := NewTracker(nil, nil)
	tracker.SetWsConnected(false)

	status := tracker.Snapshot(context.Background())
	// dbConnected is false here too (nil db), so unhealthy takes priority —
	// confirms the precedence order: dbConnected check wins over wsConnected.
	if status.Status != "unhealthy" {
		t.Errorf("expected unhealthy (db check takes precedence), got %s", status.Status)
	}
}

func TestSnapshot_LastCanonicalEventTimeNilUntilMarked(t *testing.T) {
	tracker := NewTracker(nil, nil)
	status := tracker.Snapshot(context.Background())
	if status.LastCanonicalEventTime != nil {
		t.Errorf("expected nil LastCanonicalEventTime before any event, got %v", status.LastCanonicalEventTime)
	}

	now := time.Now()
	tracker.MarkCanonicalEvent(now)
	status = tracker.Snapshot(context.Background())
	if status.LastCanonicalEventTime == nil || !status.LastCanonicalEventTime.Equal(now) {
		t.Errorf("expected LastCanonicalEventTime %v, got %v", now, status.LastCanonicalEventTime)
	}
}

func TestHandleHealth_ServesJSON(t *testing.T) {
	tracker := NewTracker(nil, nil)
	srv := NewServer(":0", tracker, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected json content type, got %s", rec.Header().Get("Content-Type"))
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for unhealthy (nil db), got %d", rec.Code)
	}
}
