package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_EnqueueDedupCollapsesRepeats(t *testing.T) {
	m := NewManager(testLogger())
	var handled int32
	m.Register(Reconcile, 1, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	now := time.Now()
	for i := 0; i < 3; i++ {
		_ = m.Enqueue(Reconcile, &Job{ID: "a", Type: JobReconcileWindow, DedupKey: "reconcile_0xabc", CreatedAt: now})
	}

	if got := m.Depth(Reconcile); got != 1 {
		t.Fatalf("expected 1 pending job after dedup collapse, got %d", got)
	}
}

func TestManager_WorkerProcessesJob(t *testing.T) {
	m := NewManager(testLogger())
	done := make(chan struct{})
	m.Register(GroupEvents, 1, func(ctx context.Context, job *Job) error {
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)

	_ = m.Enqueue(GroupEvents, &Job{ID: "g1", Type: JobGroupReady, CreatedAt: time.Now()})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job was never handled")
	}
	cancel()
}

func TestManager_RetryThenDeadLetter(t *testing.T) {
	m := NewManager(testLogger())
	var attempts int32
	m.Register(IngestEvents, 1, func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	_ = m.Enqueue(IngestEvents, &Job{
		ID: "j1", Type: JobTradeIngested, CreatedAt: time.Now(), MaxAttempts: 1,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.DeadLettered(IngestEvents)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected job to be dead-lettered after exhausting retries, attempts=%d", atomic.LoadInt32(&attempts))
}
