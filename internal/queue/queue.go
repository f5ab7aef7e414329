// Package queue implements the pipeline's in-process job queues: durable
// in the sense of at-least-once delivery within a process lifetime, with
// per-queue concurrency limits, DedupKey dedup, exponential retry, and a
// dead-letter sink, per SPEC_FULL.md §4.10.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Name identifies one of the pipeline's named queues.
type Name string

const (
	IngestEvents      Name = "ingestEvents"
	GroupEvents       Name = "groupEvents"
	CopyAttemptGlobal Name = "copyAttemptGlobal"
	Reconcile         Name = "reconcile"
)

// JobType distinguishes payload shapes within a queue.
type JobType string

const (
	JobTradeIngested   JobType = "trade_ingested"
	JobActivityIngested JobType = "activity_ingested"
	JobGroupReady      JobType = "group_ready"
	JobBufferFlush     JobType = "buffer_flush"
	JobCopyAttempt     JobType = "copy_attempt"
	JobReconcileWindow JobType = "reconcile_window"
)

// Priority orders ready jobs within a queue; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Job is one unit of work. DedupKey, when set, is the caller-supplied dedup
// key (e.g. "reconcile_{txHash}" or a group's groupKey); ID plays no part in dedup.
type Job struct {
	ID          string
	Type        JobType
	Priority    Priority
	Payload     map[string]any
	DedupKey    string
	CreatedAt   time.Time
	AvailableAt time.Time
	Attempts    int
	MaxAttempts int
}

// Handler processes one job. Returning an error retries the job (subject to
// MaxAttempts) after an exponential backoff.
type Handler func(ctx context.Context, job *Job) error

// queueState is the per-named-queue bookkeeping.
type queueState struct {
	mu      sync.Mutex
	pending *list.List // of *Job, insertion order; priority picked at dequeue
	dedup   map[string]struct{}
	ready   chan struct{}

	handler     Handler
	concurrency int
	deadLetter  []*Job
}

// Manager owns the named queues and their worker pools.
type Manager struct {
	logger *slog.Logger
	mu     sync.Mutex
	queues map[Name]*queueState
	wg     sync.WaitGroup
}

// NewManager builds an empty queue manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger, queues: make(map[Name]*queueState)}
}

// Register declares a named queue with its handler and worker concurrency.
// Must be called before Start.
func (m *Manager) Register(name Name, concurrency int, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[name] = &queueState{
		pending:     list.New(),
		dedup:       make(map[string]struct{}),
		ready:       make(chan struct{}, 1),
		handler:     handler,
		concurrency: concurrency,
	}
}

// Enqueue adds a job to the named queue. If job.DedupKey is set and already
// present among pending jobs, the enqueue is silently dropped.
func (m *Manager) Enqueue(name Name, job *Job) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %s: not registered", name)
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 5
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.CreatedAt
	}

	q.mu.Lock()
	if job.DedupKey != "" {
		if _, exists := q.dedup[job.DedupKey]; exists {
			q.mu.Unlock()
			return nil
		}
		q.dedup[job.DedupKey] = struct{}{}
	}
	q.pending.PushBack(job)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of jobs currently pending (not yet handed to a worker).
func (m *Manager) Depth(name Name) int {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Depths returns a depth snapshot across all registered queues, for the
// health endpoint.
func (m *Manager) Depths() map[string]int {
	m.mu.Lock()
	names := make([]Name, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	m.mu.Unlock()

	out := make(map[string]int, len(names))
	for _, n := range names {
		out[string(n)] = m.Depth(n)
	}
	return out
}

// DeadLettered returns the jobs in a queue's dead-letter sink.
func (m *Manager) DeadLettered(name Name) []*Job {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// Start spawns each registered queue's worker pool. Blocks until ctx is
// cancelled, then waits for in-flight workers to drain.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	for name, q := range m.queues {
		for i := 0; i < q.concurrency; i++ {
			m.wg.Add(1)
			go m.runWorker(ctx, name, q)
		}
	}
	m.mu.Unlock()
	<-ctx.Done()
	m.wg.Wait()
}

func (m *Manager) runWorker(ctx context.Context, name Name, q *queueState) {
	defer m.wg.Done()
	for {
		job := m.popReady(q)
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.ready:
				continue
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		if job.AvailableAt.After(time.Now()) {
			m.requeue(q, job)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		job.Attempts++
		if err := q.handler(ctx, job); err != nil {
			m.retryOrDeadLetter(name, q, job, err)
			continue
		}
		m.clearDedup(q, job)
	}
}

func (m *Manager) popReady(q *queueState) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *list.Element
	for e := q.pending.Front(); e != nil; e = e.Next() {
		j := e.Value.(*Job)
		if best == nil || j.Priority > best.Value.(*Job).Priority {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	q.pending.Remove(best)
	return best.Value.(*Job)
}

func (m *Manager) requeue(q *queueState, job *Job) {
	q.mu.Lock()
	q.pending.PushBack(job)
	q.mu.Unlock()
}

func (m *Manager) clearDedup(q *queueState, job *Job) {
	if job.DedupKey == "" {
		return
	}
	q.mu.Lock()
	delete(q.dedup, job.DedupKey)
	q.mu.Unlock()
}

func (m *Manager) retryOrDeadLetter(name Name, q *queueState, job *Job, cause error) {
	if job.Attempts >= job.MaxAttempts {
		m.logger.Error("job exhausted retries, dead-lettering",
			"queue", name, "jobId", job.ID, "type", job.Type, "attempts", job.Attempts, "error", cause)
		q.mu.Lock()
		q.deadLetter = append(q.deadLetter, job)
		delete(q.dedup, job.DedupKey)
		q.mu.Unlock()
		return
	}

	backoff := time.Duration(1<<uint(job.Attempts)) * time.Second
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 5 + 1))
	job.AvailableAt = time.Now().Add(backoff + jitter)

	m.logger.Warn("job failed, retrying",
		"queue", name, "jobId", job.ID, "type", job.Type, "attempts", job.Attempts, "nextAttemptIn", backoff, "error", cause)

	q.mu.Lock()
	q.pending.PushBack(job)
	q.mu.Unlock()
}
