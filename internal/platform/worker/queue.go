// Package worker runs fire-and-forget side effects (remote audit delivery,
// key rotation) on a bounded pool so callers never block on them and tests
// can wait for completion.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TaskFunc is a unit of background work. The context carries the per-task
// timeout and is cancelled when the task exceeds it.
type TaskFunc func(ctx context.Context) error

type task struct {
	name string
	fn   TaskFunc
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
}

// FailureHook is invoked after a task returns an error or panics.
type FailureHook func(name string, err error)

// Queue is a bounded background task queue with a fixed number of workers.
type Queue struct {
	logger      zerolog.Logger
	workers     int
	capacity    int
	taskTimeout time.Duration
	onFailure   FailureHook

	tasks chan task
	wg    sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight int
	idle     chan struct{}

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithCapacity sets how many tasks may wait for a worker before Submit drops.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithTaskTimeout bounds the runtime of every task.
func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.taskTimeout = d
		}
	}
}

// WithFailureHook registers a callback for failed tasks.
func WithFailureHook(fn FailureHook) Option {
	return func(q *Queue) {
		q.onFailure = fn
	}
}

// New creates a queue and starts its workers.
func New(logger zerolog.Logger, opts ...Option) *Queue {
	q := &Queue{
		logger:      logger.With().Str("component", "worker-queue").Logger(),
		workers:     4,
		capacity:    256,
		taskTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.tasks = make(chan task, q.capacity)
	q.idle = make(chan struct{})
	close(q.idle)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

// Submit enqueues fn without blocking. It returns false when the queue is
// full or closed; the task is then dropped and logged.
func (q *Queue) Submit(name string, fn TaskFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.dropped.Add(1)
		q.logger.Warn().Str("task", name).Msg("queue closed, task dropped")
		return false
	}

	select {
	case q.tasks <- task{name: name, fn: fn}:
		if q.inflight == 0 {
			q.idle = make(chan struct{})
		}
		q.inflight++
		q.submitted.Add(1)
		return true
	default:
		q.dropped.Add(1)
		q.logger.Error().Str("task", name).Int("capacity", q.capacity).Msg("queue full, task dropped")
		return false
	}
}

// Drain blocks until every submitted task has finished or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain worker queue: %w", ctx.Err())
	}
}

// Close stops accepting tasks, waits for queued work to finish and stops the
// workers. Calling Close more than once is safe.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close worker queue: %w", ctx.Err())
	}
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := q.inflight
	q.mu.Unlock()

	return Stats{
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Pending:   pending,
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.execute(t)
	}
}

func (q *Queue) execute(t task) {
	start := time.Now()
	err := q.safeRun(t)

	if err != nil {
		q.failed.Add(1)
		q.logger.Error().Err(err).Str("task", t.name).Dur("elapsed", time.Since(start)).Msg("background task failed")
		if q.onFailure != nil {
			q.onFailure(t.name, err)
		}
	} else {
		q.completed.Add(1)
	}

	q.mu.Lock()
	q.inflight--
	if q.inflight == 0 {
		close(q.idle)
	}
	q.mu.Unlock()
}

func (q *Queue) safeRun(t task) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(ctx)
}
