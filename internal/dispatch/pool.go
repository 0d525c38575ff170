// Package dispatch runs subscription callbacks on a bounded worker pool.
//
// Submission never blocks: when the queue is full the task is dropped, counted
// and logged, so that a slow subscriber cannot stall update ingestion or the
// fan-out to other subscribers.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/internal/metrics"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// Task is a unit of callback work.
type Task func(ctx context.Context)

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	workers int
	tasks   chan Task

	logger  types.Logger
	metrics types.DispatchMetrics

	mu      sync.RWMutex // guards closing tasks against concurrent Submit
	closed  bool
	started atomic.Bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l types.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the pool metrics sink.
func WithMetrics(m types.DispatchMetrics) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// New creates a pool. Non-positive sizes fall back to 1 worker and a queue of 1.
//
// Parameters:
//   - workers: Number of worker goroutines
//   - queueSize: Maximum number of queued tasks
//   - opts: Optional logger and metrics
//
// Returns:
//   - *Pool: A pool that must be started with Start
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	p := &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  logger.NewNop(),
		metrics: metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start launches the workers. Tasks run with ctx; calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	for range p.workers {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Submit queues a task without blocking.
//
// Returns:
//   - bool: false if the task was dropped (queue full or pool stopped)
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.tasks <- task:
		p.metrics.RecordDispatchQueueDepth(len(p.tasks))

		return true
	default:
		p.dropped.Add(1)
		p.metrics.RecordDispatchDropped()
		p.logger.Warn("dispatch queue full, dropping callback", "queue_size", cap(p.tasks))

		return false
	}
}

// Stop closes the queue and waits for workers to drain the queued tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Dropped returns the number of tasks dropped so far.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.execute(ctx, task)
	}
}

func (p *Pool) execute(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("subscription callback panicked", "panic", r)
		}
	}()

	task(ctx)
}
