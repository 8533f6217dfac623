// Package dispatch runs best-effort side effects (notifications, audit
// writes, timesheet updates) off the request path on a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
)

// Config sizes the pool.
type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Pool is a bounded queue drained by a fixed number of workers. A full
// queue drops the task with a warning instead of blocking the caller.
type Pool struct {
	cfg   Config
	queue chan task
	log   *logger.Logger

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a Pool. Call Start before dispatching.
func NewPool(cfg Config, log *logger.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Pool{
		cfg:   cfg,
		queue: make(chan task, cfg.QueueSize),
		log:   log.Component("dispatch"),
	}
}

// Name implements the worker lifecycle contract.
func (p *Pool) Name() string { return "dispatch" }

// Start launches the workers. Tasks run under a context derived from ctx.
func (p *Pool) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.log.Info().
		Int("workers", p.cfg.Workers).
		Int("queue_size", p.cfg.QueueSize).
		Msg("Dispatch pool started")
	return nil
}

// Stop refuses new tasks, drains the queue and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	p.log.Info().Msg("Dispatch pool stopped")
}

// Dispatch enqueues fn without blocking.
func (p *Pool) Dispatch(name string, fn func(ctx context.Context) error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		metrics.DispatchTasksTotal.WithLabelValues(name, "dropped").Inc()
		p.log.Warn().Str("task", name).Msg("Dispatch pool stopped; task dropped")
		return
	}

	select {
	case p.queue <- task{name: name, fn: fn}:
		metrics.DispatchQueueDepth.Inc()
	default:
		metrics.DispatchTasksTotal.WithLabelValues(name, "dropped").Inc()
		p.log.Warn().Str("task", name).Int("queue_size", p.cfg.QueueSize).Msg("Dispatch queue full; task dropped")
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.queue {
		metrics.DispatchQueueDepth.Dec()
		run(ctx, t, p.cfg.TaskTimeout, p.log)
	}
}

// run executes one task with a timeout, recovering panics.
func run(ctx context.Context, t task, timeout time.Duration, log *logger.Logger) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchTasksTotal.WithLabelValues(t.name, "panicked").Inc()
			log.Error().Str("task", t.name).Str("panic", fmt.Sprint(r)).Msg("Dispatched task panicked")
		}
	}()

	if err := t.fn(ctx); err != nil {
		metrics.DispatchTasksTotal.WithLabelValues(t.name, "failed").Inc()
		log.Warn().Err(err).Str("task", t.name).Msg("Dispatched task failed (non-fatal)")
		return
	}
	metrics.DispatchTasksTotal.WithLabelValues(t.name, "ok").Inc()
}

// Inline runs each task synchronously on the caller's goroutine with the
// same timeout, recovery and logging as Pool. Used by tests and tooling that
// need side effects to have happened when the call returns.
type Inline struct {
	Timeout time.Duration
	Log     *logger.Logger
}

// Dispatch runs fn immediately.
func (d Inline) Dispatch(name string, fn func(ctx context.Context) error) {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	run(context.Background(), task{name: name, fn: fn}, d.Timeout, log)
}
