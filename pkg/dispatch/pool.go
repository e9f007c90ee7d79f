// Package dispatch provides the asynchronous unit-of-work pool that
// decouples invocation requests from execution. Handoff is
// at-least-once: a task that fails is retried exactly once at this
// level; anything beyond that is the task's own responsibility.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskpilot/agentd/internal/tracing"
)

var (
	// ErrQueueFull is returned when the dispatch queue has no capacity
	ErrQueueFull = errors.New("dispatch queue is full")

	// ErrClosed is returned when the pool is shutting down
	ErrClosed = errors.New("dispatch pool is closed")
)

// Task is one asynchronous unit of work
type Task func(ctx context.Context) error

type job struct {
	id      string
	task    Task
	attempt int
}

// Pool is a bounded multi-worker task pool
type Pool struct {
	jobs    chan job
	workers int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// OnDepth and OnRetry are optional metrics hooks.
	OnDepth func(depth int)
	OnRetry func()
}

// New creates a pool and starts its workers
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:    make(chan job, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Enqueue hands a task to the pool without blocking. A full queue is a
// dispatch failure the caller must surface; nothing is silently queued
// elsewhere.
func (p *Pool) Enqueue(id string, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.jobs <- job{id: id, task: task}:
		p.reportDepth()
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.reportDepth()
			p.run(j)
		}
	}
}

func (p *Pool) run(j job) {
	ctx, span := tracing.StartSpan(p.ctx, "dispatch", "dispatch.task",
		attribute.String("task_id", j.id),
		attribute.Int("attempt", j.attempt),
	)
	defer span.End()

	err := j.task(ctx)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if j.attempt == 0 {
		log.Warn().Err(err).Str("task_id", j.id).Msg("Task failed, retrying once")
		if p.OnRetry != nil {
			p.OnRetry()
		}
		j.attempt++
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			log.Error().Str("task_id", j.id).Msg("Retry dropped, pool is closing")
			return
		}
		select {
		case p.jobs <- j:
			p.reportDepth()
		default:
			log.Error().Str("task_id", j.id).Msg("Retry dropped, dispatch queue full")
		}
		p.mu.Unlock()
		return
	}

	log.Error().Err(err).Str("task_id", j.id).Msg("Task failed after retry")
}

func (p *Pool) reportDepth() {
	if p.OnDepth != nil {
		p.OnDepth(len(p.jobs))
	}
}

// Close stops accepting work and waits for in-flight tasks to finish
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
