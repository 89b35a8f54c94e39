// Package pool bounds how many backend calls run at the same time.
package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/visao-labs/visao/internal/logging"
	"github.com/visao-labs/visao/internal/metrics"
)

// DefaultWorkers is the worker count used when none is configured.
const DefaultWorkers = 2

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pool closed")

// Pool runs submitted jobs.
type Pool interface {
	// Submit queues job. It blocks until a worker accepts the job, ctx is
	// done, or the pool is closed.
	Submit(ctx context.Context, job func()) error
	// Size returns the maximum number of jobs run concurrently. A job whose
	// backend call timed out keeps its worker until the call returns or one
	// more timeout passes, so a backend that ignores cancellation can hold
	// at most Size calls open.
	Size() int
	// Close stops accepting work and waits for running jobs.
	Close()
}

// Fixed is a pool of long-lived worker goroutines.
type Fixed struct {
	jobs      chan func()
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	size      int
}

// NewFixed starts workers goroutines. workers <= 0 uses DefaultWorkers.
func NewFixed(workers int) *Fixed {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &Fixed{
		jobs: make(chan func()),
		quit: make(chan struct{}),
		size: workers,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Fixed) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			run(job)
		}
	}
}

func run(job func()) {
	metrics.PoolBusyWorkers.Inc()
	defer metrics.PoolBusyWorkers.Dec()
	defer func() {
		if r := recover(); r != nil {
			logging.Logger.Error("pool job panicked", "panic", r)
		}
	}()
	job()
}

// Submit hands job to the next free worker.
func (p *Fixed) Submit(ctx context.Context, job func()) error {
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}
	select {
	case <-p.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job:
		return nil
	}
}

// Size returns the worker count.
func (p *Fixed) Size() int { return p.size }

// Close stops the workers after their current job.
func (p *Fixed) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

// Inline runs every job on the submitting goroutine. It is meant for tests
// and for callers that already bound their own concurrency.
type Inline struct{}

// Submit runs job before returning.
func (Inline) Submit(ctx context.Context, job func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run(job)
	return nil
}

// Size reports zero: Inline imposes no bound.
func (Inline) Size() int { return 0 }

// Close is a no-op.
func (Inline) Close() {}
