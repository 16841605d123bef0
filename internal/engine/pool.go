package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolSaturated signals that the job queue is full and the caller
// should skip or retry later.
var ErrPoolSaturated = errors.New("worker pool saturated")

// ErrPoolClosed signals a submission after Stop.
var ErrPoolClosed = errors.New("worker pool closed")

// WorkerPool runs CPU-bound detector work on a fixed set of goroutines so
// fits and batch predictions never run on the ingestion path.
type WorkerPool struct {
	logger  *slog.Logger
	workers int
	jobs    chan func()

	mu     sync.RWMutex
	closed bool

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWorkerPool sizes a pool with the given worker count and a job queue
// of four slots per worker.
func NewWorkerPool(logger *slog.Logger, workers int) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	return &WorkerPool{
		logger:  logger,
		workers: workers,
		jobs:    make(chan func(), workers*4),
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		p.logger.Debug("worker pool started", slog.Int("workers", p.workers))
	})
}

// Submit enqueues a job without blocking. Returns ErrPoolSaturated when
// the queue is full and ErrPoolClosed after Stop.
func (p *WorkerPool) Submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// SubmitWait enqueues a job and blocks until it completes or ctx ends.
// The job still runs to completion even if ctx expires first.
func (p *WorkerPool) SubmitWait(ctx context.Context, job func()) error {
	done := make(chan struct{})
	if err := p.Submit(func() {
		defer close(done)
		job()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of queued jobs.
func (p *WorkerPool) Depth() int {
	return len(p.jobs)
}

// Stop closes the queue and waits for workers to finish the jobs already
// accepted.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
		p.wg.Wait()
		p.logger.Debug("worker pool stopped")
	})
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}
