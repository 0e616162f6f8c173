// Package bridge runs blocking work, such as store calls, on a fixed set of
// workers behind a bounded queue so connection loops never block on I/O they
// do not own.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
)

var (
	// ErrSaturated is returned when the queue stays full for the whole enqueue timeout.
	ErrSaturated = errors.New("bridge: worker pool saturated")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bridge: pool closed")
	// ErrPanicked wraps a panic raised by a job.
	ErrPanicked = errors.New("bridge: job panicked")
)

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Pool is a fixed-size worker pool with a bounded input queue.
type Pool struct {
	jobs           chan job
	enqueueTimeout time.Duration
	wg             sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines reading from a queue of the given capacity.
// enqueueTimeout bounds how long Do waits for a queue slot; zero means fail fast.
func NewPool(workers, queue int, enqueueTimeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		jobs:           make(chan job, queue),
		enqueueTimeout: enqueueTimeout,
	}
	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		j.done <- run(j)
	}
}

// run calls the job, turning a panic into its error so the worker survives.
func run(j job) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = j.fn(j.ctx) })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("%w: %w", ErrPanicked, r.AsError())
	}
	return err
}

// Do runs fn on a worker and waits for it to return.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := p.enqueue(ctx, j); err != nil {
		return err
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.jobs <- j:
		return nil
	default:
	}
	if p.enqueueTimeout <= 0 {
		return ErrSaturated
	}

	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()
	select {
	case p.jobs <- j:
		return nil
	case <-timer.C:
		return ErrSaturated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports how many jobs are waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

// Close stops accepting work, lets queued jobs finish and waits for workers.
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
}
