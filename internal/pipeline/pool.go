package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrPoolTimeout is returned when an acquire deadline expires before a
// worker frees up. Admission control turns it into accepted=false rather
// than an error response.
var ErrPoolTimeout = errors.New("pipeline pool: acquire timed out")

type worker struct {
	p     Pipeline
	inUse atomic.Bool
}

// Pool is a fixed set of pre-initialized pipeline workers. Acquire blocks
// until a worker is free or ctx ends; blocked acquirers are served in FIFO
// order. The pool never grows.
type Pool struct {
	workers chan *worker
	size    int
	logger  *slog.Logger
}

// NewPool builds size workers up front via factory. Any factory error
// aborts construction.
func NewPool(size int, factory Factory, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pipeline pool size must be >= 1, got %d", size)
	}
	pool := &Pool{
		workers: make(chan *worker, size),
		size:    size,
		logger:  logger,
	}
	start := time.Now()
	for i := 0; i < size; i++ {
		p, err := factory()
		if err != nil {
			return nil, fmt.Errorf("init pipeline %d/%d: %w", i+1, size, err)
		}
		pool.workers <- &worker{p: p}
		logger.Debug("pipeline instance loaded", "n", i+1, "of", size)
	}
	logger.Info("pipeline pool ready", "size", size, "elapsed", time.Since(start).Round(time.Millisecond))
	return pool, nil
}

// Acquire leases a worker. The caller must Release the lease on every exit
// path; prefer Analyze unless the worker is held across multiple images.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case w := <-p.workers:
		w.inUse.Store(true)
		return &Lease{w: w, pool: p}, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrPoolTimeout
		}
		return nil, ctx.Err()
	}
}

// Analyze is the scoped-acquisition path: lease, run, release.
func (p *Pool) Analyze(ctx context.Context, jpegData []byte) (*Result, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Pipeline().Analyze(ctx, jpegData)
}

// Size returns the configured worker count.
func (p *Pool) Size() int { return p.size }

// Stats reports pool occupancy for health payloads.
func (p *Pool) Stats() Stats {
	return Stats{Size: p.size, Available: len(p.workers)}
}

// Stats is a point-in-time occupancy snapshot.
type Stats struct {
	Size      int `json:"size"`
	Available int `json:"available"`
}

// Lease is an exclusive hold on one worker.
type Lease struct {
	w    *worker
	pool *Pool
}

// Pipeline returns the leased worker. Only valid until Release.
func (l *Lease) Pipeline() Pipeline { return l.w.p }

// Release returns the worker to the pool. Safe to call more than once;
// only the first call gives the worker back.
func (l *Lease) Release() {
	if l == nil || l.w == nil {
		return
	}
	if !l.w.inUse.CompareAndSwap(true, false) {
		return
	}
	l.pool.workers <- l.w
}
