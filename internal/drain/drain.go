// Package drain moves pending enrollments from the Redis queue into
// PostgreSQL in batches. Exactly one drainer per engine process; inserts are
// idempotent (ON CONFLICT DO NOTHING) so replaying a re-queued batch is safe.
package drain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/store"
	"github.com/hasbegun/eyed/internal/wire"
)

const flushTimeout = 30 * time.Second

// Source is the queue side. *cache.Queue satisfies it.
type Source interface {
	PopBatch(ctx context.Context, n int) ([][]byte, error)
	Requeue(ctx context.Context, raw [][]byte) error
	PushDead(ctx context.Context, raw []byte) error
	Depth(ctx context.Context) (int64, error)
}

// Sink is the durable side. *store.Postgres satisfies it.
type Sink interface {
	InsertEnrollments(ctx context.Context, items []wire.PendingEnrollment) error
	InsertEnrollment(ctx context.Context, item wire.PendingEnrollment) error
}

// Config tunes the drain loop. Zero fields take the defaults.
type Config struct {
	BatchSize   int           // max items per flush (default 50)
	Interval    time.Duration // poll cadence (default 1s)
	MaxAttempts int           // poison deliveries before dead-letter (default 3)
	RetryBase   time.Duration // first backoff after a transient failure (default 1s)
	RetryMax    time.Duration // backoff ceiling (default 30s)

	// Metrics, when non-nil, receives flush and dead-letter counts.
	Metrics *metrics.EngineMetrics
}

func (c *Config) defaults() {
	if c.BatchSize < 1 {
		c.BatchSize = 50
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
}

// Stats is a point-in-time counter snapshot for health reporting.
type Stats struct {
	Flushed      int64 `json:"flushed"`
	DeadLettered int64 `json:"dead_lettered"`
	Requeued     int64 `json:"requeued"`
}

// Drainer is the single background consumer of the enrollment queue.
type Drainer struct {
	src    Source
	sink   Sink
	cfg    Config
	logger *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	flushed      atomic.Int64
	deadLettered atomic.Int64
	requeued     atomic.Int64
}

// New builds a drainer. Call Start to begin draining.
func New(src Source, sink Sink, cfg Config, logger *slog.Logger) *Drainer {
	cfg.defaults()
	return &Drainer{
		src:    src,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the drain loop.
func (d *Drainer) Start() {
	go d.loop()
}

// Stop halts the loop, then flushes whatever is still queued until the queue
// is empty or ctx expires. Items left behind survive in Redis for the next
// process.
func (d *Drainer) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := d.flushOnce(ctx)
		if err != nil {
			return fmt.Errorf("final flush: %w", err)
		}
		if n == 0 {
			d.logger.Info("enrollment queue drained", "flushed_total", d.flushed.Load())
			return nil
		}
	}
}

// Stats returns counter totals since Start.
func (d *Drainer) Stats() Stats {
	return Stats{
		Flushed:      d.flushed.Load(),
		DeadLettered: d.deadLettered.Load(),
		Requeued:     d.requeued.Load(),
	}
}

func (d *Drainer) loop() {
	defer close(d.done)
	backoff := d.cfg.RetryBase
	for {
		select {
		case <-d.stop:
			return
		case <-time.After(d.cfg.Interval):
		}
		for {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			n, err := d.flushOnce(ctx)
			cancel()
			if err != nil {
				d.logger.Warn("enrollment flush failed, backing off",
					"backoff", backoff, "error", err)
				select {
				case <-d.stop:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > d.cfg.RetryMax {
					backoff = d.cfg.RetryMax
				}
				continue
			}
			backoff = d.cfg.RetryBase
			if n < d.cfg.BatchSize {
				break
			}
		}
	}
}

// flushOnce pops one window and persists it. It returns the number of items
// popped; a non-nil error means a transient failure after the window was
// re-queued, so the caller should back off.
func (d *Drainer) flushOnce(ctx context.Context) (int, error) {
	raw, err := d.src.PopBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}

	items := make([]wire.PendingEnrollment, 0, len(raw))
	kept := make([][]byte, 0, len(raw))
	for _, r := range raw {
		var item wire.PendingEnrollment
		if err := json.Unmarshal(r, &item); err != nil {
			d.logger.Warn("dead-lettering malformed enrollment", "error", err)
			d.deadLetter(ctx, r)
			continue
		}
		items = append(items, item)
		kept = append(kept, r)
	}
	if len(items) == 0 {
		return len(raw), nil
	}

	err = d.sink.InsertEnrollments(ctx, items)
	switch {
	case err == nil:
		d.flushed.Add(int64(len(items)))
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.DrainBatches.Inc()
			d.cfg.Metrics.DrainBatchSize.Observe(float64(len(items)))
		}
		d.logger.Info("drained enrollment batch", "count", len(items))
		return len(raw), nil
	case !poison(err):
		// Transient (connection, timeout): the whole window goes back to
		// the head with attempts untouched, oldest still first.
		if rqErr := d.src.Requeue(ctx, kept); rqErr != nil {
			d.logger.Error("requeue after transient failure lost items",
				"count", len(kept), "error", rqErr)
		} else {
			d.requeued.Add(int64(len(kept)))
		}
		return len(raw), err
	default:
		// Something in the batch is unstorable. Retry items one at a time
		// so one bad row cannot wedge the queue.
		d.isolate(ctx, items, kept)
		return len(raw), nil
	}
}

// isolate re-inserts a failed batch item by item. Poison items get an
// attempts bump and eventually the dead-letter list; transient failures go
// back unchanged.
func (d *Drainer) isolate(ctx context.Context, items []wire.PendingEnrollment, kept [][]byte) {
	var retry [][]byte
	for i, item := range items {
		err := d.sink.InsertEnrollment(ctx, item)
		switch {
		case err == nil:
			d.flushed.Add(1)
		case poison(err):
			item.Attempts++
			if item.Attempts >= d.cfg.MaxAttempts {
				d.logger.Error("dead-lettering poison enrollment",
					"template_id", item.TemplateID, "attempts", item.Attempts, "error", err)
				payload, mErr := json.Marshal(item)
				if mErr != nil {
					payload = kept[i]
				}
				d.deadLetter(ctx, payload)
			} else {
				d.logger.Warn("re-queueing poison enrollment",
					"template_id", item.TemplateID, "attempts", item.Attempts, "error", err)
				payload, mErr := json.Marshal(item)
				if mErr != nil {
					payload = kept[i]
				}
				retry = append(retry, payload)
			}
		default:
			retry = append(retry, kept[i])
		}
	}
	if len(retry) == 0 {
		return
	}
	if err := d.src.Requeue(ctx, retry); err != nil {
		d.logger.Error("requeue after isolation lost items", "count", len(retry), "error", err)
		return
	}
	d.requeued.Add(int64(len(retry)))
}

func (d *Drainer) deadLetter(ctx context.Context, raw []byte) {
	if err := d.src.PushDead(ctx, raw); err != nil {
		d.logger.Error("dead-letter push failed, item dropped", "error", err)
		return
	}
	d.deadLettered.Add(1)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.DrainDeadLetter.Inc()
	}
}

// poison reports whether err marks the item itself as unstorable: malformed
// fields (store.ErrBadItem) or a PostgreSQL data/integrity error. Anything
// else is treated as transient and retried without an attempts bump.
func poison(err error) bool {
	if errors.Is(err, store.ErrBadItem) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		return class == "22" || class == "23"
	}
	return false
}
