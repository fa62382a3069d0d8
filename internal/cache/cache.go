package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hasbegun/eyed/internal/wire"
)

// pusher is the queue slice Put needs. *Queue satisfies it.
type pusher interface {
	Push(ctx context.Context, item wire.PendingEnrollment) error
	Depth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Fallback persists an enrollment directly when Redis is unavailable.
// *store.Postgres satisfies it.
type Fallback interface {
	InsertEnrollment(ctx context.Context, item wire.PendingEnrollment) error
}

// Cache is the write-through front: Put lands on the Redis queue and is
// durable once the drainer flushes it. When the queue is down, Put falls
// back to a synchronous database insert and only fails if both paths fail.
type Cache struct {
	queue    pusher
	fallback Fallback
	logger   *slog.Logger
}

// New builds the write-through cache. fallback may be nil when the engine
// runs without a database, in which case a Redis failure surfaces directly.
func New(queue pusher, fallback Fallback, logger *slog.Logger) *Cache {
	return &Cache{queue: queue, fallback: fallback, logger: logger}
}

// Put enqueues an enrollment for batched persistence. The item is considered
// accepted once it is on the queue; durability is the drainer's job.
func (c *Cache) Put(ctx context.Context, item wire.PendingEnrollment) error {
	pushErr := c.queue.Push(ctx, item)
	if pushErr == nil {
		return nil
	}
	if c.fallback == nil {
		return pushErr
	}
	c.logger.Warn("enrollment queue unavailable, inserting directly",
		"template_id", item.TemplateID, "error", pushErr)
	if err := c.fallback.InsertEnrollment(ctx, item); err != nil {
		return fmt.Errorf("cache put failed on both paths: queue: %v, db: %w", pushErr, err)
	}
	return nil
}

// Depth reports the pending queue length, 0 when Redis is unreachable.
func (c *Cache) Depth(ctx context.Context) int64 {
	n, err := c.queue.Depth(ctx)
	if err != nil {
		return 0
	}
	return n
}

// Connected reports whether the queue answers a ping.
func (c *Cache) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.queue.Ping(ctx) == nil
}
