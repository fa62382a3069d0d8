// Package cache is the Redis write-through tier for enrollment durability.
// Templates are RPUSHed onto a well-known list and acknowledged sub-ms; a
// separate drainer (internal/drain) moves them into PostgreSQL in batches.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hasbegun/eyed/internal/wire"
)

const (
	// QueueKey holds pending enrollments, oldest at the head.
	QueueKey = "eyed:enroll:queue"
	// DeadLetterKey holds items that exhausted their delivery attempts.
	DeadLetterKey = "eyed:enroll:dlq"
)

// Queue wraps the Redis list operations the cache and drainer share.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewQueue connects to Redis. An unreachable server is not fatal: the client
// reconnects on its own and Put has a direct-DB fallback, so startup races
// against the Redis container resolve themselves. Connected reports the
// current state.
func NewQueue(url string, logger *slog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, starting degraded", "addr", opts.Addr, "error", err)
	} else {
		logger.Info("Redis connected", "addr", opts.Addr)
	}
	return &Queue{rdb: rdb, logger: logger}, nil
}

// Push serializes the item and RPUSHes it onto the queue tail.
func (q *Queue) Push(ctx context.Context, item wire.PendingEnrollment) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal enrollment: %w", err)
	}
	if err := q.rdb.RPush(ctx, QueueKey, payload).Err(); err != nil {
		return fmt.Errorf("rpush enrollment: %w", err)
	}
	return nil
}

// PopBatch atomically removes up to n items from the head (the oldest end)
// and returns their raw payloads in arrival order. LRANGE plus LTRIM run in
// one pipeline so no other consumer can slip between them.
func (q *Queue) PopBatch(ctx context.Context, n int) ([][]byte, error) {
	if n < 1 {
		return nil, nil
	}
	pipe := q.rdb.TxPipeline()
	window := pipe.LRange(ctx, QueueKey, 0, int64(n-1))
	pipe.LTrim(ctx, QueueKey, int64(n), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pop enrollment batch: %w", err)
	}
	vals := window.Val()
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Requeue puts raw payloads (in arrival order) back at the head so they are
// popped next, in the same order. Used when a batch insert fails transiently.
func (q *Queue) Requeue(ctx context.Context, raw [][]byte) error {
	if len(raw) == 0 {
		return nil
	}
	// LPUSH prepends one arg at a time, so pushing in reverse arrival order
	// leaves raw[0] back at the head.
	args := make([]interface{}, len(raw))
	for i, r := range raw {
		args[len(raw)-1-i] = r
	}
	if err := q.rdb.LPush(ctx, QueueKey, args...).Err(); err != nil {
		return fmt.Errorf("requeue enrollment batch: %w", err)
	}
	return nil
}

// PushDead moves a raw payload onto the dead-letter list.
func (q *Queue) PushDead(ctx context.Context, raw []byte) error {
	if err := q.rdb.RPush(ctx, DeadLetterKey, raw).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// Depth returns the number of pending enrollments.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, QueueKey).Result()
}

// DeadDepth returns the dead-letter list length.
func (q *Queue) DeadDepth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, DeadLetterKey).Result()
}

// Ping verifies the connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close shuts down the client.
func (q *Queue) Close() error {
	q.logger.Info("Redis connection closed")
	return q.rdb.Close()
}
