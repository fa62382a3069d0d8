// Package store is the PostgreSQL persistence layer: identities, templates
// and the match audit log, plus the read-only inspector queries behind the
// admin DB browser. Template blobs are stored opaque; callers decide the
// format (NPZ, HEv1, optional EYED1 envelope).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("not found")

// ErrBadItem marks non-retryable item errors: payloads that cannot be
// decoded into a template row. The drainer routes these to the dead-letter
// list instead of retrying.
var ErrBadItem = errors.New("bad enrollment item")

// Postgres wraps the connection pool with all EyeD table operations.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL and verifies the connection. minConns/maxConns
// bound the pool the way the deployment files size it (2-5 by default).
func Open(url string, minConns, maxConns int, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if minConns > 0 {
		db.SetMaxIdleConns(minConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL pool created", "min", minConns, "max", maxConns)
	return &Postgres{db: db, logger: logger}, nil
}

// EnsureSchema creates the tables the core stores into if they do not exist
// yet. Production deployments normally migrate out of band; this keeps dev
// and test environments self-bootstrapping.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			identity_id UUID PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			template_id   UUID PRIMARY KEY,
			identity_id   UUID NOT NULL REFERENCES identities(identity_id) ON DELETE CASCADE,
			eye_side      TEXT NOT NULL DEFAULT 'unknown',
			iris_codes    BYTEA NOT NULL,
			mask_codes    BYTEA NOT NULL,
			width         INTEGER NOT NULL DEFAULT 0,
			height        INTEGER NOT NULL DEFAULT 0,
			n_scales      INTEGER NOT NULL DEFAULT 0,
			quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			device_id     TEXT NOT NULL DEFAULT '',
			format        TEXT NOT NULL DEFAULT 'npz',
			enrolled_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS templates_identity_idx ON templates (identity_id)`,
		`CREATE TABLE IF NOT EXISTS match_log (
			log_id              BIGSERIAL PRIMARY KEY,
			probe_frame_id      TEXT,
			matched_template_id UUID,
			matched_identity_id UUID,
			hamming_distance    DOUBLE PRECISION,
			is_match            BOOLEAN NOT NULL DEFAULT FALSE,
			device_id           TEXT,
			latency_ms          DOUBLE PRECISION,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the connection is still alive.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.logger.Info("PostgreSQL pool closed")
	return p.db.Close()
}
