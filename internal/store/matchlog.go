package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MatchLogEntry is one row of the match audit log.
type MatchLogEntry struct {
	ProbeFrameID      string
	MatchedTemplateID *uuid.UUID
	MatchedIdentityID *uuid.UUID
	HammingDistance   float64
	IsMatch           bool
	DeviceID          string
	LatencyMS         float64
}

// InsertMatchEntries batch-inserts audit rows.
func (p *Postgres) InsertMatchEntries(ctx context.Context, entries []MatchLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	const cols = 7
	var sb strings.Builder
	sb.WriteString(`INSERT INTO match_log
		(probe_frame_id, matched_template_id, matched_identity_id,
		 hamming_distance, is_match, device_id, latency_ms) VALUES `)
	args := make([]interface{}, 0, len(entries)*cols)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c+1)
		}
		sb.WriteString(")")
		var tplID, identID interface{}
		if e.MatchedTemplateID != nil {
			tplID = *e.MatchedTemplateID
		}
		if e.MatchedIdentityID != nil {
			identID = *e.MatchedIdentityID
		}
		args = append(args, e.ProbeFrameID, tplID, identID,
			e.HammingDistance, e.IsMatch, e.DeviceID, e.LatencyMS)
	}
	if _, err := p.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert match log: %w", err)
	}
	return nil
}

// matchInserter is what the writer needs from the database.
type matchInserter interface {
	InsertMatchEntries(ctx context.Context, entries []MatchLogEntry) error
}

const (
	matchLogQueueSize = 1000
	matchLogBatchMax  = 50
	matchLogFlushWait = 2 * time.Second
)

// MatchLogWriter batches audit rows in the background so the analyze path
// never blocks on the database. Log drops entries when the queue is full;
// the audit log is best-effort.
type MatchLogWriter struct {
	sink   matchInserter
	logger *slog.Logger
	queue  chan MatchLogEntry
	done   chan struct{}
}

// NewMatchLogWriter builds a writer around the given sink.
func NewMatchLogWriter(sink matchInserter, logger *slog.Logger) *MatchLogWriter {
	return &MatchLogWriter{
		sink:   sink,
		logger: logger,
		queue:  make(chan MatchLogEntry, matchLogQueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the drain loop.
func (w *MatchLogWriter) Start() {
	go w.drainLoop()
}

// Log enqueues an entry without blocking. Full queue drops the entry.
func (w *MatchLogWriter) Log(entry MatchLogEntry) {
	select {
	case w.queue <- entry:
	default:
	}
}

// Stop closes the queue and waits for the drain loop to flush what remains.
func (w *MatchLogWriter) Stop(ctx context.Context) {
	close(w.queue)
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("match log writer stop timed out")
	}
}

func (w *MatchLogWriter) drainLoop() {
	defer close(w.done)
	for entry, ok := <-w.queue; ok; entry, ok = <-w.queue {
		batch := []MatchLogEntry{entry}
		// Gather more rows until the batch is full or the flush window
		// closes, so one insert covers a burst.
		timer := time.NewTimer(matchLogFlushWait)
	gather:
		for len(batch) < matchLogBatchMax {
			select {
			case e, more := <-w.queue:
				if !more {
					break gather
				}
				batch = append(batch, e)
			case <-timer.C:
				break gather
			}
		}
		timer.Stop()
		w.insert(batch)
	}
}

func (w *MatchLogWriter) insert(batch []MatchLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.sink.InsertMatchEntries(ctx, batch); err != nil {
		w.logger.Error("Failed to batch-insert match log entries",
			"count", len(batch), "error", err)
	}
}
