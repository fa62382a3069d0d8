package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/wire"
	"github.com/hasbegun/eyed/internal/ws"
)

// maxPending bounds the tracker map. At streaming rates a handful of frames
// are in flight; thousands means the engine stopped answering and the
// breaker is about to open anyway.
const maxPending = 4096

func ackKey(deviceID, frameID string) string { return deviceID + "|" + frameID }

type pendingAck struct {
	done    func(success bool)
	expires time.Time
}

// AckTracker holds the breaker callback for every published frame until the
// engine's result comes back on eyed.result. A frame whose result never
// arrives counts as a failure, so a dead engine opens the breaker even
// though publishes to the bus keep succeeding.
type AckTracker struct {
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingAck
}

// NewAckTracker builds a tracker that fails any frame unanswered within
// timeout.
func NewAckTracker(timeout time.Duration, logger *slog.Logger) *AckTracker {
	return &AckTracker{
		timeout: timeout,
		log:     logger,
		pending: make(map[string]pendingAck),
	}
}

// track parks done until resolve or expiry. A duplicate key supersedes the
// old entry; its outcome is unknowable so it settles as a success rather
// than feeding phantom failures into the breaker.
func (t *AckTracker) track(key string, done func(success bool)) {
	t.mu.Lock()
	old, dup := t.pending[key]
	if !dup && len(t.pending) >= maxPending {
		t.mu.Unlock()
		done(false)
		return
	}
	t.pending[key] = pendingAck{done: done, expires: time.Now().Add(t.timeout)}
	t.mu.Unlock()

	if dup {
		old.done(true)
	}
}

// resolve settles the frame as answered. Unknown keys are fine: REST analyze
// calls also publish results, and those were never tracked.
func (t *AckTracker) resolve(key string) {
	t.mu.Lock()
	entry, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if ok {
		entry.done(true)
	}
}

// Run expires overdue entries until ctx is cancelled.
func (t *AckTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.expire(now)
		}
	}
}

func (t *AckTracker) expire(now time.Time) {
	var overdue []pendingAck
	t.mu.Lock()
	for key, entry := range t.pending {
		if entry.expires.Before(now) {
			overdue = append(overdue, entry)
			delete(t.pending, key)
		}
	}
	t.mu.Unlock()

	for _, entry := range overdue {
		entry.done(false)
	}
	if len(overdue) > 0 {
		t.log.Debug("frames expired without a result", "count", len(overdue))
	}
}

func (t *AckTracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ResultFanout consumes eyed.result: it settles the tracker entry for the
// frame and pushes the payload to every /ws/results client.
type ResultFanout struct {
	hub *ws.Hub
	trk *AckTracker
	log *slog.Logger
	met *metrics.GatewayMetrics
}

// NewResultFanout builds the eyed.result handler.
func NewResultFanout(hub *ws.Hub, trk *AckTracker, logger *slog.Logger, met *metrics.GatewayMetrics) *ResultFanout {
	return &ResultFanout{hub: hub, trk: trk, log: logger, met: met}
}

// HandleMessage is the eyed.result subscription callback.
func (f *ResultFanout) HandleMessage(msg *nats.Msg) {
	var resp wire.AnalyzeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		f.log.Warn("undecodable result dropped", "error", err)
		return
	}

	// Any result, including a pipeline error or an admission rejection,
	// proves the engine is alive.
	f.trk.resolve(ackKey(resp.DeviceID, resp.FrameID))

	switch {
	case resp.Rejected():
		f.log.Warn("engine rejected frame", "device_id", resp.DeviceID,
			"frame_id", resp.FrameID, "queue_depth", resp.QueueDepth)
	case resp.Error != "":
		f.log.Debug("analysis failed", "device_id", resp.DeviceID,
			"frame_id", resp.FrameID, "error", resp.Error)
	case resp.Match != nil && resp.Match.IsMatch:
		f.log.Info("match", "device_id", resp.DeviceID,
			"identity_id", resp.Match.MatchedIdentityID,
			"identity_name", resp.Match.MatchedIdentityName,
			"hamming_distance", resp.Match.HammingDistance,
			"latency_ms", resp.LatencyMS)
	}

	f.hub.Broadcast(&resp)
	f.met.ResultsFanned.Inc()
}
