// Package archive persists analyzed frames. The engine publishes one
// wire.ArchiveMessage per analyze on eyed.archive; this handler writes the
// raw JPEG and a metadata sidecar under raw/<date>/<device>/<frame> so the
// tree stays browsable and the retention purger can reason about age from
// the directory name alone.
package archive

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/objstore"
	"github.com/hasbegun/eyed/internal/wire"
)

// Metadata is the sidecar written next to each raw JPEG.
type Metadata struct {
	FrameID   string         `json:"frame_id"`
	DeviceID  string         `json:"device_id"`
	Timestamp string         `json:"timestamp"`
	EyeSide   string         `json:"eye_side"`
	Quality   float64        `json:"quality_score"`
	Pipeline  PipelineResult `json:"pipeline_result"`
}

// PipelineResult is the analysis outcome portion of the sidecar.
type PipelineResult struct {
	Segmentation json.RawMessage `json:"segmentation,omitempty"`
	Match        *wire.MatchInfo `json:"match,omitempty"`
	LatencyMS    float64         `json:"latency_ms"`
	Error        *string         `json:"error,omitempty"`
}

// Handler consumes eyed.archive and writes frames into an ObjectStore.
type Handler struct {
	store objstore.ObjectStore
	log   *slog.Logger
	met   *metrics.StorageMetrics

	archived atomic.Int64
	errors   atomic.Int64
}

// NewHandler builds an archive handler. met may be nil in tests.
func NewHandler(store objstore.ObjectStore, log *slog.Logger, met *metrics.StorageMetrics) *Handler {
	return &Handler{store: store, log: log, met: met}
}

// HandleMessage is the NATS subscription callback for eyed.archive.
func (h *Handler) HandleMessage(msg *nats.Msg) {
	var m wire.ArchiveMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		h.errors.Add(1)
		if h.met != nil {
			h.met.ArchiveErrors.Inc()
		}
		h.log.Error("failed to unmarshal archive message", "error", err)
		return
	}

	if err := h.Archive(&m); err != nil {
		h.errors.Add(1)
		if h.met != nil {
			h.met.ArchiveErrors.Inc()
		}
		h.log.Error("failed to archive frame",
			"frame_id", m.FrameID, "device_id", m.DeviceID, "error", err)
		return
	}

	h.archived.Add(1)
	if h.met != nil {
		h.met.FramesArchived.Inc()
	}
	h.log.Debug("archived frame", "frame_id", m.FrameID, "device_id", m.DeviceID)
}

// Archive writes the JPEG (when present) and the metadata sidecar.
func (h *Handler) Archive(m *wire.ArchiveMessage) error {
	date := extractDate(m.Timestamp)
	deviceID := sanitizePath(m.DeviceID)
	frameID := sanitizePath(m.FrameID)

	if m.RawJPEGB64 != "" {
		jpeg, err := base64.StdEncoding.DecodeString(m.RawJPEGB64)
		if err != nil {
			return fmt.Errorf("decode jpeg base64: %w", err)
		}
		path := fmt.Sprintf("raw/%s/%s/%s.jpg", date, deviceID, frameID)
		if err := h.store.Put(path, jpeg); err != nil {
			return fmt.Errorf("write jpeg: %w", err)
		}
	}

	meta := Metadata{
		FrameID:   m.FrameID,
		DeviceID:  m.DeviceID,
		Timestamp: m.Timestamp,
		EyeSide:   m.EyeSide,
		Quality:   m.QualityScore,
		Pipeline: PipelineResult{
			Segmentation: m.Segmentation,
			Match:        m.Match,
			LatencyMS:    m.LatencyMS,
			Error:        m.Error,
		},
	}
	blob, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	path := fmt.Sprintf("raw/%s/%s/%s.meta.json", date, deviceID, frameID)
	if err := h.store.Put(path, blob); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Stats returns archived and error counts since start.
func (h *Handler) Stats() (archived, errors int64) {
	return h.archived.Load(), h.errors.Load()
}

// extractDate turns an RFC3339 timestamp into a YYYY-MM-DD directory name,
// falling back to today (UTC) when it will not parse.
func extractDate(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t, err = time.Parse(time.RFC3339, ts)
	}
	if err != nil {
		t = time.Now().UTC()
	}
	return t.Format("2006-01-02")
}

// sanitizePath scrubs separators and dot-dot so device and frame ids cannot
// escape the archive root.
func sanitizePath(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		s = "unknown"
	}
	return s
}
