package wire

import "encoding/json"

// ArchiveMessage is published on eyed.archive after every analyze so the
// storage service can persist the raw frame and its pipeline outcome.
// Segmentation stays opaque here; the archive writes it through verbatim.
type ArchiveMessage struct {
	FrameID         string          `json:"frame_id"`
	DeviceID        string          `json:"device_id"`
	Timestamp       string          `json:"timestamp"`
	EyeSide         string          `json:"eye_side"`
	RawJPEGB64      string          `json:"raw_jpeg_b64"`
	QualityScore    float64         `json:"quality_score"`
	IrisTemplateB64 *string         `json:"iris_template_b64,omitempty"`
	LatencyMS       float64         `json:"latency_ms"`
	Error           *string         `json:"error,omitempty"`
	Segmentation    json.RawMessage `json:"segmentation,omitempty"`
	Match           *MatchInfo      `json:"match,omitempty"`
}
