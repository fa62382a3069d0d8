// Package wire defines the JSON message types exchanged over the bus and the
// realtime sockets. Every subject has a closed Go type here; handlers decode
// into these rather than free-form maps so that a field rename is a compile
// error, not a silent nil.
//
// Field names are part of the wire contract shared with the capture firmware
// and the UI. Do not rename tags.
package wire

import "encoding/json"

// AnalyzeRequest is published on eyed.analyze for every admitted frame and
// for the REST /analyze relays.
type AnalyzeRequest struct {
	FrameID      string  `json:"frame_id"`
	DeviceID     string  `json:"device_id"`
	JPEGB64      string  `json:"jpeg_b64"`
	QualityScore float64 `json:"quality_score"`
	EyeSide      string  `json:"eye_side"`
	IsNIR        bool    `json:"is_nir"`
	Timestamp    string  `json:"timestamp"`
	// Detail requests intermediate geometry/quality/visualizations
	// (REST /analyze/detailed only; stream traffic never sets it).
	Detail bool `json:"detail,omitempty"`
}

// MatchInfo is the match decision carried inside an AnalyzeResponse.
type MatchInfo struct {
	HammingDistance     float64 `json:"hamming_distance"`
	IsMatch             bool    `json:"is_match"`
	MatchedIdentityID   string  `json:"matched_identity_id,omitempty"`
	MatchedIdentityName string  `json:"matched_identity_name,omitempty"`
	BestRotation        int     `json:"best_rotation"`
}

// EyeGeometry locates the pupil and iris circles in the source frame.
type EyeGeometry struct {
	PupilX      float64 `json:"pupil_x"`
	PupilY      float64 `json:"pupil_y"`
	PupilRadius float64 `json:"pupil_r"`
	IrisX       float64 `json:"iris_x"`
	IrisY       float64 `json:"iris_y"`
	IrisRadius  float64 `json:"iris_r"`
}

// QualityMetrics are scalar quality measures from the pipeline pass.
type QualityMetrics struct {
	Sharpness         float64 `json:"sharpness"`
	OcclusionFraction float64 `json:"occlusion_fraction"`
	PupilIrisRatio    float64 `json:"pupil_iris_ratio"`
}

// AnalyzeDetail is attached when AnalyzeRequest.Detail is set. Images maps
// visualization name to a base64 PNG/JPEG.
type AnalyzeDetail struct {
	Geometry *EyeGeometry      `json:"geometry,omitempty"`
	Quality  *QualityMetrics   `json:"quality,omitempty"`
	Images   map[string]string `json:"images,omitempty"`
}

// AnalyzeResponse is the reply to eyed.analyze and the payload published on
// eyed.result for UI fan-out. Error is a human-readable pipeline message;
// its presence means the image failed, not the system.
type AnalyzeResponse struct {
	FrameID         string         `json:"frame_id"`
	DeviceID        string         `json:"device_id"`
	Match           *MatchInfo     `json:"match,omitempty"`
	IrisTemplateB64 string         `json:"iris_template_b64,omitempty"`
	LatencyMS       float64        `json:"latency_ms"`
	Error           string         `json:"error,omitempty"`
	Detail          *AnalyzeDetail `json:"detail,omitempty"`
	// Admission rejection (pool exhausted). Accepted defaults to true on
	// the happy path; QueueDepth accompanies a false value.
	Accepted   *bool `json:"accepted,omitempty"`
	QueueDepth int   `json:"queue_depth,omitempty"`
}

// Rejected reports whether the engine refused the request at admission.
func (r *AnalyzeResponse) Rejected() bool {
	return r.Accepted != nil && !*r.Accepted
}

// NewRejection builds the admission-refusal reply for a full work queue.
func NewRejection(frameID, deviceID string, queueDepth int) *AnalyzeResponse {
	accepted := false
	return &AnalyzeResponse{
		FrameID:    frameID,
		DeviceID:   deviceID,
		Accepted:   &accepted,
		QueueDepth: queueDepth,
		Error:      "engine busy",
	}
}

// SignalMessage is the opaque envelope relayed between a capture device and
// its viewers on /ws/signaling. Type is one of offer, answer, ice-candidate,
// join, leave.
type SignalMessage struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"device_id"`
	From     string          `json:"from"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
