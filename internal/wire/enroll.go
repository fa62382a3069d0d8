package wire

// EnrollRequest is the eyed.enroll payload. IdentityID is optional; a fresh
// identity is created when it is empty. Name labels new identities.
type EnrollRequest struct {
	JPEGB64    string `json:"jpeg_b64"`
	EyeSide    string `json:"eye_side"`
	IdentityID string `json:"identity_id,omitempty"`
	Name       string `json:"name,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
}

// EnrollResponse reports the outcome. is_duplicate is a decision, not an
// error: the probe matched an existing identity below the dedup threshold.
type EnrollResponse struct {
	IdentityID            string `json:"identity_id,omitempty"`
	TemplateID            string `json:"template_id,omitempty"`
	IsDuplicate           bool   `json:"is_duplicate"`
	DuplicateIdentityID   string `json:"duplicate_identity_id,omitempty"`
	DuplicateIdentityName string `json:"duplicate_identity_name,omitempty"`
	Error                 string `json:"error,omitempty"`
}

// BulkEnrollRequest starts a dataset walk on eyed.enroll.bulk. Progress is
// published on eyed.enroll.progress.<job_id>; the gateway relays it as SSE.
type BulkEnrollRequest struct {
	Dataset string `json:"dataset"`
	JobID   string `json:"job_id"`
	// Limit caps the number of images processed (0 = whole dataset).
	Limit int `json:"limit,omitempty"`
}

// BulkEnrollAck is the immediate reply to eyed.enroll.bulk: the walk result
// before any image is processed. Error is set when the dataset is unknown.
type BulkEnrollAck struct {
	JobID string `json:"job_id"`
	Total int    `json:"total"`
	Error string `json:"error,omitempty"`
}

// BulkEnrollCancel is published on eyed.enroll.cancel.<job_id> when the SSE
// client disconnects mid-job.
type BulkEnrollCancel struct {
	JobID string `json:"job_id"`
}

// BulkEnrollSummary is the terminal accounting for a bulk job.
type BulkEnrollSummary struct {
	Total      int `json:"total"`
	Enrolled   int `json:"enrolled"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// BulkEnrollProgress is one SSE-relayed event. Done marks the final event;
// only that event carries a Summary. Status is one of enrolled, duplicate,
// error, cancelled.
type BulkEnrollProgress struct {
	JobID      string             `json:"job_id"`
	Subject    string             `json:"subject,omitempty"`
	EyeSide    string             `json:"eye_side,omitempty"`
	Status     string             `json:"status,omitempty"`
	IdentityID string             `json:"identity_id,omitempty"`
	Error      string             `json:"error,omitempty"`
	Done       bool               `json:"done,omitempty"`
	Summary    *BulkEnrollSummary `json:"summary,omitempty"`
}

// PendingEnrollment is the cache queue item: everything the drainer needs to
// build the templates row without re-running the pipeline. Attempts counts
// drain tries for dead-letter routing.
type PendingEnrollment struct {
	TemplateID   string  `json:"template_id"`
	IdentityID   string  `json:"identity_id"`
	IdentityName string  `json:"identity_name"`
	EyeSide      string  `json:"eye_side"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	NScales      int     `json:"n_scales"`
	QualityScore float64 `json:"quality_score"`
	DeviceID     string  `json:"device_id,omitempty"`
	IrisBlobB64  string  `json:"iris_blob_b64"`
	MaskBlobB64  string  `json:"mask_blob_b64"`
	Format       string  `json:"format"`
	Attempts     int     `json:"attempts,omitempty"`
}

// TemplatesChanged is broadcast on eyed.templates.changed after any enroll
// or delete so every engine replica reloads its gallery snapshot. NodeID
// lets the publisher skip its own notification.
type TemplatesChanged struct {
	Action     string `json:"action"` // enrolled | deleted
	IdentityID string `json:"identity_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	NodeID     string `json:"node_id"`
}
