package wire

// DecryptBatchEntry is one gallery candidate in a decrypt_batch request.
// Inner products arrive encrypted; the popcounts are plaintext because mask
// bits are treated as public.
type DecryptBatchEntry struct {
	TemplateID          string   `json:"template_id"`
	IdentityID          string   `json:"identity_id"`
	IdentityName        string   `json:"identity_name,omitempty"`
	EncInnerProducts    []string `json:"enc_inner_products"` // base64, one per code scale
	ProbeIrisPopcount   []int    `json:"probe_iris_popcount"`
	GalleryIrisPopcount []int    `json:"gallery_iris_popcount"`
	ProbeMaskPopcount   []int    `json:"probe_mask_popcount,omitempty"`
	GalleryMaskPopcount []int    `json:"gallery_mask_popcount,omitempty"`
}

// DecryptBatchRequest is the eyed.key.decrypt_batch payload. The engine
// sends exactly one request per analyze (chunked only when the ciphertext
// volume would exceed the bus payload ceiling).
type DecryptBatchRequest struct {
	Threshold float64             `json:"threshold"`
	Entries   []DecryptBatchEntry `json:"entries"`
}

// DecryptBatchResponse is the aggregated decision. The matched identity
// fields are null unless is_match; the decrypted scalars themselves never
// appear here.
type DecryptBatchResponse struct {
	IsMatch             bool    `json:"is_match"`
	HammingDistance     float64 `json:"hamming_distance"`
	MatchedIdentityID   *string `json:"matched_identity_id"`
	MatchedIdentityName *string `json:"matched_identity_name"`
	Error               string  `json:"error,omitempty"`
}

// DecryptTemplateRequest asks the key service to open an HEv1 template for
// admin visualization.
type DecryptTemplateRequest struct {
	IrisCodesB64 []string `json:"iris_codes_b64"`
	MaskCodesB64 []string `json:"mask_codes_b64"`
}

// DecryptTemplateResponse carries the recovered bit arrays (one slice per
// code scale, values 0/1).
type DecryptTemplateResponse struct {
	IrisCodes [][]int `json:"iris_codes"`
	MaskCodes [][]int `json:"mask_codes"`
	Error     string  `json:"error,omitempty"`
}

// KeyHealthResponse answers eyed.key.health.
type KeyHealthResponse struct {
	Status        string `json:"status"` // ok | not_ready
	RingDimension int    `json:"ring_dimension"`
}
