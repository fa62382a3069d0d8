// Package keyservice answers the eyed.key.* subjects. It is the only process
// that holds the BFV secret key: the engine computes encrypted inner products
// against the gallery and sends them here, and only the final match decision
// travels back. The decrypted scalars never leave this service.
package keyservice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/he"
	"github.com/hasbegun/eyed/internal/wire"
)

// DefaultThreshold applies when a decrypt_batch request leaves the match
// threshold unset.
const DefaultThreshold = 0.39

// Decryptor is the slice of he.SecretContext the handlers use. Tests stub it.
type Decryptor interface {
	DecryptScalar(ctBytes []byte) (int64, error)
	DecryptVector(ctBytes []byte) ([]int64, error)
	RingDimension() int
}

// Service holds the secret context and replies on the key subjects.
type Service struct {
	bc  *bus.Client
	dec Decryptor
	log *slog.Logger

	batches atomic.Int64
	errors  atomic.Int64
}

// NewService wires the handlers to a decryptor. bc may be nil in tests that
// drive the decision logic directly.
func NewService(bc *bus.Client, dec Decryptor, log *slog.Logger) *Service {
	return &Service{bc: bc, dec: dec, log: log}
}

// Register subscribes all three key subjects.
func (s *Service) Register() error {
	if _, err := s.bc.Subscribe(bus.SubjectKeyDecryptBatch, s.HandleDecryptBatch); err != nil {
		return err
	}
	if _, err := s.bc.Subscribe(bus.SubjectKeyDecryptTemplate, s.HandleDecryptTemplate); err != nil {
		return err
	}
	if _, err := s.bc.Subscribe(bus.SubjectKeyHealth, s.HandleHealth); err != nil {
		return err
	}
	return nil
}

// HandleDecryptBatch decides a match for one probe against all candidates.
func (s *Service) HandleDecryptBatch(msg *nats.Msg) {
	var req wire.DecryptBatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.errors.Add(1)
		s.log.Error("bad decrypt_batch request", "error", err)
		s.bc.Respond(msg, &wire.DecryptBatchResponse{
			HammingDistance: 1.0,
			Error:           fmt.Sprintf("decrypt_batch failed: %v", err),
		})
		return
	}

	resp := s.DecideBatch(&req)
	if resp.Error != "" {
		s.errors.Add(1)
		s.log.Error("decrypt_batch failed", "entries", len(req.Entries), "error", resp.Error)
	} else {
		s.batches.Add(1)
		s.log.Debug("decrypt_batch decided",
			"entries", len(req.Entries),
			"is_match", resp.IsMatch,
			"hamming_distance", resp.HammingDistance)
	}
	s.bc.Respond(msg, resp)
}

// DecideBatch decrypts every candidate's inner products and picks the
// minimum fractional Hamming distance. The matched identity fields are set
// only when the minimum clears the threshold.
func (s *Service) DecideBatch(req *wire.DecryptBatchRequest) *wire.DecryptBatchResponse {
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	best := 1.0
	var bestID, bestName string
	found := false

	for i := range req.Entries {
		fhd, err := s.entryDistance(&req.Entries[i])
		if err != nil {
			return &wire.DecryptBatchResponse{
				HammingDistance: 1.0,
				Error:           fmt.Sprintf("decrypt_batch failed: %v", err),
			}
		}
		if fhd < best {
			best = fhd
			bestID = req.Entries[i].IdentityID
			bestName = req.Entries[i].IdentityName
			found = true
		}
	}

	resp := &wire.DecryptBatchResponse{
		IsMatch:         found && best < threshold,
		HammingDistance: best,
	}
	if resp.IsMatch {
		resp.MatchedIdentityID = &bestID
		resp.MatchedIdentityName = &bestName
	}
	return resp
}

// entryDistance folds one candidate's per-scale inner products into a
// fractional Hamming distance:
//
//	xor_count = pop_a + pop_b - 2*innerProduct   (per scale)
//	fhd       = sum(xor_count) / sum(slots)
func (s *Service) entryDistance(e *wire.DecryptBatchEntry) (float64, error) {
	var xorBits, totalBits float64
	for i, b64 := range e.EncInnerProducts {
		ct, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return 1.0, fmt.Errorf("scale %d: decode ciphertext: %w", i, err)
		}
		ip, err := s.dec.DecryptScalar(ct)
		if err != nil {
			return 1.0, fmt.Errorf("scale %d: %w", i, err)
		}

		var popA, popB int64
		if i < len(e.ProbeIrisPopcount) {
			popA = int64(e.ProbeIrisPopcount[i])
		}
		if i < len(e.GalleryIrisPopcount) {
			popB = int64(e.GalleryIrisPopcount[i])
		}
		xorBits += float64(popA + popB - 2*ip)
		totalBits += float64(he.CodeSlots)
	}
	if totalBits == 0 {
		return 1.0, nil
	}
	return xorBits / totalBits, nil
}

// HandleDecryptTemplate opens an HEv1 template for admin visualization.
func (s *Service) HandleDecryptTemplate(msg *nats.Msg) {
	var req wire.DecryptTemplateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.errors.Add(1)
		s.bc.Respond(msg, &wire.DecryptTemplateResponse{
			Error: fmt.Sprintf("decrypt_template failed: %v", err),
		})
		return
	}

	resp := s.OpenTemplate(&req)
	if resp.Error != "" {
		s.errors.Add(1)
		s.log.Error("decrypt_template failed", "error", resp.Error)
	}
	s.bc.Respond(msg, resp)
}

// OpenTemplate decrypts every iris and mask ciphertext into bit arrays.
func (s *Service) OpenTemplate(req *wire.DecryptTemplateRequest) *wire.DecryptTemplateResponse {
	iris, err := s.decryptCodes(req.IrisCodesB64)
	if err != nil {
		return &wire.DecryptTemplateResponse{Error: fmt.Sprintf("decrypt_template failed: iris: %v", err)}
	}
	mask, err := s.decryptCodes(req.MaskCodesB64)
	if err != nil {
		return &wire.DecryptTemplateResponse{Error: fmt.Sprintf("decrypt_template failed: mask: %v", err)}
	}
	return &wire.DecryptTemplateResponse{IrisCodes: iris, MaskCodes: mask}
}

func (s *Service) decryptCodes(b64s []string) ([][]int, error) {
	out := make([][]int, 0, len(b64s))
	for i, b64 := range b64s {
		ct, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("scale %d: decode ciphertext: %w", i, err)
		}
		vals, err := s.dec.DecryptVector(ct)
		if err != nil {
			return nil, fmt.Errorf("scale %d: %w", i, err)
		}
		bits := make([]int, len(vals))
		for j, v := range vals {
			bits[j] = int(v)
		}
		out = append(out, bits)
	}
	return out, nil
}

// HandleHealth answers eyed.key.health.
func (s *Service) HandleHealth(msg *nats.Msg) {
	resp := wire.KeyHealthResponse{Status: "not_ready"}
	if s.dec != nil {
		resp.Status = "ok"
		resp.RingDimension = s.dec.RingDimension()
	}
	s.bc.Respond(msg, &resp)
}

// Stats returns decided-batch and error counts since start.
func (s *Service) Stats() (batches, errors int64) {
	return s.batches.Load(), s.errors.Load()
}
