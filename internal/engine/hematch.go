package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hasbegun/eyed/internal/blobformat"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/gallery"
	"github.com/hasbegun/eyed/internal/he"
	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/wire"
)

// maxBatchEntries caps one decrypt_batch request regardless of payload
// headroom; the key service decrypts serially and a giant batch just turns
// into tail latency.
const maxBatchEntries = 16

// batchSlack is payload headroom for the JSON envelope around the
// ciphertexts.
const batchSlack = 64 << 10

// HEMatcher is the encrypted 1:N path. The engine computes inner products
// under encryption with the public evaluation keys; only the key service
// can turn them back into distances, and only the decision comes back.
type HEMatcher struct {
	pub       *he.PublicContext
	bc        *bus.Client
	threshold float64
	log       *slog.Logger
	met       *metrics.EngineMetrics
}

// NewHEMatcher wires the encrypted matcher. threshold travels with every
// batch so the key service applies the engine's tuning, not its default.
func NewHEMatcher(pub *he.PublicContext, bc *bus.Client, threshold float64, logger *slog.Logger, met *metrics.EngineMetrics) *HEMatcher {
	return &HEMatcher{pub: pub, bc: bc, threshold: threshold, log: logger, met: met}
}

// EncryptTemplate encrypts enrollment codes for storage: one ciphertext per
// scale plus the plaintext popcounts the distance arithmetic needs.
func (m *HEMatcher) EncryptTemplate(iris []blobformat.Array) (cts [][]byte, pops []int, err error) {
	for i, arr := range iris {
		enc, err := m.pub.EncryptCode(arr)
		if err != nil {
			return nil, nil, fmt.Errorf("encrypt scale %d: %w", i, err)
		}
		raw, err := enc.Bytes()
		if err != nil {
			return nil, nil, fmt.Errorf("serialize scale %d: %w", i, err)
		}
		cts = append(cts, raw)
		pops = append(pops, arr.Popcount())
	}
	return cts, pops, nil
}

// Match runs the probe against every encrypted gallery entry and returns
// the key service's decision. Plaintext entries are skipped; they belong to
// the in-memory matcher. Any failure is an error so the caller can fail
// closed.
func (m *HEMatcher) Match(ctx context.Context, iris []blobformat.Array, entries []*gallery.Template) (*wire.MatchInfo, error) {
	probeCts := make([]*he.EncryptedCode, len(iris))
	probePops := make([]int, len(iris))
	for i, arr := range iris {
		enc, err := m.pub.EncryptCode(arr)
		if err != nil {
			return nil, fmt.Errorf("encrypt probe scale %d: %w", i, err)
		}
		probeCts[i] = enc
		probePops[i] = arr.Popcount()
	}

	var batch []wire.DecryptBatchEntry
	for _, e := range entries {
		if !e.Encrypted() {
			continue
		}
		if len(e.EncIris) != len(probeCts) {
			m.log.Warn("encrypted template scale mismatch, skipped",
				"template_id", e.TemplateID, "have", len(e.EncIris), "want", len(probeCts))
			continue
		}
		entry := wire.DecryptBatchEntry{
			TemplateID:          e.TemplateID,
			IdentityID:          e.IdentityID,
			IdentityName:        e.IdentityName,
			ProbeIrisPopcount:   probePops,
			GalleryIrisPopcount: e.IrisPopcount,
		}
		for s := range probeCts {
			gct, err := m.pub.ParseCode(e.EncIris[s])
			if err != nil {
				return nil, fmt.Errorf("template %s scale %d: %w", e.TemplateID, s, err)
			}
			ip, err := m.pub.InnerProduct(probeCts[s], gct)
			if err != nil {
				return nil, fmt.Errorf("inner product %s scale %d: %w", e.TemplateID, s, err)
			}
			entry.EncInnerProducts = append(entry.EncInnerProducts, base64.StdEncoding.EncodeToString(ip))
		}
		batch = append(batch, entry)
	}

	if len(batch) == 0 {
		return &wire.MatchInfo{HammingDistance: 1.0}, nil
	}

	best := wire.DecryptBatchResponse{HammingDistance: 1.0}
	first := true
	for _, chunk := range chunkEntries(batch, m.payloadBudget()) {
		req := wire.DecryptBatchRequest{Threshold: m.threshold, Entries: chunk}
		var resp wire.DecryptBatchResponse
		if err := m.bc.Request(ctx, bus.SubjectKeyDecryptBatch, &req, &resp); err != nil {
			m.met.KeyCalls.WithLabelValues("decrypt_batch", "error").Inc()
			return nil, fmt.Errorf("decrypt_batch: %w", err)
		}
		if resp.Error != "" {
			m.met.KeyCalls.WithLabelValues("decrypt_batch", "error").Inc()
			return nil, errors.New(resp.Error)
		}
		m.met.KeyCalls.WithLabelValues("decrypt_batch", "ok").Inc()
		if first || resp.HammingDistance < best.HammingDistance {
			best = resp
			first = false
		}
	}

	match := &wire.MatchInfo{
		HammingDistance: best.HammingDistance,
		IsMatch:         best.IsMatch,
	}
	if best.MatchedIdentityID != nil {
		match.MatchedIdentityID = *best.MatchedIdentityID
	}
	if best.MatchedIdentityName != nil {
		match.MatchedIdentityName = *best.MatchedIdentityName
	}
	return match, nil
}

func (m *HEMatcher) payloadBudget() int {
	budget := int(m.bc.MaxPayload()) - batchSlack
	if budget < 1<<20 {
		budget = 1 << 20
	}
	return budget
}

// chunkEntries splits a batch so no request exceeds the payload budget or
// the entry cap.
func chunkEntries(entries []wire.DecryptBatchEntry, budget int) [][]wire.DecryptBatchEntry {
	var chunks [][]wire.DecryptBatchEntry
	var cur []wire.DecryptBatchEntry
	var size int
	for _, e := range entries {
		esize := entrySize(&e)
		if len(cur) > 0 && (size+esize > budget || len(cur) >= maxBatchEntries) {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, e)
		size += esize
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

func entrySize(e *wire.DecryptBatchEntry) int {
	size := 256
	for _, ip := range e.EncInnerProducts {
		size += len(ip)
	}
	return size
}

// packEncryptedIris serializes encrypted iris codes for the templates
// table: the per-scale ciphertexts plus one trailing popcount record, all
// in one HEv1 container.
func packEncryptedIris(cts [][]byte, pops []int) ([]byte, error) {
	meta, err := json.Marshal(pops)
	if err != nil {
		return nil, err
	}
	records := make([][]byte, 0, len(cts)+1)
	records = append(records, cts...)
	records = append(records, meta)
	return blobformat.PackHEv1(records), nil
}

// unpackEncryptedIris reverses packEncryptedIris.
func unpackEncryptedIris(blob []byte) (cts [][]byte, pops []int, err error) {
	records, err := blobformat.UnpackHEv1(blob)
	if err != nil {
		return nil, nil, err
	}
	if len(records) < 2 {
		return nil, nil, errors.New("encrypted iris blob has no popcount record")
	}
	if err := json.Unmarshal(records[len(records)-1], &pops); err != nil {
		return nil, nil, fmt.Errorf("popcount record: %w", err)
	}
	return records[:len(records)-1], pops, nil
}
