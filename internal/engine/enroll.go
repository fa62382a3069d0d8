package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hasbegun/eyed/internal/blobformat"
	"github.com/hasbegun/eyed/internal/gallery"
	"github.com/hasbegun/eyed/internal/pipeline"
	"github.com/hasbegun/eyed/internal/wire"
)

// enrollBudget bounds one enrollment end to end, including the key-service
// round trip in encrypted mode.
const enrollBudget = 30 * time.Second

// HandleEnroll answers eyed.enroll: pipeline, dedup, serialize, persist.
// The reply goes out as soon as the cache accepts; durability is the
// drainer's job.
func (e *Engine) HandleEnroll(msg *nats.Msg) {
	var req wire.EnrollRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		e.bc.Respond(msg, &wire.EnrollResponse{Error: "bad request: " + err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), enrollBudget)
	defer cancel()
	e.bc.Respond(msg, e.enrollOne(ctx, &req))
}

func (e *Engine) enrollOne(ctx context.Context, req *wire.EnrollRequest) *wire.EnrollResponse {
	jpeg, err := base64.StdEncoding.DecodeString(req.JPEGB64)
	if err != nil {
		return e.enrollError("bad jpeg_b64: " + err.Error())
	}
	res, err := e.pool.Analyze(ctx, jpeg)
	if err != nil {
		return e.enrollError(err.Error())
	}
	// A frame whose mask rejects every bit can never match anything;
	// refusing it here beats enrolling a dead template.
	if res.Quality <= 0 {
		return e.enrollError("image quality too low for enrollment")
	}

	if dup := e.checkDuplicate(ctx, res); dup != nil {
		outcome := "duplicate"
		if dup.Error != "" {
			outcome = "error"
		}
		e.met.Enrollments.WithLabelValues(outcome).Inc()
		return dup
	}

	identityID := req.IdentityID
	if identityID == "" {
		identityID = uuid.NewString()
	}
	templateID := uuid.NewString()

	tpl, item, err := e.buildTemplate(templateID, identityID, req.Name, req.EyeSide, res)
	if err != nil {
		return e.enrollError(err.Error())
	}
	item.DeviceID = req.DeviceID
	if item.DeviceID == "" {
		item.DeviceID = "rest"
	}

	if err := e.persistEnrollment(ctx, item); err != nil {
		return e.enrollError("persist failed: " + err.Error())
	}

	e.gal.Add(tpl)
	e.met.GallerySize.Set(float64(e.gal.Size()))
	e.met.Enrollments.WithLabelValues("enrolled").Inc()
	e.notifyTemplatesChanged("enrolled", identityID, templateID)
	e.log.Info("enrolled",
		"identity_id", identityID,
		"template_id", templateID,
		"eye_side", req.EyeSide,
		"quality", res.Quality)

	return &wire.EnrollResponse{IdentityID: identityID, TemplateID: templateID}
}

func (e *Engine) enrollError(msg string) *wire.EnrollResponse {
	e.met.Enrollments.WithLabelValues("error").Inc()
	return &wire.EnrollResponse{Error: msg}
}

// checkDuplicate searches the gallery at the dedup threshold. Returns nil
// when enrollment may proceed. Encrypted mode reuses the match round trip
// and compares the returned distance against the stricter threshold here;
// a key-service failure blocks enrollment rather than risking a duplicate.
func (e *Engine) checkDuplicate(ctx context.Context, res *pipeline.Result) *wire.EnrollResponse {
	if e.heM != nil {
		mi, err := e.heM.Match(ctx, res.IrisCodes, e.gal.Entries())
		if err != nil {
			e.log.Error("encrypted dedup check failed", "error", err)
			return &wire.EnrollResponse{Error: "dedup check unavailable"}
		}
		if mi.HammingDistance < e.cfg.DedupThreshold {
			return &wire.EnrollResponse{
				IsDuplicate:           true,
				DuplicateIdentityID:   mi.MatchedIdentityID,
				DuplicateIdentityName: mi.MatchedIdentityName,
			}
		}
		return nil
	}

	probe, err := e.gal.NewProbe(res.IrisCodes, res.MaskCodes)
	if err != nil {
		return &wire.EnrollResponse{Error: "probe build failed: " + err.Error()}
	}
	if m := e.gal.CheckDuplicate(probe); m.IsMatch {
		return &wire.EnrollResponse{
			IsDuplicate:           true,
			DuplicateIdentityID:   m.IdentityID,
			DuplicateIdentityName: m.IdentityName,
		}
	}
	return nil
}

// buildTemplate serializes the pipeline output into the storage blobs and
// the in-memory gallery entry. Plaintext packs both code lists as NPZ;
// encrypted mode packs per-scale iris ciphertexts (masks are public and stay
// NPZ). Both blobs then pass through the at-rest cipher, a no-op without a
// configured key.
func (e *Engine) buildTemplate(templateID, identityID, name, eyeSide string, res *pipeline.Result) (*gallery.Template, wire.PendingEnrollment, error) {
	item := wire.PendingEnrollment{
		TemplateID:   templateID,
		IdentityID:   identityID,
		IdentityName: name,
		EyeSide:      eyeSide,
		Width:        res.Width,
		Height:       res.Height,
		NScales:      res.NScales,
		QualityScore: res.Quality,
	}

	maskBlob, err := blobformat.PackArrays(res.MaskCodes)
	if err != nil {
		return nil, item, fmt.Errorf("pack mask codes: %w", err)
	}

	var tpl *gallery.Template
	var irisBlob []byte
	if e.heM != nil {
		cts, pops, err := e.heM.EncryptTemplate(res.IrisCodes)
		if err != nil {
			return nil, item, fmt.Errorf("encrypt iris codes: %w", err)
		}
		maskPops := make([]int, len(res.MaskCodes))
		for s, arr := range res.MaskCodes {
			maskPops[s] = arr.Popcount()
		}
		if tpl, err = gallery.NewEncryptedTemplate(templateID, identityID, name, eyeSide,
			cts, nil, pops, maskPops); err != nil {
			return nil, item, err
		}
		if irisBlob, err = packEncryptedIris(cts, pops); err != nil {
			return nil, item, fmt.Errorf("pack iris ciphertexts: %w", err)
		}
		item.Format = "hev1"
	} else {
		if tpl, err = gallery.NewTemplate(templateID, identityID, name, eyeSide,
			res.IrisCodes, res.MaskCodes); err != nil {
			return nil, item, err
		}
		if irisBlob, err = blobformat.PackArrays(res.IrisCodes); err != nil {
			return nil, item, fmt.Errorf("pack iris codes: %w", err)
		}
		item.Format = "npz"
	}

	if irisBlob, err = e.cipher.Encrypt(irisBlob); err != nil {
		return nil, item, fmt.Errorf("seal iris blob: %w", err)
	}
	if maskBlob, err = e.cipher.Encrypt(maskBlob); err != nil {
		return nil, item, fmt.Errorf("seal mask blob: %w", err)
	}
	item.IrisBlobB64 = base64.StdEncoding.EncodeToString(irisBlob)
	item.MaskBlobB64 = base64.StdEncoding.EncodeToString(maskBlob)
	return tpl, item, nil
}

// persistEnrollment hands the row to the write-through cache when one is
// wired, straight to the database otherwise. Pure in-memory runs keep the
// template only in the gallery snapshot.
func (e *Engine) persistEnrollment(ctx context.Context, item wire.PendingEnrollment) error {
	switch {
	case e.cache != nil:
		return e.cache.Put(ctx, item)
	case e.db != nil:
		return e.db.InsertEnrollment(ctx, item)
	default:
		return nil
	}
}
