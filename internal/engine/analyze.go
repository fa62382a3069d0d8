package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hasbegun/eyed/internal/blobformat"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/pipeline"
	"github.com/hasbegun/eyed/internal/store"
	"github.com/hasbegun/eyed/internal/wire"
)

// HandleAnalyze admits one frame into the bounded work queue. A full queue
// rejects immediately rather than building an invisible backlog; the capture
// side sees the refusal and throttles.
func (e *Engine) HandleAnalyze(msg *nats.Msg) {
	var req wire.AnalyzeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		e.log.Warn("undecodable analyze request", "error", err)
		if msg.Reply != "" {
			e.bc.Respond(msg, &wire.AnalyzeResponse{Error: "bad request: " + err.Error()})
		}
		return
	}

	j := &job{req: req, reply: msg.Reply, enqueued: time.Now()}
	select {
	case e.work <- j:
	default:
		e.met.FramesAnalyzed.WithLabelValues("rejected").Inc()
		rej := wire.NewRejection(req.FrameID, req.DeviceID, len(e.work))
		if msg.Reply != "" {
			e.bc.Respond(msg, rej)
		}
		if err := e.bc.Publish(bus.SubjectResult, rej); err != nil {
			e.log.Warn("rejection publish failed", "frame_id", req.FrameID, "error", err)
		}
	}
}

// process runs one admitted frame to completion: pipeline, match, reply,
// fan-out, archive, audit. Latency is measured from admission so queue wait
// is visible in the histogram.
func (e *Engine) process(ctx context.Context, j *job) {
	resp, matchedTemplate := e.analyzeFrame(ctx, &j.req)
	resp.LatencyMS = float64(time.Since(j.enqueued).Microseconds()) / 1000.0

	outcome := "ok"
	if resp.Error != "" {
		outcome = "error"
	}
	e.met.FramesAnalyzed.WithLabelValues(outcome).Inc()
	e.met.AnalyzeLatency.Observe(time.Since(j.enqueued).Seconds())

	if j.reply != "" {
		if err := e.bc.Publish(j.reply, resp); err != nil {
			e.log.Warn("analyze reply failed", "frame_id", j.req.FrameID, "error", err)
		}
	}
	if err := e.bc.Publish(bus.SubjectResult, resp); err != nil {
		e.log.Warn("result publish failed", "frame_id", j.req.FrameID, "error", err)
	}

	e.archiveFrame(&j.req, resp)
	e.auditMatch(&j.req, resp, matchedTemplate)
}

// analyzeFrame decodes, encodes and matches one frame. Pipeline failures
// come back as a response with Error set; transport problems never reach
// here. The second return is the matched template ID for the audit log,
// empty when nothing matched.
func (e *Engine) analyzeFrame(ctx context.Context, req *wire.AnalyzeRequest) (*wire.AnalyzeResponse, string) {
	resp := &wire.AnalyzeResponse{FrameID: req.FrameID, DeviceID: req.DeviceID}

	jpeg, err := base64.StdEncoding.DecodeString(req.JPEGB64)
	if err != nil {
		resp.Error = "bad jpeg_b64: " + err.Error()
		return resp, ""
	}

	actx, cancel := context.WithTimeout(ctx, analyzeBudget)
	defer cancel()
	res, err := e.pool.Analyze(actx, jpeg)
	if err != nil {
		resp.Error = err.Error()
		return resp, ""
	}

	if blob, packErr := blobformat.PackArrays(res.IrisCodes); packErr == nil {
		resp.IrisTemplateB64 = base64.StdEncoding.EncodeToString(blob)
	} else {
		e.log.Warn("iris template pack failed", "frame_id", req.FrameID, "error", packErr)
	}

	var matchedTemplate string
	resp.Match, matchedTemplate = e.matchCodes(actx, res)
	if req.Detail {
		resp.Detail = buildDetail(res)
	}
	return resp, matchedTemplate
}

// matchCodes runs the 1:N search. In homomorphic mode a key-service failure
// fails closed: the caller gets "no match" rather than a plaintext fallback.
// Encrypted matching cannot name the winning template, only its identity, so
// the template ID comes back empty there.
func (e *Engine) matchCodes(ctx context.Context, res *pipeline.Result) (*wire.MatchInfo, string) {
	if e.heM != nil {
		mi, err := e.heM.Match(ctx, res.IrisCodes, e.gal.Entries())
		if err != nil {
			e.log.Error("encrypted match failed", "error", err)
			return &wire.MatchInfo{HammingDistance: 1.0}, ""
		}
		return mi, ""
	}

	probe, err := e.gal.NewProbe(res.IrisCodes, res.MaskCodes)
	if err != nil {
		e.log.Error("probe build failed", "error", err)
		return &wire.MatchInfo{HammingDistance: 1.0}, ""
	}
	m := e.gal.Match(probe)
	return &wire.MatchInfo{
		HammingDistance:     m.HammingDistance,
		IsMatch:             m.IsMatch,
		MatchedIdentityID:   m.IdentityID,
		MatchedIdentityName: m.IdentityName,
		BestRotation:        m.BestRotation,
	}, m.TemplateID
}

// buildDetail assembles the /analyze/detailed extras. The built-in encoder
// does no circle segmentation, so geometry stays empty; quality scalars and
// a code visualization are always available.
func buildDetail(res *pipeline.Result) *wire.AnalyzeDetail {
	d := &wire.AnalyzeDetail{
		Quality: &wire.QualityMetrics{
			Sharpness:         res.Sharpness,
			OcclusionFraction: res.Occlusion,
		},
		Images: map[string]string{},
	}
	if len(res.IrisCodes) > 0 {
		if img := renderCode(res.IrisCodes[0]); img != "" {
			d.Images["iris_code"] = img
		}
	}
	if len(res.MaskCodes) > 0 {
		if img := renderCode(res.MaskCodes[0]); img != "" {
			d.Images["mask"] = img
		}
	}
	return d
}

// renderCode draws a code array as a black/white PNG, planes stacked
// vertically, and returns it base64-encoded.
func renderCode(arr blobformat.Array) string {
	if len(arr.Shape) != 3 || arr.Validate() != nil {
		return ""
	}
	height, width, planes := arr.Shape[0], arr.Shape[1], arr.Shape[2]
	img := image.NewGray(image.Rect(0, 0, width, height*planes))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for p := 0; p < planes; p++ {
				if arr.Data[(y*width+x)*planes+p] != 0 {
					img.SetGray(x, p*height+y, color.Gray{Y: 255})
				}
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// archiveFrame publishes the raw frame plus outcome for the storage service.
// Fire-and-forget: the analyze path never waits on the archive.
func (e *Engine) archiveFrame(req *wire.AnalyzeRequest, resp *wire.AnalyzeResponse) {
	msg := &wire.ArchiveMessage{
		FrameID:      req.FrameID,
		DeviceID:     req.DeviceID,
		Timestamp:    req.Timestamp,
		EyeSide:      req.EyeSide,
		RawJPEGB64:   req.JPEGB64,
		QualityScore: req.QualityScore,
		LatencyMS:    resp.LatencyMS,
		Match:        resp.Match,
	}
	if resp.IrisTemplateB64 != "" {
		msg.IrisTemplateB64 = &resp.IrisTemplateB64
	}
	if resp.Error != "" {
		msg.Error = &resp.Error
	}
	if err := e.bc.Publish(bus.SubjectArchive, msg); err != nil {
		e.log.Warn("archive publish failed", "frame_id", req.FrameID, "error", err)
	}
}

// auditMatch appends to the match log when a database is attached. Only
// frames that reached matching produce a row; pipeline failures have nothing
// to audit.
func (e *Engine) auditMatch(req *wire.AnalyzeRequest, resp *wire.AnalyzeResponse, matchedTemplate string) {
	if e.mlog == nil || resp.Match == nil {
		return
	}
	entry := store.MatchLogEntry{
		ProbeFrameID:    req.FrameID,
		HammingDistance: resp.Match.HammingDistance,
		IsMatch:         resp.Match.IsMatch,
		DeviceID:        req.DeviceID,
		LatencyMS:       resp.LatencyMS,
	}
	if resp.Match.IsMatch {
		if id, err := uuid.Parse(resp.Match.MatchedIdentityID); err == nil {
			entry.MatchedIdentityID = &id
		}
		if id, err := uuid.Parse(matchedTemplate); err == nil {
			entry.MatchedTemplateID = &id
		}
	}
	e.mlog.Log(entry)
}
