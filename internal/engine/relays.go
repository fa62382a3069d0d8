package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hasbegun/eyed/internal/blobformat"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/gallery"
	"github.com/hasbegun/eyed/internal/store"
	"github.com/hasbegun/eyed/internal/wire"
)

// Admin handlers behind the gateway's relay surface. Each replies with a
// typed response whose embedded RelayError carries an HTTP-ish code; the
// gateway maps it onto the REST status without parsing strings.

const adminTimeout = 10 * time.Second

func adminCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), adminTimeout)
}

// --- Gallery ---

// HandleGalleryList answers eyed.gallery.list. With a database the listing
// comes from there (quality scores, enrollment times); in-memory runs
// synthesize it from the gallery snapshot.
func (e *Engine) HandleGalleryList(msg *nats.Msg) {
	var resp wire.GalleryListResponse
	resp.Size = e.gal.Size()

	if e.db != nil {
		ctx, cancel := adminCtx()
		defer cancel()
		idents, err := e.db.ListIdentities(ctx)
		if err != nil {
			resp.Error = err.Error()
			resp.Code = http.StatusInternalServerError
			e.bc.Respond(msg, &resp)
			return
		}
		resp.Identities = idents
	} else {
		resp.Identities = galleryIdentities(e.gal.Entries())
	}
	e.bc.Respond(msg, &resp)
}

func galleryIdentities(entries []*gallery.Template) []wire.GalleryIdentity {
	index := map[string]int{}
	out := []wire.GalleryIdentity{}
	for _, t := range entries {
		i, ok := index[t.IdentityID]
		if !ok {
			i = len(out)
			index[t.IdentityID] = i
			out = append(out, wire.GalleryIdentity{
				IdentityID: t.IdentityID,
				Name:       t.IdentityName,
				Templates:  []wire.GalleryTemplate{},
			})
		}
		format := "npz"
		if t.Encrypted() {
			format = "hev1"
		}
		out[i].Templates = append(out[i].Templates, wire.GalleryTemplate{
			TemplateID: t.TemplateID,
			EyeSide:    t.EyeSide,
			Format:     format,
		})
	}
	return out
}

// HandleGalleryDelete answers eyed.gallery.delete: database row (cascades to
// templates), gallery snapshot, then the changed broadcast.
func (e *Engine) HandleGalleryDelete(msg *nats.Msg) {
	var resp wire.GalleryDeleteResponse
	var req wire.GalleryDeleteRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "bad request: " + err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	identityID, err := uuid.Parse(req.IdentityID)
	if err != nil {
		resp.Error = "identity_id must be a UUID"
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}

	var deleted bool
	if e.db != nil {
		ctx, cancel := adminCtx()
		defer cancel()
		deleted, err = e.db.DeleteIdentity(ctx, identityID)
		if err != nil {
			resp.Error = err.Error()
			resp.Code = http.StatusInternalServerError
			e.bc.Respond(msg, &resp)
			return
		}
	}
	if e.gal.RemoveIdentity(req.IdentityID) > 0 {
		deleted = true
	}
	if !deleted {
		resp.Error = "identity not found"
		resp.Code = http.StatusNotFound
		e.bc.Respond(msg, &resp)
		return
	}

	e.met.GallerySize.Set(float64(e.gal.Size()))
	e.notifyTemplatesChanged("deleted", req.IdentityID, "")
	e.log.Info("identity deleted", "identity_id", req.IdentityID)
	resp.Deleted = true
	e.bc.Respond(msg, &resp)
}

// HandleTemplateDetail answers eyed.gallery.template with decoded bit
// arrays. Encrypted templates round-trip the key service; the engine itself
// cannot open them.
func (e *Engine) HandleTemplateDetail(msg *nats.Msg) {
	var resp wire.TemplateDetailResponse
	var req wire.TemplateDetailRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "bad request: " + err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		resp.Error = "template_id must be a UUID"
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	if e.db == nil {
		resp.Error = "no database configured"
		resp.Code = http.StatusServiceUnavailable
		e.bc.Respond(msg, &resp)
		return
	}

	ctx, cancel := adminCtx()
	defer cancel()
	row, err := e.db.LoadTemplate(ctx, templateID)
	if errors.Is(err, store.ErrNotFound) {
		resp.Error = "template not found"
		resp.Code = http.StatusNotFound
		e.bc.Respond(msg, &resp)
		return
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = http.StatusInternalServerError
		e.bc.Respond(msg, &resp)
		return
	}

	resp.TemplateID = row.TemplateID.String()
	resp.IdentityID = row.IdentityID.String()
	resp.IdentityName = row.IdentityName
	resp.EyeSide = row.EyeSide
	resp.Width = row.Width
	resp.Height = row.Height
	resp.NScales = row.NScales
	resp.QualityScore = row.QualityScore

	irisBlob, err := e.cipher.Decrypt(row.IrisCodes)
	if err == nil {
		var maskBlob []byte
		if maskBlob, err = e.cipher.Decrypt(row.MaskCodes); err == nil {
			err = e.fillTemplateCodes(ctx, &resp, irisBlob, maskBlob)
		}
	}
	if err != nil {
		resp.Error = err.Error()
		if resp.Code == 0 {
			resp.Code = http.StatusInternalServerError
		}
	}
	e.bc.Respond(msg, &resp)
}

func (e *Engine) fillTemplateCodes(ctx context.Context, resp *wire.TemplateDetailResponse, irisBlob, maskBlob []byte) error {
	maskArrs, err := blobformat.UnpackArrays(maskBlob)
	if err != nil {
		return err
	}
	resp.MaskCodes = bitRows(maskArrs)

	switch blobformat.Sniff(irisBlob) {
	case blobformat.FormatNPZ:
		resp.Format = "npz"
		irisArrs, err := blobformat.UnpackArrays(irisBlob)
		if err != nil {
			return err
		}
		resp.IrisCodes = bitRows(irisArrs)
		return nil

	case blobformat.FormatHEv1:
		resp.Format = "hev1"
		cts, _, err := unpackEncryptedIris(irisBlob)
		if err != nil {
			return err
		}
		kreq := wire.DecryptTemplateRequest{IrisCodesB64: make([]string, len(cts))}
		for i, ct := range cts {
			kreq.IrisCodesB64[i] = base64.StdEncoding.EncodeToString(ct)
		}
		var kresp wire.DecryptTemplateResponse
		if err := e.bc.Request(ctx, bus.SubjectKeyDecryptTemplate, &kreq, &kresp); err != nil {
			resp.Code = http.StatusBadGateway
			return err
		}
		if kresp.Error != "" {
			resp.Code = http.StatusBadGateway
			return errors.New("key service: " + kresp.Error)
		}
		resp.IrisCodes = kresp.IrisCodes
		return nil

	default:
		return errors.New("unrecognized iris blob format")
	}
}

// bitRows flattens code arrays to one 0/1 slice per scale.
func bitRows(arrs []blobformat.Array) [][]int {
	out := make([][]int, len(arrs))
	for s, arr := range arrs {
		row := make([]int, len(arr.Data))
		for i, b := range arr.Data {
			if b != 0 {
				row[i] = 1
			}
		}
		out[s] = row
	}
	return out
}

// --- Datasets ---

func (e *Engine) HandleDatasetsList(msg *nats.Msg) {
	e.bc.Respond(msg, &wire.DatasetsListResponse{Datasets: e.data.List()})
}

func (e *Engine) HandleDatasetSubjects(msg *nats.Msg) {
	var resp wire.DatasetSubjectsResponse
	var req wire.DatasetSubjectsRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "bad request: " + err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	subjects, err := e.data.Subjects(req.Dataset)
	if err != nil {
		resp.Error = err.Error()
		resp.Code = http.StatusNotFound
		e.bc.Respond(msg, &resp)
		return
	}
	resp.Subjects = subjects
	e.bc.Respond(msg, &resp)
}

func (e *Engine) HandleDatasetImages(msg *nats.Msg) {
	var resp wire.DatasetImagesResponse
	var req wire.DatasetImagesRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "bad request: " + err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	images, err := e.data.Images(req.Dataset, req.Subject, req.Offset, req.Limit)
	if err != nil {
		resp.Error = err.Error()
		resp.Code = http.StatusNotFound
		e.bc.Respond(msg, &resp)
		return
	}
	resp.Images = images
	e.bc.Respond(msg, &resp)
}

func (e *Engine) HandleDatasetPaths(msg *nats.Msg) {
	e.bc.Respond(msg, &wire.DatasetPathsResponse{Paths: e.data.Roots()})
}

func (e *Engine) HandleDatasetPathAdd(msg *nats.Msg) {
	var resp wire.DatasetPathResponse
	var req wire.DatasetPathRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "bad request: " + err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	info, err := e.data.AddRoot(req.Path)
	if err != nil {
		resp.Error = err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	e.log.Info("dataset root added", "path", info.Path)
	resp.Path = info
	e.bc.Respond(msg, &resp)
}

func (e *Engine) HandleDatasetPathRemove(msg *nats.Msg) {
	var resp wire.DatasetPathResponse
	var req wire.DatasetPathRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "bad request: " + err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	info, err := e.data.RemoveRoot(req.Path)
	if err != nil {
		resp.Error = err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	e.log.Info("dataset root removed", "path", info.Path)
	resp.Path = info
	e.bc.Respond(msg, &resp)
}

// --- DB inspector ---

// dbInspect wraps the shared no-database / query-error handling around one
// inspector call.
func (e *Engine) dbInspect(msg *nats.Msg, relay *wire.RelayError, resp interface{}, run func(ctx context.Context) error) {
	if e.db == nil {
		relay.Error = "no database configured"
		relay.Code = http.StatusServiceUnavailable
		e.bc.Respond(msg, resp)
		return
	}
	ctx, cancel := adminCtx()
	defer cancel()
	if err := run(ctx); err != nil {
		relay.Error = err.Error()
		if relay.Code == 0 {
			relay.Code = http.StatusInternalServerError
		}
	}
	e.bc.Respond(msg, resp)
}

func (e *Engine) HandleDBSchema(msg *nats.Msg) {
	var resp wire.DBSchemaResponse
	e.dbInspect(msg, &resp.RelayError, &resp, func(ctx context.Context) error {
		out, err := e.db.Schema(ctx)
		if err == nil {
			resp = out
		}
		return err
	})
}

func (e *Engine) HandleDBStats(msg *nats.Msg) {
	var resp wire.DBStatsResponse
	e.dbInspect(msg, &resp.RelayError, &resp, func(ctx context.Context) error {
		out, err := e.db.Stats(ctx)
		if err == nil {
			resp = out
		}
		return err
	})
}

func (e *Engine) HandleDBRows(msg *nats.Msg) {
	var resp wire.DBRowsResponse
	var req wire.DBRowsRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "bad request: " + err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	if !store.AllowedTable(req.Table) {
		resp.Error = "unknown table: " + req.Table
		resp.Code = http.StatusNotFound
		e.bc.Respond(msg, &resp)
		return
	}
	e.dbInspect(msg, &resp.RelayError, &resp, func(ctx context.Context) error {
		out, err := e.db.TableRows(ctx, req.Table, req.Limit, req.Offset)
		if err == nil {
			resp = out
		}
		return err
	})
}

func (e *Engine) HandleDBRow(msg *nats.Msg) {
	var resp wire.DBRowResponse
	var req wire.DBRowRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "bad request: " + err.Error()
		resp.Code = http.StatusBadRequest
		e.bc.Respond(msg, &resp)
		return
	}
	if !store.AllowedTable(req.Table) {
		resp.Error = "unknown table: " + req.Table
		resp.Code = http.StatusNotFound
		e.bc.Respond(msg, &resp)
		return
	}
	e.dbInspect(msg, &resp.RelayError, &resp, func(ctx context.Context) error {
		out, err := e.db.TableRow(ctx, req.Table, req.PK)
		if err == nil {
			resp = out
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			resp.Code = http.StatusNotFound
		}
		return err
	})
}
