package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/wire"
)

// relay forwards one request over the bus and streams the raw JSON reply
// back unchanged. An error code embedded by the responder becomes the HTTP
// status; everything else is 200 even when the payload carries a
// pipeline-level error field.
func (s *RESTServer) relay(w http.ResponseWriter, r *http.Request, route, subject string, req interface{}, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	var raw json.RawMessage
	err := s.bc.Request(ctx, subject, req, &raw)
	s.met.RelayDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.met.RelayRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.log.Warn("relay failed", "route", route, "subject", subject, "error", err)
		writeJSON(w, status, map[string]string{"error": "engine unreachable"})
		return
	}

	status := http.StatusOK
	var relErr wire.RelayError
	if json.Unmarshal(raw, &relErr) == nil && relErr.Code != 0 {
		status = relErr.Code
	}
	s.met.RelayRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

// --- gallery ---

func (s *RESTServer) handleGalleryList(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, "gallery_list", bus.SubjectGalleryList, nil, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleGalleryDelete(w http.ResponseWriter, r *http.Request) {
	req := wire.GalleryDeleteRequest{IdentityID: mux.Vars(r)["identity_id"]}
	s.relay(w, r, "gallery_delete", bus.SubjectGalleryDelete, &req, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleTemplateDetail(w http.ResponseWriter, r *http.Request) {
	// Encrypted templates round-trip the key service, so this one gets the
	// long leash.
	req := wire.TemplateDetailRequest{TemplateID: mux.Vars(r)["template_id"]}
	s.relay(w, r, "template_detail", bus.SubjectGalleryTemplate, &req, slowRelayTimeout)
}

// --- datasets ---

func (s *RESTServer) handleDatasetsList(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, "datasets_list", bus.SubjectDatasetsList, nil, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleDatasetSubjects(w http.ResponseWriter, r *http.Request) {
	req := wire.DatasetSubjectsRequest{Dataset: mux.Vars(r)["name"]}
	s.relay(w, r, "dataset_subjects", bus.SubjectDatasetSubjects, &req, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleDatasetImages(w http.ResponseWriter, r *http.Request) {
	req := wire.DatasetImagesRequest{
		Dataset: mux.Vars(r)["name"],
		Subject: r.URL.Query().Get("subject"),
		Offset:  queryInt(r, "offset"),
		Limit:   queryInt(r, "limit"),
	}
	s.relay(w, r, "dataset_images", bus.SubjectDatasetImages, &req, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleDatasetPaths(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, "dataset_paths", bus.SubjectDatasetPaths, nil, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleDatasetPathAdd(w http.ResponseWriter, r *http.Request) {
	var req wire.DatasetPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, `{"error":"path is required"}`, http.StatusBadRequest)
		return
	}
	s.relay(w, r, "dataset_path_add", bus.SubjectDatasetPathAdd, &req, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleDatasetPathRemove(w http.ResponseWriter, r *http.Request) {
	req := wire.DatasetPathRequest{Path: r.URL.Query().Get("path")}
	if req.Path == "" {
		// Also accepted as a JSON body for symmetry with add.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			http.Error(w, `{"error":"path is required"}`, http.StatusBadRequest)
			return
		}
	}
	s.relay(w, r, "dataset_path_remove", bus.SubjectDatasetPathRemove, &req, s.cfg.AdminTimeout)
}

// --- db inspector ---

func (s *RESTServer) handleDBSchema(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, "db_schema", bus.SubjectDBSchema, nil, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleDBStats(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, "db_stats", bus.SubjectDBStats, nil, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleDBRows(w http.ResponseWriter, r *http.Request) {
	req := wire.DBRowsRequest{
		Table:  mux.Vars(r)["name"],
		Offset: queryInt(r, "offset"),
		Limit:  queryInt(r, "limit"),
	}
	s.relay(w, r, "db_rows", bus.SubjectDBRows, &req, s.cfg.AdminTimeout)
}

func (s *RESTServer) handleDBRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req := wire.DBRowRequest{Table: vars["table"], PK: vars["pk"]}
	s.relay(w, r, "db_row", bus.SubjectDBRow, &req, s.cfg.AdminTimeout)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
