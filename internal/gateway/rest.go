package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hasbegun/eyed/internal/breaker"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/config"
	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/wire"
	"github.com/hasbegun/eyed/internal/ws"
)

const (
	// slowRelayTimeout bounds relays that may render visualizations or
	// round-trip the key service.
	slowRelayTimeout = 30 * time.Second

	// Engine health is proxied with a short cache so a UI polling loop
	// does not hammer the bus.
	engineHealthTTL     = 5 * time.Second
	engineHealthTimeout = 2 * time.Second

	// sseBuffer is the per-job progress queue between the NATS callback
	// and the HTTP writer.
	sseBuffer = 1024
)

// RESTServer is the HTTP surface: health, enroll, analyze, admin relays,
// and the two WebSocket endpoints.
type RESTServer struct {
	cfg *config.GatewayConfig
	bc  *bus.Client
	brk *breaker.Breaker
	hub *ws.Hub
	sig *ws.SignalingHub
	log *slog.Logger
	met *metrics.GatewayMetrics

	healthMu sync.Mutex
	healthAt time.Time
	health   *wire.EngineHealth
}

// NewRESTServer wires the HTTP surface. hub serves /ws/results, sig serves
// /ws/signaling.
func NewRESTServer(cfg *config.GatewayConfig, bc *bus.Client, brk *breaker.Breaker, hub *ws.Hub, sig *ws.SignalingHub, logger *slog.Logger, met *metrics.GatewayMetrics) *RESTServer {
	return &RESTServer{
		cfg: cfg,
		bc:  bc,
		brk: brk,
		hub: hub,
		sig: sig,
		log: logger,
		met: met,
	}
}

// Router builds the full route table wrapped in CORS and request logging.
func (s *RESTServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health/alive", s.handleAlive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/engine/health/ready", s.handleEngineReady).Methods(http.MethodGet)

	r.HandleFunc("/enroll", s.handleEnroll).Methods(http.MethodPost)
	r.HandleFunc("/enroll/batch", s.handleEnrollBatch).Methods(http.MethodPost)
	r.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/analyze/detailed", s.handleAnalyzeDetailed).Methods(http.MethodPost)

	r.HandleFunc("/gallery", s.handleGalleryList).Methods(http.MethodGet)
	r.HandleFunc("/gallery/{identity_id}", s.handleGalleryDelete).Methods(http.MethodDelete)
	r.HandleFunc("/templates/{template_id}", s.handleTemplateDetail).Methods(http.MethodGet)

	r.HandleFunc("/datasets", s.handleDatasetsList).Methods(http.MethodGet)
	r.HandleFunc("/datasets/paths", s.handleDatasetPaths).Methods(http.MethodGet)
	r.HandleFunc("/datasets/paths", s.handleDatasetPathAdd).Methods(http.MethodPost)
	r.HandleFunc("/datasets/paths", s.handleDatasetPathRemove).Methods(http.MethodDelete)
	r.HandleFunc("/datasets/{name}/subjects", s.handleDatasetSubjects).Methods(http.MethodGet)
	r.HandleFunc("/datasets/{name}/images", s.handleDatasetImages).Methods(http.MethodGet)

	r.HandleFunc("/db/schema", s.handleDBSchema).Methods(http.MethodGet)
	r.HandleFunc("/db/stats", s.handleDBStats).Methods(http.MethodGet)
	r.HandleFunc("/db/table/{name}/rows", s.handleDBRows).Methods(http.MethodGet)
	r.HandleFunc("/db/row/{table}/{pk}", s.handleDBRow).Methods(http.MethodGet)

	r.HandleFunc("/ws/results", s.hub.HandleWS)
	r.HandleFunc("/ws/signaling", s.sig.HandleSignaling)
	r.Handle("/metrics", promhttp.Handler())

	return corsMiddleware(s.logRequests(r))
}

// --- health ---

type readyResponse struct {
	Alive          bool   `json:"alive"`
	Ready          bool   `json:"ready"`
	NATSConnected  bool   `json:"nats_connected"`
	CircuitBreaker string `json:"circuit_breaker"`
	Version        string `json:"version"`
}

func (s *RESTServer) handleAlive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func (s *RESTServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	connected := s.bc.IsConnected()
	state := s.brk.State()
	ready := connected && state != breaker.StateOpen

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResponse{
		Alive:          true,
		Ready:          ready,
		NATSConnected:  connected,
		CircuitBreaker: state.String(),
		Version:        config.Version,
	})
}

func (s *RESTServer) handleEngineReady(w http.ResponseWriter, r *http.Request) {
	health, err := s.engineHealth(r)
	if err != nil {
		s.log.Warn("engine health probe failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "engine unreachable"})
		return
	}
	status := http.StatusOK
	if !health.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *RESTServer) engineHealth(r *http.Request) (*wire.EngineHealth, error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	if s.health != nil && time.Since(s.healthAt) < engineHealthTTL {
		return s.health, nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), engineHealthTimeout)
	defer cancel()

	var health wire.EngineHealth
	if err := s.bc.Request(ctx, bus.SubjectEngineHealth, nil, &health); err != nil {
		return nil, err
	}
	s.health, s.healthAt = &health, time.Now()
	return &health, nil
}

// --- enroll / analyze ---

func (s *RESTServer) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req wire.EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.JPEGB64 == "" {
		http.Error(w, `{"error":"jpeg_b64 is required"}`, http.StatusBadRequest)
		return
	}
	s.relay(w, r, "enroll", bus.SubjectEnroll, &req, s.cfg.EnrollTimeout)
}

func (s *RESTServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	s.analyze(w, r, false)
}

func (s *RESTServer) handleAnalyzeDetailed(w http.ResponseWriter, r *http.Request) {
	s.analyze(w, r, true)
}

func (s *RESTServer) analyze(w http.ResponseWriter, r *http.Request, detail bool) {
	var req wire.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.JPEGB64 == "" {
		http.Error(w, `{"error":"jpeg_b64 is required"}`, http.StatusBadRequest)
		return
	}
	if req.FrameID == "" {
		req.FrameID = uuid.NewString()
	}
	if req.DeviceID == "" {
		req.DeviceID = "rest"
	}
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	req.Detail = detail

	route, timeout := "analyze", s.cfg.AnalyzeTimeout
	if detail {
		route, timeout = "analyze_detailed", slowRelayTimeout
	}

	if s.brk.State() == breaker.StateOpen {
		s.met.RelayRequests.WithLabelValues(route, "503").Inc()
		http.Error(w, `{"error":"engine circuit open"}`, http.StatusServiceUnavailable)
		return
	}
	s.relay(w, r, route, bus.SubjectAnalyze, &req, timeout)
}

// --- bulk enroll (SSE) ---

// handleEnrollBatch starts a dataset enrollment job and streams its progress
// as server-sent events. Closing the connection cancels the job after the
// item in flight.
func (s *RESTServer) handleEnrollBatch(w http.ResponseWriter, r *http.Request) {
	var req wire.BulkEnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Dataset == "" {
		http.Error(w, `{"error":"dataset is required"}`, http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	req.JobID = uuid.NewString()

	// Subscribe before kicking the job off so the first events cannot
	// slip past us.
	events := make(chan wire.BulkEnrollProgress, sseBuffer)
	sub, err := s.bc.Subscribe(bus.EnrollProgressSubject(req.JobID), func(msg *nats.Msg) {
		var ev wire.BulkEnrollProgress
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		select {
		case events <- ev:
		default:
			s.log.Warn("bulk progress dropped, slow client", "job_id", ev.JobID)
		}
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "bus unavailable"})
		return
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.EnrollTimeout)
	var ack wire.BulkEnrollAck
	err = s.bc.Request(ctx, bus.SubjectEnrollBulk, &req, &ack)
	cancel()
	if err != nil {
		s.met.RelayRequests.WithLabelValues("enroll_batch", "502").Inc()
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "engine unreachable"})
		return
	}
	if ack.Error != "" {
		// The only immediate refusal is an unknown or empty dataset.
		s.met.RelayRequests.WithLabelValues("enroll_batch", "404").Inc()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ack.Error})
		return
	}
	s.met.RelayRequests.WithLabelValues("enroll_batch", "200").Inc()
	s.log.Info("bulk enroll started", "job_id", req.JobID,
		"dataset", req.Dataset, "total", ack.Total)

	// A large dataset streams for longer than the server's write timeout;
	// the job's lifetime is governed by r.Context() instead.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.log.Debug("cannot clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			if err := s.bc.Publish(bus.EnrollCancelSubject(req.JobID), wire.BulkEnrollCancel{JobID: req.JobID}); err != nil {
				s.log.Warn("bulk cancel publish failed", "job_id", req.JobID, "error", err)
			}
			s.log.Info("bulk enroll client left, job cancelled", "job_id", req.JobID)
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if ev.Done {
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
				flusher.Flush()
				s.log.Info("bulk enroll finished", "job_id", req.JobID)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// --- middleware ---

func (s *RESTServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= 400 {
			level = slog.LevelInfo
		}
		s.log.Log(r.Context(), level, "http",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code for the request log while keeping
// Flush and Hijack working for SSE and WebSocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// Unwrap lets http.NewResponseController reach the real connection, which
// the SSE handler needs to clear the write deadline.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
