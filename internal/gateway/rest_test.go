package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasbegun/eyed/internal/breaker"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/config"
	"github.com/hasbegun/eyed/internal/wire"
	"github.com/hasbegun/eyed/internal/ws"
)

type restFixture struct {
	bc  *bus.Client
	brk *breaker.Breaker
	hub *ws.Hub
	srv *httptest.Server
}

func newRESTFixture(t *testing.T) *restFixture {
	t.Helper()
	bc := runBus(t)
	brk := breaker.New(&breaker.Config{Name: "test", FailureThreshold: 5, Cooldown: time.Hour})
	hub := newTestHub()
	sig := ws.NewSignalingHub(testLogger())

	cfg := &config.GatewayConfig{
		AnalyzeTimeout: 2 * time.Second,
		EnrollTimeout:  2 * time.Second,
		AdminTimeout:   2 * time.Second,
	}
	rest := NewRESTServer(cfg, bc, brk, hub, sig, testLogger(), testMetrics())
	srv := httptest.NewServer(rest.Router())
	t.Cleanup(srv.Close)
	return &restFixture{bc: bc, brk: brk, hub: hub, srv: srv}
}

// respond registers a request/reply responder for one subject.
func (f *restFixture) respond(t *testing.T, subject string, fn func(msg *nats.Msg) interface{}) {
	t.Helper()
	_, err := f.bc.Subscribe(subject, func(msg *nats.Msg) {
		f.bc.Respond(msg, fn(msg))
	})
	require.NoError(t, err)
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthAlive(t *testing.T) {
	f := newRESTFixture(t)

	resp, err := http.Get(f.srv.URL + "/health/alive")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	decodeBody(t, resp, &body)
	assert.True(t, body["alive"])
}

func TestHealthReadyReflectsBreaker(t *testing.T) {
	f := newRESTFixture(t)

	resp, err := http.Get(f.srv.URL + "/health/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body readyResponse
	decodeBody(t, resp, &body)
	assert.True(t, body.Ready)
	assert.True(t, body.NATSConnected)
	assert.Equal(t, "closed", body.CircuitBreaker)
	assert.Equal(t, config.Version, body.Version)

	// Trip the breaker; readiness must flip without NATS going anywhere.
	for i := 0; i < 5; i++ {
		done, err := f.brk.Allow()
		require.NoError(t, err)
		done(false)
	}
	resp, err = http.Get(f.srv.URL + "/health/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.False(t, body.Ready)
	assert.Equal(t, "open", body.CircuitBreaker)
}

func TestGalleryListRelay(t *testing.T) {
	f := newRESTFixture(t)
	f.respond(t, bus.SubjectGalleryList, func(*nats.Msg) interface{} {
		return &wire.GalleryListResponse{
			Size: 1,
			Identities: []wire.GalleryIdentity{{
				IdentityID: "id-1",
				Name:       "subject-001",
				Templates:  []wire.GalleryTemplate{{TemplateID: "tpl-1", EyeSide: "left"}},
			}},
		}
	})

	resp, err := http.Get(f.srv.URL + "/gallery")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body wire.GalleryListResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, 1, body.Size)
	require.Len(t, body.Identities, 1)
	assert.Equal(t, "subject-001", body.Identities[0].Name)
}

func TestRelayMapsEmbeddedErrorCode(t *testing.T) {
	f := newRESTFixture(t)
	f.respond(t, bus.SubjectGalleryDelete, func(msg *nats.Msg) interface{} {
		var req wire.GalleryDeleteRequest
		require.NoError(t, json.Unmarshal(msg.Data, &req))
		assert.Equal(t, "ghost", req.IdentityID)
		return &wire.GalleryDeleteResponse{
			RelayError: wire.RelayError{Error: "identity not found", Code: http.StatusNotFound},
		}
	})

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/gallery/ghost", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayWithoutResponder(t *testing.T) {
	f := newRESTFixture(t)

	resp, err := http.Get(f.srv.URL + "/db/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestAnalyzeValidatesBody(t *testing.T) {
	f := newRESTFixture(t)

	resp, err := http.Post(f.srv.URL+"/analyze", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalyzeDetailedSetsDetailFlag(t *testing.T) {
	f := newRESTFixture(t)
	f.respond(t, bus.SubjectAnalyze, func(msg *nats.Msg) interface{} {
		var req wire.AnalyzeRequest
		require.NoError(t, json.Unmarshal(msg.Data, &req))
		assert.True(t, req.Detail)
		assert.NotEmpty(t, req.FrameID)
		assert.Equal(t, "rest", req.DeviceID)
		return &wire.AnalyzeResponse{FrameID: req.FrameID, DeviceID: req.DeviceID, LatencyMS: 3}
	})

	resp, err := http.Post(f.srv.URL+"/analyze/detailed", "application/json",
		strings.NewReader(`{"jpeg_b64":"aGVsbG8="}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body wire.AnalyzeResponse
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.FrameID)
}

func TestAnalyzeRejectedWhileBreakerOpen(t *testing.T) {
	f := newRESTFixture(t)
	for i := 0; i < 5; i++ {
		done, err := f.brk.Allow()
		require.NoError(t, err)
		done(false)
	}

	resp, err := http.Post(f.srv.URL+"/analyze", "application/json",
		strings.NewReader(`{"jpeg_b64":"aGVsbG8="}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBulkEnrollStreamsProgress(t *testing.T) {
	f := newRESTFixture(t)
	f.respond(t, bus.SubjectEnrollBulk, func(msg *nats.Msg) interface{} {
		var req wire.BulkEnrollRequest
		require.NoError(t, json.Unmarshal(msg.Data, &req))
		require.NotEmpty(t, req.JobID)

		go func() {
			subject := bus.EnrollProgressSubject(req.JobID)
			f.bc.Publish(subject, &wire.BulkEnrollProgress{
				JobID: req.JobID, Subject: "001", EyeSide: "left", Status: "enrolled",
			})
			f.bc.Publish(subject, &wire.BulkEnrollProgress{
				JobID: req.JobID, Subject: "001", EyeSide: "right", Status: "duplicate",
			})
			f.bc.Publish(subject, &wire.BulkEnrollProgress{
				JobID: req.JobID, Done: true,
				Summary: &wire.BulkEnrollSummary{Total: 2, Enrolled: 1, Duplicates: 1},
			})
		}()
		return &wire.BulkEnrollAck{JobID: req.JobID, Total: 2}
	})

	resp, err := http.Post(f.srv.URL+"/enroll/batch", "application/json",
		strings.NewReader(`{"dataset":"casia1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var dataLines []string
	var doneEvent bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: done") {
			doneEvent = true
		}
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}

	require.True(t, doneEvent, "terminal done event missing")
	require.Len(t, dataLines, 3)

	var first wire.BulkEnrollProgress
	require.NoError(t, json.Unmarshal([]byte(dataLines[0]), &first))
	assert.Equal(t, "enrolled", first.Status)

	var last wire.BulkEnrollProgress
	require.NoError(t, json.Unmarshal([]byte(dataLines[2]), &last))
	require.True(t, last.Done)
	require.NotNil(t, last.Summary)
	assert.Equal(t, 1, last.Summary.Enrolled)
}

func TestBulkEnrollUnknownDataset(t *testing.T) {
	f := newRESTFixture(t)
	f.respond(t, bus.SubjectEnrollBulk, func(*nats.Msg) interface{} {
		return &wire.BulkEnrollAck{Error: "dataset not found: nope"}
	})

	resp, err := http.Post(f.srv.URL+"/enroll/batch", "application/json",
		strings.NewReader(`{"dataset":"nope"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newRESTFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/gallery", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestEngineHealthCached(t *testing.T) {
	f := newRESTFixture(t)

	var calls atomic.Int32
	f.respond(t, bus.SubjectEngineHealth, func(*nats.Msg) interface{} {
		calls.Add(1)
		return &wire.EngineHealth{Alive: true, Ready: true, GallerySize: 12}
	})

	for i := 0; i < 3; i++ {
		resp, err := http.Get(f.srv.URL + "/engine/health/ready")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var body wire.EngineHealth
		decodeBody(t, resp, &body)
		assert.Equal(t, 12, body.GallerySize)
	}
	assert.Equal(t, int32(1), calls.Load(), "engine health should be served from cache")
}

func TestEngineHealthNotReady(t *testing.T) {
	f := newRESTFixture(t)
	f.respond(t, bus.SubjectEngineHealth, func(*nats.Msg) interface{} {
		return &wire.EngineHealth{Alive: true, Ready: false}
	})

	resp, err := http.Get(f.srv.URL + "/engine/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestResultsSocketThroughRouter(t *testing.T) {
	f := newRESTFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/results"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	f.hub.Broadcast(&wire.AnalyzeResponse{FrameID: "42", DeviceID: "cam-1", LatencyMS: 7})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got wire.AnalyzeResponse
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "42", got.FrameID)
}
