package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/config"
	"github.com/hasbegun/eyed/internal/gallery"
	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/pipeline"
	"github.com/hasbegun/eyed/internal/wire"
)

// Prometheus registration is process-global, so all tests share one set.
var (
	metricsOnce sync.Once
	engMetrics  *metrics.EngineMetrics
)

func testMetrics() *metrics.EngineMetrics {
	metricsOnce.Do(func() { engMetrics = metrics.NewEngine() })
	return engMetrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runBus starts an in-process NATS server and returns a connected client.
func runBus(t *testing.T) *bus.Client {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Port: -1})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server did not come up")
	}
	t.Cleanup(srv.Shutdown)

	bc, err := bus.Connect(srv.ClientURL(), "engine-test", testLogger())
	require.NoError(t, err)
	t.Cleanup(bc.Close)
	return bc
}

// testJPEGBytes renders deterministic grayscale noise. The texture encoder
// is a pure function of the pixels, so the same seed enrolled and analyzed
// again lands at distance zero while two different seeds sit near 0.5,
// far outside any sane threshold.
func testJPEGBytes(t *testing.T, seed int64) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}))
	return buf.Bytes()
}

func testJPEG(t *testing.T, seed int64) string {
	return base64.StdEncoding.EncodeToString(testJPEGBytes(t, seed))
}

// flatJPEG is a uniform gray frame: zero gradient everywhere, so the mask
// rejects every bit and quality collapses to zero.
func flatJPEG(t *testing.T) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 127
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type testEngine struct {
	*Engine
	bc       *bus.Client
	dataRoot string
}

// newTestEngine wires an engine without database, cache or key service onto
// an embedded bus, registers its subjects and runs it until test cleanup.
func newTestEngine(t *testing.T, poolSize int, factory pipeline.Factory) *testEngine {
	t.Helper()

	bc := runBus(t)
	dataRoot := t.TempDir()
	cfg := &config.EngineConfig{
		NodeID:           "engine-under-test",
		MatchThreshold:   0.39,
		DedupThreshold:   0.32,
		RotationShift:    4,
		PipelinePoolSize: poolSize,
		DataRoot:         dataRoot,
	}

	pool, err := pipeline.NewPool(poolSize, factory, testLogger())
	require.NoError(t, err)

	eng := New(cfg, Deps{
		Bus:      bc,
		Pool:     pool,
		Gallery:  gallery.New(cfg.MatchThreshold, cfg.DedupThreshold, cfg.RotationShift),
		Datasets: NewDatasets(dataRoot, nil, testLogger()),
		Logger:   testLogger(),
		Metrics:  testMetrics(),
	})
	require.NoError(t, eng.Register())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not drain after cancel")
		}
	})

	return &testEngine{Engine: eng, bc: bc, dataRoot: dataRoot}
}

func enroll(t *testing.T, fx *testEngine, req *wire.EnrollRequest) *wire.EnrollResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var resp wire.EnrollResponse
	require.NoError(t, fx.bc.Request(ctx, bus.SubjectEnroll, req, &resp))
	return &resp
}

func analyze(t *testing.T, fx *testEngine, req *wire.AnalyzeRequest) *wire.AnalyzeResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var resp wire.AnalyzeResponse
	require.NoError(t, fx.bc.Request(ctx, bus.SubjectAnalyze, req, &resp))
	return &resp
}

func TestAnalyzeMatchesEnrolledIdentity(t *testing.T) {
	fx := newTestEngine(t, 2, pipeline.TextureFactory)
	frame := testJPEG(t, 1)

	enr := enroll(t, fx, &wire.EnrollRequest{JPEGB64: frame, EyeSide: "left", Name: "alice"})
	require.Empty(t, enr.Error)
	require.False(t, enr.IsDuplicate)
	require.NotEmpty(t, enr.IdentityID)
	require.NotEmpty(t, enr.TemplateID)

	resp := analyze(t, fx, &wire.AnalyzeRequest{FrameID: "42", DeviceID: "cam-1", JPEGB64: frame})
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Match)
	assert.True(t, resp.Match.IsMatch)
	assert.Equal(t, enr.IdentityID, resp.Match.MatchedIdentityID)
	assert.Equal(t, "alice", resp.Match.MatchedIdentityName)
	assert.Less(t, resp.Match.HammingDistance, 0.05)
	assert.Equal(t, "42", resp.FrameID)
	assert.Equal(t, "cam-1", resp.DeviceID)
	assert.NotEmpty(t, resp.IrisTemplateB64)
	assert.Greater(t, resp.LatencyMS, 0.0)
}

func TestAnalyzeStrangerDoesNotMatch(t *testing.T) {
	fx := newTestEngine(t, 2, pipeline.TextureFactory)

	enr := enroll(t, fx, &wire.EnrollRequest{JPEGB64: testJPEG(t, 10), Name: "bob"})
	require.Empty(t, enr.Error)

	resp := analyze(t, fx, &wire.AnalyzeRequest{FrameID: "7", JPEGB64: testJPEG(t, 11)})
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Match)
	assert.False(t, resp.Match.IsMatch)
	assert.Empty(t, resp.Match.MatchedIdentityID)
	assert.Greater(t, resp.Match.HammingDistance, 0.39)
}

func TestAnalyzeEmptyGalleryReportsNoMatch(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	resp := analyze(t, fx, &wire.AnalyzeRequest{FrameID: "1", JPEGB64: testJPEG(t, 3)})
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Match)
	assert.False(t, resp.Match.IsMatch)
	assert.Equal(t, 1.0, resp.Match.HammingDistance)
}

func TestAnalyzeDetailCarriesQualityAndCodeImages(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	resp := analyze(t, fx, &wire.AnalyzeRequest{FrameID: "d1", JPEGB64: testJPEG(t, 5), Detail: true})
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Detail)
	require.NotNil(t, resp.Detail.Quality)
	assert.Greater(t, resp.Detail.Quality.Sharpness, 0.0)
	assert.Less(t, resp.Detail.Quality.OcclusionFraction, 1.0)

	for _, key := range []string{"iris_code", "mask"} {
		pngB64, ok := resp.Detail.Images[key]
		require.True(t, ok, "missing %s image", key)
		raw, err := base64.StdEncoding.DecodeString(pngB64)
		require.NoError(t, err)
		img, format, err := image.Decode(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "png", format)
		assert.Equal(t, 256, img.Bounds().Dx())
	}
}

func TestAnalyzeBadImageReportsError(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	resp := analyze(t, fx, &wire.AnalyzeRequest{
		FrameID: "bad",
		JPEGB64: base64.StdEncoding.EncodeToString([]byte("not an image")),
	})
	assert.Contains(t, resp.Error, "decode image")
	assert.Nil(t, resp.Match)
	assert.Equal(t, "bad", resp.FrameID)
}

func TestAnalyzeResultReachesResultSubject(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	results := make(chan wire.AnalyzeResponse, 4)
	_, err := fx.bc.Subscribe(bus.SubjectResult, func(msg *nats.Msg) {
		var r wire.AnalyzeResponse
		if json.Unmarshal(msg.Data, &r) == nil {
			results <- r
		}
	})
	require.NoError(t, err)

	// Fire and forget, the way the gateway submits camera frames.
	require.NoError(t, fx.bc.Publish(bus.SubjectAnalyze, &wire.AnalyzeRequest{
		FrameID: "88", DeviceID: "cam-2", JPEGB64: testJPEG(t, 9),
	}))

	select {
	case r := <-results:
		assert.Equal(t, "88", r.FrameID)
		assert.Equal(t, "cam-2", r.DeviceID)
		assert.Empty(t, r.Error)
		require.NotNil(t, r.Match)
	case <-time.After(10 * time.Second):
		t.Fatal("result never published")
	}
}

func TestAnalyzePublishesArchiveMessage(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	archived := make(chan wire.ArchiveMessage, 1)
	_, err := fx.bc.Subscribe(bus.SubjectArchive, func(msg *nats.Msg) {
		var m wire.ArchiveMessage
		if json.Unmarshal(msg.Data, &m) == nil {
			archived <- m
		}
	})
	require.NoError(t, err)

	frame := testJPEG(t, 12)
	resp := analyze(t, fx, &wire.AnalyzeRequest{
		FrameID: "a1", DeviceID: "cam-3", JPEGB64: frame, QualityScore: 0.8,
	})
	require.Empty(t, resp.Error)

	select {
	case m := <-archived:
		assert.Equal(t, "a1", m.FrameID)
		assert.Equal(t, "cam-3", m.DeviceID)
		assert.Equal(t, frame, m.RawJPEGB64)
		assert.InDelta(t, 0.8, m.QualityScore, 1e-9)
		require.NotNil(t, m.IrisTemplateB64)
		assert.Nil(t, m.Error)
	case <-time.After(10 * time.Second):
		t.Fatal("archive message never published")
	}
}

// gatedPipeline blocks inside Analyze until released, pinning the single
// pool worker so admission control can be observed.
type gatedPipeline struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPipeline) Analyze(ctx context.Context, _ []byte) (*pipeline.Result, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
		return nil, errors.New("released without work")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAnalyzeRejectsWhenQueueFull(t *testing.T) {
	gate := &gatedPipeline{entered: make(chan struct{}, 4), release: make(chan struct{})}
	fx := newTestEngine(t, 1, func() (pipeline.Pipeline, error) { return gate, nil })
	defer close(gate.release)

	results := make(chan wire.AnalyzeResponse, 8)
	_, err := fx.bc.Subscribe(bus.SubjectResult, func(msg *nats.Msg) {
		var r wire.AnalyzeResponse
		if json.Unmarshal(msg.Data, &r) == nil {
			results <- r
		}
	})
	require.NoError(t, err)

	// Frame 1 occupies the only worker.
	require.NoError(t, fx.bc.Publish(bus.SubjectAnalyze, &wire.AnalyzeRequest{FrameID: "1", JPEGB64: testJPEG(t, 1)}))
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up frame 1")
	}

	// Frame 2 fills the one-deep queue.
	require.NoError(t, fx.bc.Publish(bus.SubjectAnalyze, &wire.AnalyzeRequest{FrameID: "2", JPEGB64: testJPEG(t, 2)}))
	require.Eventually(t, func() bool { return len(fx.work) == 1 },
		5*time.Second, 10*time.Millisecond, "frame 2 never queued")

	// Frame 3 must bounce at admission with the queue depth attached.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var rej wire.AnalyzeResponse
	require.NoError(t, fx.bc.Request(ctx, bus.SubjectAnalyze,
		&wire.AnalyzeRequest{FrameID: "3", DeviceID: "cam-9", JPEGB64: testJPEG(t, 3)}, &rej))

	require.NotNil(t, rej.Accepted)
	assert.False(t, *rej.Accepted)
	assert.Equal(t, "engine busy", rej.Error)
	assert.Equal(t, 1, rej.QueueDepth)
	assert.Equal(t, "3", rej.FrameID)
	assert.Equal(t, "cam-9", rej.DeviceID)

	// The rejection is also broadcast so result consumers see the drop.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-results:
			if r.FrameID != "3" {
				continue
			}
			require.NotNil(t, r.Accepted)
			assert.False(t, *r.Accepted)
			return
		case <-deadline:
			t.Fatal("rejection never reached the result subject")
		}
	}
}

func TestEnrollRejectsFlatImage(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	resp := enroll(t, fx, &wire.EnrollRequest{JPEGB64: flatJPEG(t), Name: "ghost"})
	assert.Contains(t, resp.Error, "quality")
	assert.Empty(t, resp.TemplateID)
	assert.Zero(t, fx.gal.Size())
}

func TestEnrollDetectsDuplicate(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)
	frame := testJPEG(t, 20)

	first := enroll(t, fx, &wire.EnrollRequest{JPEGB64: frame, Name: "carol"})
	require.Empty(t, first.Error)
	require.False(t, first.IsDuplicate)

	second := enroll(t, fx, &wire.EnrollRequest{JPEGB64: frame, Name: "carol again"})
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.IdentityID, second.DuplicateIdentityID)
	assert.Equal(t, "carol", second.DuplicateIdentityName)
	assert.Empty(t, second.TemplateID)
	assert.Equal(t, 1, fx.gal.Size())
}

func TestEnrollSecondEyeJoinsIdentity(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	left := enroll(t, fx, &wire.EnrollRequest{JPEGB64: testJPEG(t, 30), EyeSide: "left", Name: "dave"})
	require.Empty(t, left.Error)

	right := enroll(t, fx, &wire.EnrollRequest{
		JPEGB64:    testJPEG(t, 31),
		EyeSide:    "right",
		IdentityID: left.IdentityID,
		Name:       "dave",
	})
	require.Empty(t, right.Error)
	assert.Equal(t, left.IdentityID, right.IdentityID)
	assert.NotEqual(t, left.TemplateID, right.TemplateID)
	assert.Equal(t, 2, fx.gal.Size())
}

func TestEnrollBroadcastsTemplatesChanged(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	events := make(chan wire.TemplatesChanged, 1)
	_, err := fx.bc.Subscribe(bus.SubjectTemplatesChanged, func(msg *nats.Msg) {
		var ev wire.TemplatesChanged
		if json.Unmarshal(msg.Data, &ev) == nil {
			events <- ev
		}
	})
	require.NoError(t, err)

	resp := enroll(t, fx, &wire.EnrollRequest{JPEGB64: testJPEG(t, 40), Name: "erin"})
	require.Empty(t, resp.Error)

	select {
	case ev := <-events:
		assert.Equal(t, "enrolled", ev.Action)
		assert.Equal(t, resp.IdentityID, ev.IdentityID)
		assert.Equal(t, resp.TemplateID, ev.TemplateID)
		assert.Equal(t, fx.NodeID(), ev.NodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("templates.changed never published")
	}
}

func TestEngineHealthOverBus(t *testing.T) {
	fx := newTestEngine(t, 2, pipeline.TextureFactory)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var h wire.EngineHealth
	require.NoError(t, fx.bc.Request(ctx, bus.SubjectEngineHealth, nil, &h))

	assert.True(t, h.Alive)
	assert.True(t, h.Ready)
	assert.True(t, h.PipelineLoaded)
	assert.True(t, h.NATSConnected)
	assert.False(t, h.DBConnected)
	assert.Equal(t, 2, h.PipelinePoolSize)
	assert.Equal(t, config.Version, h.Version)
}

func TestGalleryListGroupsTemplatesByIdentity(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	a := enroll(t, fx, &wire.EnrollRequest{JPEGB64: testJPEG(t, 50), EyeSide: "left", Name: "ann"})
	require.Empty(t, a.Error)
	a2 := enroll(t, fx, &wire.EnrollRequest{JPEGB64: testJPEG(t, 51), EyeSide: "right", IdentityID: a.IdentityID, Name: "ann"})
	require.Empty(t, a2.Error)
	b := enroll(t, fx, &wire.EnrollRequest{JPEGB64: testJPEG(t, 52), EyeSide: "left", Name: "ben"})
	require.Empty(t, b.Error)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var list wire.GalleryListResponse
	require.NoError(t, fx.bc.Request(ctx, bus.SubjectGalleryList, nil, &list))

	require.Empty(t, list.Error)
	assert.Equal(t, 3, list.Size)
	require.Len(t, list.Identities, 2)

	byID := map[string]wire.GalleryIdentity{}
	for _, id := range list.Identities {
		byID[id.IdentityID] = id
	}
	ann := byID[a.IdentityID]
	assert.Equal(t, "ann", ann.Name)
	require.Len(t, ann.Templates, 2)
	assert.Equal(t, "npz", ann.Templates[0].Format)
	require.Len(t, byID[b.IdentityID].Templates, 1)
}

func TestGalleryDeleteRemovesIdentity(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	enr := enroll(t, fx, &wire.EnrollRequest{JPEGB64: testJPEG(t, 60), Name: "gone"})
	require.Empty(t, enr.Error)
	require.Equal(t, 1, fx.gal.Size())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var del wire.GalleryDeleteResponse
	require.NoError(t, fx.bc.Request(ctx, bus.SubjectGalleryDelete,
		&wire.GalleryDeleteRequest{IdentityID: enr.IdentityID}, &del))
	require.Empty(t, del.Error)
	assert.True(t, del.Deleted)
	assert.Zero(t, fx.gal.Size())

	// Deleting again reports not found.
	var again wire.GalleryDeleteResponse
	require.NoError(t, fx.bc.Request(ctx, bus.SubjectGalleryDelete,
		&wire.GalleryDeleteRequest{IdentityID: enr.IdentityID}, &again))
	assert.False(t, again.Deleted)
	assert.Equal(t, 404, again.Code)
}

func TestGalleryDeleteRejectsBadID(t *testing.T) {
	fx := newTestEngine(t, 1, pipeline.TextureFactory)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var del wire.GalleryDeleteResponse
	require.NoError(t, fx.bc.Request(ctx, bus.SubjectGalleryDelete,
		&wire.GalleryDeleteRequest{IdentityID: "not-a-uuid"}, &del))
	assert.Equal(t, 400, del.Code)
	assert.Contains(t, del.Error, "UUID")
}

// A bare engine (never Run) keeps the reload channel observable.
func newIdleEngine(t *testing.T) *Engine {
	t.Helper()
	pool, err := pipeline.NewPool(1, pipeline.TextureFactory, testLogger())
	require.NoError(t, err)
	cfg := &config.EngineConfig{
		NodeID:         "idle-node",
		MatchThreshold: 0.39,
		DedupThreshold: 0.32,
		RotationShift:  4,
	}
	return New(cfg, Deps{
		Pool:     pool,
		Gallery:  gallery.New(cfg.MatchThreshold, cfg.DedupThreshold, cfg.RotationShift),
		Datasets: NewDatasets(t.TempDir(), nil, testLogger()),
		Logger:   testLogger(),
		Metrics:  testMetrics(),
	})
}

func TestTemplatesChangedIgnoresOwnNode(t *testing.T) {
	eng := newIdleEngine(t)

	own, err := json.Marshal(wire.TemplatesChanged{Action: "enrolled", NodeID: eng.NodeID()})
	require.NoError(t, err)
	eng.HandleTemplatesChanged(&nats.Msg{Data: own})
	assert.Zero(t, len(eng.reloadC), "own notification must not schedule a reload")

	other, err := json.Marshal(wire.TemplatesChanged{Action: "enrolled", NodeID: "somebody-else"})
	require.NoError(t, err)
	eng.HandleTemplatesChanged(&nats.Msg{Data: other})
	assert.Equal(t, 1, len(eng.reloadC))

	// A burst collapses into the single pending signal.
	eng.HandleTemplatesChanged(&nats.Msg{Data: other})
	eng.HandleTemplatesChanged(&nats.Msg{Data: other})
	assert.Equal(t, 1, len(eng.reloadC))
}

func TestNodeIDGeneratedWhenUnset(t *testing.T) {
	pool, err := pipeline.NewPool(1, pipeline.TextureFactory, testLogger())
	require.NoError(t, err)
	cfg := &config.EngineConfig{MatchThreshold: 0.39, DedupThreshold: 0.32, RotationShift: 1}
	eng := New(cfg, Deps{
		Pool:     pool,
		Gallery:  gallery.New(cfg.MatchThreshold, cfg.DedupThreshold, cfg.RotationShift),
		Datasets: NewDatasets(t.TempDir(), nil, testLogger()),
		Logger:   testLogger(),
		Metrics:  testMetrics(),
	})
	assert.NotEmpty(t, eng.NodeID())
}
