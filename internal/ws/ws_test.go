package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasbegun/eyed/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	c1 := dial(t, wsURL(srv, "/ws/results"))
	c2 := dial(t, wsURL(srv, "/ws/results"))

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast(&wire.AnalyzeResponse{
		FrameID:  "7",
		DeviceID: "cam-a",
		Match:    &wire.MatchInfo{HammingDistance: 0.21, IsMatch: true},
	})

	for _, c := range []*websocket.Conn{c1, c2} {
		var got wire.AnalyzeResponse
		readJSON(t, c, &got)
		assert.Equal(t, "7", got.FrameID)
		assert.Equal(t, "cam-a", got.DeviceID)
		require.NotNil(t, got.Match)
		assert.True(t, got.Match.IsMatch)
	}
}

func TestHubRemovesDisconnectedClient(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	c := dial(t, wsURL(srv, "/ws/results"))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	c.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Broadcasting with no clients must not panic.
	hub.Broadcast(&wire.AnalyzeResponse{FrameID: "1"})
}

func TestSignalingRejectsMissingParams(t *testing.T) {
	hub := NewSignalingHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSignaling))
	defer srv.Close()

	for _, q := range []string{"", "?device_id=cam-a", "?device_id=cam-a&role=spectator", "?role=viewer"} {
		resp, err := http.Get(srv.URL + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %q", q)
	}
}

func TestSignalingRelaysBetweenDeviceAndViewers(t *testing.T) {
	hub := NewSignalingHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSignaling))
	defer srv.Close()

	dev := dial(t, wsURL(srv, "")+"?device_id=cam-a&role=device")
	require.Eventually(t, func() bool { return hub.DeviceCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	viewer := dial(t, wsURL(srv, "")+"?device_id=cam-a&role=viewer")
	require.Eventually(t, func() bool { return hub.ViewerCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Device sees the viewer join.
	var join wire.SignalMessage
	readJSON(t, dev, &join)
	assert.Equal(t, "join", join.Type)
	assert.Equal(t, "viewer", join.From)
	assert.Equal(t, "cam-a", join.DeviceID)

	// Viewer offer reaches the device with sender fields enforced.
	offer := wire.SignalMessage{
		Type:     "offer",
		DeviceID: "spoofed",
		From:     "device",
		Payload:  json.RawMessage(`{"sdp":"v=0"}`),
	}
	require.NoError(t, viewer.WriteJSON(offer))

	var got wire.SignalMessage
	readJSON(t, dev, &got)
	assert.Equal(t, "offer", got.Type)
	assert.Equal(t, "cam-a", got.DeviceID)
	assert.Equal(t, "viewer", got.From)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(got.Payload))

	// Device answer reaches the viewer.
	require.NoError(t, dev.WriteJSON(wire.SignalMessage{
		Type:    "answer",
		Payload: json.RawMessage(`{"sdp":"v=1"}`),
	}))

	var ans wire.SignalMessage
	readJSON(t, viewer, &ans)
	assert.Equal(t, "answer", ans.Type)
	assert.Equal(t, "device", ans.From)
	assert.Equal(t, "cam-a", ans.DeviceID)
}

func TestSignalingNewerDeviceReplacesOlder(t *testing.T) {
	hub := NewSignalingHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSignaling))
	defer srv.Close()

	dev1 := dial(t, wsURL(srv, "")+"?device_id=cam-a&role=device")
	require.Eventually(t, func() bool { return hub.DeviceCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	dev2 := dial(t, wsURL(srv, "")+"?device_id=cam-a&role=device")
	_ = dev2
	require.Eventually(t, func() bool { return hub.DeviceCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Old connection going away must not unregister the replacement.
	dev1.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.DeviceCount())

	viewer := dial(t, wsURL(srv, "")+"?device_id=cam-a&role=viewer")
	require.Eventually(t, func() bool { return hub.ViewerCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, viewer.WriteJSON(wire.SignalMessage{Type: "offer"}))

	// dev2 sees the join frame then the offer.
	var first wire.SignalMessage
	readJSON(t, dev2, &first)
	var second wire.SignalMessage
	if first.Type == "join" {
		readJSON(t, dev2, &second)
	} else {
		second = first
	}
	assert.Equal(t, "offer", second.Type)
}
