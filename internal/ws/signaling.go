package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hasbegun/eyed/internal/wire"
)

type sigClient struct {
	conn     *websocket.Conn
	deviceID string
	role     string // "device" or "viewer"

	writeMu sync.Mutex
}

func (c *sigClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SignalingHub relays WebRTC signaling messages between capture devices and
// browser viewers.
//
// Protocol:
//   - Capture device connects to /ws/signaling?device_id=X&role=device
//   - Browser connects to /ws/signaling?device_id=X&role=viewer
//   - Messages from the device go to all viewers of that device
//   - Messages from a viewer go to the device
//
// A device id maps to at most one device connection; a newer device
// connection replaces the older one.
type SignalingHub struct {
	mu      sync.RWMutex
	devices map[string]*sigClient
	viewers map[string]map[*sigClient]struct{}
	logger  *slog.Logger
}

// NewSignalingHub creates a WebRTC signaling relay.
func NewSignalingHub(logger *slog.Logger) *SignalingHub {
	return &SignalingHub{
		devices: make(map[string]*sigClient),
		viewers: make(map[string]map[*sigClient]struct{}),
		logger:  logger,
	}
}

// HandleSignaling upgrades the HTTP connection and routes signaling messages
// until the peer disconnects.
func (h *SignalingHub) HandleSignaling(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	role := r.URL.Query().Get("role")

	if deviceID == "" || (role != "device" && role != "viewer") {
		http.Error(w, `{"error":"device_id and role (device|viewer) required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("signaling websocket upgrade failed", "error", err)
		return
	}

	client := &sigClient{conn: conn, deviceID: deviceID, role: role}

	h.register(client)
	defer h.unregister(client)

	h.logger.Info("signaling client connected", "device_id", deviceID, "role", role)

	h.broadcastPresence(client, "join")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg wire.SignalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Debug("invalid signaling message", "error", err)
			continue
		}

		// Sender identity comes from the URL, not the payload.
		msg.DeviceID = deviceID
		msg.From = role

		h.relay(client, &msg)
	}

	h.broadcastPresence(client, "leave")
	h.logger.Info("signaling client disconnected", "device_id", deviceID, "role", role)
}

func (h *SignalingHub) register(c *sigClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.role == "device" {
		if old, ok := h.devices[c.deviceID]; ok && old != c {
			old.conn.Close()
		}
		h.devices[c.deviceID] = c
	} else {
		if h.viewers[c.deviceID] == nil {
			h.viewers[c.deviceID] = make(map[*sigClient]struct{})
		}
		h.viewers[c.deviceID][c] = struct{}{}
	}
}

func (h *SignalingHub) unregister(c *sigClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.role == "device" {
		if h.devices[c.deviceID] == c {
			delete(h.devices, c.deviceID)
		}
	} else {
		if viewers, ok := h.viewers[c.deviceID]; ok {
			delete(viewers, c)
			if len(viewers) == 0 {
				delete(h.viewers, c.deviceID)
			}
		}
	}
	c.conn.Close()
}

// relay forwards a signaling message to the appropriate peer(s).
func (h *SignalingHub) relay(sender *sigClient, msg *wire.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if sender.role == "device" {
		for viewer := range h.viewers[sender.deviceID] {
			viewer.write(data)
		}
	} else {
		if dev, ok := h.devices[sender.deviceID]; ok {
			dev.write(data)
		}
	}
}

// broadcastPresence notifies peers about a client joining or leaving.
func (h *SignalingHub) broadcastPresence(c *sigClient, eventType string) {
	msg := wire.SignalMessage{
		Type:     eventType,
		DeviceID: c.deviceID,
		From:     c.role,
	}
	data, _ := json.Marshal(msg)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if c.role == "device" {
		for viewer := range h.viewers[c.deviceID] {
			viewer.write(data)
		}
	} else {
		if dev, ok := h.devices[c.deviceID]; ok {
			dev.write(data)
		}
	}
}

// DeviceCount returns the number of connected capture devices.
func (h *SignalingHub) DeviceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// ViewerCount returns the total number of connected viewers across devices.
func (h *SignalingHub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, viewers := range h.viewers {
		total += len(viewers)
	}
	return total
}
