// Package ws fans recognition results out to browser clients and relays
// WebRTC signaling between capture devices and viewers. Both hubs ride the
// gateway's HTTP listener; neither persists anything.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/wire"
)

const (
	// writeWait bounds a single data or control write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before the read side
	// gives up on it. Pings go out at pingPeriod, well inside pongWait.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	controlWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev; tighten for production
	},
}

// Hub tracks result-stream WebSocket clients and broadcasts every analyze
// outcome to all of them. Clients are write-only from the hub's point of
// view; anything they send is discarded.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	logger  *slog.Logger
	met     *metrics.GatewayMetrics
}

// NewHub creates a results hub. met may be nil.
func NewHub(logger *slog.Logger, met *metrics.GatewayMetrics) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  logger,
		met:     met,
	}
}

// HandleWS upgrades the HTTP connection and registers the client until it
// disconnects or stops answering pings.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.setGauge(count)

	h.logger.Info("websocket client connected", "clients", count)

	// Read loop: discard incoming messages, detect disconnect.
	go func() {
		defer func() {
			h.drop(conn)
			h.logger.Info("websocket client disconnected", "clients", h.ClientCount())
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Ping loop keeps idle connections alive.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, exists := h.clients[conn]
			h.mu.RUnlock()
			if !exists {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends an analyze result to every connected client. Clients whose
// write fails are dropped on the spot.
func (h *Hub) Broadcast(resp *wire.AnalyzeResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("marshal result for websocket", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed, removing client", "error", err)
			h.drop(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(c *websocket.Conn) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	if present {
		c.Close()
	}
	h.setGauge(count)
}

func (h *Hub) setGauge(n int) {
	if h.met != nil {
		h.met.WSClients.Set(float64(n))
	}
}
