package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub broadcasts periodic Snapshot updates to every connected websocket
// client. Unlike the bidirectional CDP proxy it was adapted from, this
// is a one-way fan-out: clients never send anything the hub acts on.
type Hub struct {
	registry *Registry
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub constructs a Hub that polls registry for a Snapshot every
// interval and pushes it to all currently connected clients.
func NewHub(registry *Registry, logger *zap.Logger, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Hub{
		registry: registry,
		logger:   logger,
		interval: interval,
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// Run broadcasts snapshots until ctx-like stop channel is closed. It is
// meant to be launched as a goroutine from main.
func (h *Hub) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast(h.registry.Snapshot())
		}
	}
}

func (h *Hub) broadcast(snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("metrics hub: marshal snapshot failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Debug("metrics hub: write failed, dropping client", zap.Error(err))
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// ServeWS upgrades the connection and registers it to receive broadcast
// snapshots. It sends one immediate snapshot on connect so the client
// doesn't wait a full interval for its first data point.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("metrics hub: upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	if payload, err := json.Marshal(h.registry.Snapshot()); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}

	// Drain and discard any client-sent frames so the read side stays
	// unblocked; a dead connection's read will error and trigger cleanup.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
