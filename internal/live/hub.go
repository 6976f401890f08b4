// Package live streams fresh telemetry to WebSocket subscribers: every
// merged snapshot and every finished trace, as they happen. Delivery is
// best-effort; a slow or dead client is dropped, and nothing here can ever
// push back on collection.
package live

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/collect"
	"github.com/pulseboard/pulse/internal/tracing"
)

// message is the server-sent frame: a kind tag plus the payload.
type message struct {
	Kind string `json:"kind"` // "snapshot" or "trace"
	Data any    `json:"data"`
}

// client is one connected subscriber. The send channel is bounded; a full
// channel marks the client as too slow and it gets dropped.
type client struct {
	send chan []byte
}

// Hub accepts WebSocket subscribers and fans telemetry out to them.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// PublishSnapshot broadcasts a merged snapshot to all subscribers.
func (h *Hub) PublishSnapshot(snap collect.Snapshot) {
	h.broadcast(message{Kind: "snapshot", Data: snap})
}

// PublishTrace broadcasts a finished trace record to all subscribers.
func (h *Hub) PublishTrace(rec *tracing.TraceRecord) {
	h.broadcast(message{Kind: "trace", Data: rec})
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode live message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up; closing send makes its writer exit.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// HandleWebSocket upgrades the request and streams messages until the client
// disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // read-only local telemetry stream
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, 16)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
	}()

	ctx := r.Context()

	// Drain reads so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
