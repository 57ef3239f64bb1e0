package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hybridcv/internal/pipeline"
)

const writeWait = 10 * time.Second

// client is one websocket subscriber. Writes are serialized because a
// websocket connection supports a single concurrent writer.
type client struct {
	conn      *websocket.Conn
	operation string // Empty string means all operations
	mu        sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// EventHub fans pipeline request events out to websocket clients
type EventHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewEventHub creates a new event hub
func NewEventHub(logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		clients: make(map[*client]bool),
		logger:  logger,
	}
}

// Register adds a connection interested in operation
func (h *EventHub) Register(conn *websocket.Conn, operation string) *client {
	c := &client{conn: conn, operation: operation}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("Client registered",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("operation", operation),
		zap.Int("total", total))
	return c
}

// Unregister removes c and closes its connection
func (h *EventHub) Unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		_ = c.conn.Close()
		h.logger.Debug("Client unregistered", zap.String("remote", c.conn.RemoteAddr().String()))
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends evt to every client subscribed to its operation. Clients
// that fail to receive it are dropped.
func (h *EventHub) Broadcast(evt *pipeline.RequestEvent) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.operation == "" || c.operation == evt.Operation {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(NewEventMessage(evt))
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	for _, c := range targets {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Dropping client", zap.Error(err))
			h.Unregister(c)
		}
	}
}

// Run broadcasts events until ctx is done or events is closed
func (h *EventHub) Run(ctx context.Context, events <-chan *pipeline.RequestEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(evt)
		}
	}
}

// Close disconnects every client
func (h *EventHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]bool)
	h.mu.Unlock()

	for c := range clients {
		_ = c.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = c.conn.Close()
	}
}
