package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hybridcv/internal/pipeline"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades requests to websocket event streams
type Handler struct {
	hub    *EventHub
	logger *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *EventHub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, logger: logger}
}

// ServeHTTP handles WebSocket upgrade requests. The optional operation
// query parameter restricts the stream to one pipeline operation.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	operation := r.URL.Query().Get("operation")
	switch operation {
	case "", pipeline.OperationDetect, pipeline.OperationSegmentAll:
	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := h.hub.Register(conn, operation)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects client disconnection
func (h *Handler) readPump(c *client) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(c)
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Websocket read error", zap.Error(err))
			}
			return
		}
	}
}
