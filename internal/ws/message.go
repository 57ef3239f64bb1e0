package ws

import (
	"time"

	"hybridcv/internal/pipeline"
)

// Message types sent to websocket clients
const (
	TypeRequest = "request"
)

// EventMessage wraps a completed pipeline request for broadcast
type EventMessage struct {
	Type      string                 `json:"type"` // "request"
	Timestamp time.Time              `json:"timestamp"`
	Event     *pipeline.RequestEvent `json:"event"`
}

// NewEventMessage creates a message for evt
func NewEventMessage(evt *pipeline.RequestEvent) *EventMessage {
	return &EventMessage{
		Type:      TypeRequest,
		Timestamp: time.Now(),
		Event:     evt,
	}
}
