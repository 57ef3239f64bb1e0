// Package inference is the transport to out-of-process model hosts. The same
// request and response shapes travel over gRPC (as structpb payloads) and
// over plain JSON/HTTP.
package inference

import (
	"context"
	"errors"
)

var (
	// ErrNoMask is returned by Segment when the host found no confident mask
	ErrNoMask = errors.New("no confident mask")
	// ErrModelNotFound is returned when the host does not serve the model
	ErrModelNotFound = errors.New("model not found")
	// ErrUnhealthy is returned by CheckHealth when the host is not serving
	ErrUnhealthy = errors.New("inference host is not serving")
)

// Status describes a model on the host
type Status struct {
	Model   string   `json:"model"`
	Loaded  bool     `json:"loaded"`
	Classes []string `json:"classes,omitempty"`
}

// DetectRequest carries an encoded image to a detector
type DetectRequest struct {
	Model  string `json:"model"`
	Image  []byte `json:"image"`
	Format string `json:"format,omitempty"`
}

// WireDetection is one detection. Box is normalized [x, y, w, h].
type WireDetection struct {
	Box        [4]float32 `json:"box"`
	ClassID    int        `json:"class_id"`
	Confidence float32    `json:"confidence"`
}

// DetectResponse lists detections in host order
type DetectResponse struct {
	Detections []WireDetection `json:"detections"`
}

// WirePoint is a normalized point prompt
type WirePoint struct {
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Foreground bool    `json:"foreground"`
}

// SegmentRequest asks for the mask of one object
type SegmentRequest struct {
	Model  string      `json:"model"`
	Image  []byte      `json:"image"`
	Format string      `json:"format,omitempty"`
	Box    *[4]float32 `json:"box,omitempty"`
	Points []WirePoint `json:"points,omitempty"`
}

// SegmentResponse carries a PNG mask. Box is the normalized mask extent.
type SegmentResponse struct {
	Mask  []byte     `json:"mask"`
	Box   [4]float32 `json:"box"`
	Score float32    `json:"score"`
}

// ProposeRequest asks for every object mask in the image
type ProposeRequest struct {
	Model         string `json:"model"`
	Image         []byte `json:"image"`
	Format        string `json:"format,omitempty"`
	PointsPerSide int    `json:"points_per_side,omitempty"`
}

// ProposeResponse lists proposed masks
type ProposeResponse struct {
	Masks []SegmentResponse `json:"masks"`
}

// Service is the protocol spoken by model hosts
type Service interface {
	Status(ctx context.Context, model string) (*Status, error)
	Load(ctx context.Context, model string) (*Status, error)
	Detect(ctx context.Context, req *DetectRequest) (*DetectResponse, error)
	Segment(ctx context.Context, req *SegmentRequest) (*SegmentResponse, error)
	Propose(ctx context.Context, req *ProposeRequest) (*ProposeResponse, error)
}

// Client is a connection to a model host
type Client interface {
	Service

	// CheckHealth returns nil when the host is serving
	CheckHealth(ctx context.Context) error

	// Close releases the connection
	Close() error
}
