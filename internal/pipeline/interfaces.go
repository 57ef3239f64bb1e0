package pipeline

import (
	"context"

	"hybridcv/internal/imaging"
)

// Model is the lifecycle shared by detector and segmenter adapters.
// IsLoaded turns true once and never reverts; a failed Load leaves it false.
type Model interface {
	// Name returns the model identifier (e.g. "yolov8", "sam")
	Name() string

	// Load brings the model into memory or connects to its host
	Load(ctx context.Context) error

	// IsLoaded reports whether Load completed successfully
	IsLoaded() bool

	// Close releases model resources
	Close() error
}

// Detector finds objects in a raster. Implementations must be safe for
// concurrent use once loaded.
type Detector interface {
	Model

	// Classes returns the vocabulary indexed by RawDetection.ClassID
	Classes() []string

	// Detect returns detections in arbitrary order with normalized boxes
	Detect(ctx context.Context, raster *imaging.Raster) ([]RawDetection, error)
}

// Segmenter produces masks. Implementations must be safe for concurrent
// use once loaded.
type Segmenter interface {
	Model

	// Segment returns the mask of the object indicated by hint. When no
	// confident mask exists it fails with ErrNoConfidentMask. Returned masks
	// should set Region to the normalized foreground extent.
	Segment(ctx context.Context, raster *imaging.Raster, hint RegionHint) (*Mask, error)

	// Propose segments the whole raster without hints
	Propose(ctx context.Context, raster *imaging.Raster) ([]*Mask, error)
}
