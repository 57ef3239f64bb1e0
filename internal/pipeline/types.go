package pipeline

import (
	"fmt"
	"image"
	"math"
	"time"
)

// BBox is an axis-aligned box in coordinates normalized to the raster size
type BBox struct {
	X float32 `json:"x"` // Left edge
	Y float32 `json:"y"` // Top edge
	W float32 `json:"w"` // Width
	H float32 `json:"h"` // Height
}

// Normalize clamps the box into the unit square
func (b BBox) Normalize() BBox {
	x0, y0 := clamp01(b.X), clamp01(b.Y)
	x1, y1 := clamp01(b.X+b.W), clamp01(b.Y+b.H)
	return BBox{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Valid reports whether the box has a positive area
func (b BBox) Valid() bool {
	return b.W > 0 && b.H > 0
}

// Area returns W*H, or zero for degenerate boxes
func (b BBox) Area() float32 {
	if !b.Valid() {
		return 0
	}
	return b.W * b.H
}

// IoU returns the intersection over union of two boxes
func (b BBox) IoU(o BBox) float32 {
	ix0, iy0 := max(b.X, o.X), max(b.Y, o.Y)
	ix1, iy1 := min(b.X+b.W, o.X+o.W), min(b.Y+b.H, o.Y+o.H)
	if ix1 <= ix0 || iy1 <= iy0 {
		return 0
	}
	inter := (ix1 - ix0) * (iy1 - iy0)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Array returns the box as [x, y, w, h]
func (b BBox) Array() [4]float32 {
	return [4]float32{b.X, b.Y, b.W, b.H}
}

func (b BBox) String() string {
	return fmt.Sprintf("[%.3f %.3f %.3f %.3f]", b.X, b.Y, b.W, b.H)
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// RawDetection is what a detector adapter reports for one object.
// Confidence is on the adapter's native scale.
type RawDetection struct {
	Box        BBox
	ClassID    int
	Confidence float32
}

// PointPrompt is a normalized point hint for the segmenter
type PointPrompt struct {
	X          float32
	Y          float32
	Foreground bool
}

// RegionHint tells the segmenter where to look. At least one of Box or
// Points is set on the detection path.
type RegionHint struct {
	Box    *BBox
	Points []PointPrompt
}

// Mask is a raster-sized soft mask (0 background, 255 foreground)
type Mask struct {
	Region BBox        // Normalized extent of the foreground
	Bitmap *image.Gray // Same dimensions as the source raster
	Score  float32     // Segmenter quality estimate
}

// Area returns the number of foreground pixels (value >= 128)
func (m *Mask) Area() int {
	if m == nil || m.Bitmap == nil {
		return 0
	}
	n := 0
	for _, v := range m.Bitmap.Pix {
		if v >= 128 {
			n++
		}
	}
	return n
}

// Empty reports whether the mask has no foreground
func (m *Mask) Empty() bool {
	return m.Area() == 0
}

// Bounds returns the pixel rectangle enclosing the foreground
func (m *Mask) Bounds() image.Rectangle {
	if m == nil || m.Bitmap == nil {
		return image.Rectangle{}
	}
	b := m.Bitmap.Rect
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := m.Bitmap.Pix[(y-b.Min.Y)*m.Bitmap.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			if row[x-b.Min.X] >= 128 {
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
			}
		}
	}
	if maxX < minX {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// DetectedItem is one entry of a detect_and_segment result
type DetectedItem struct {
	ID         string  `json:"id"`
	BBox       BBox    `json:"bbox"`
	Mask       []byte  `json:"mask,omitempty"` // PNG, absent when segmentation was skipped or failed
	Crop       []byte  `json:"crop,omitempty"` // PNG cut-out, present only with a mask
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	ClassName  string  `json:"class_name"`
}

// HasMask reports whether the item carries a mask
func (d DetectedItem) HasMask() bool { return len(d.Mask) > 0 }

// HasCrop reports whether the item carries a crop
func (d DetectedItem) HasCrop() bool { return len(d.Crop) > 0 }

// SegmentItem is one entry of a segment_all result
type SegmentItem struct {
	ID    string  `json:"id"`
	BBox  BBox    `json:"bbox"`
	Mask  []byte  `json:"mask"`
	Score float32 `json:"score"`
	Area  float32 `json:"area"` // Fraction of the raster covered
}

// Options are the per-request knobs of detect_and_segment
type Options struct {
	ConfidenceThreshold float32 `json:"confidence_threshold"`
	MaxItems            int     `json:"max_items"`
	EnableSegmentation  bool    `json:"enable_segmentation"`
	HighResolution      bool    `json:"high_resolution"`
}

// DefaultOptions returns the documented request defaults
func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold: 0.5,
		MaxItems:            100,
		EnableSegmentation:  true,
		HighResolution:      false,
	}
}

// Validate checks the option ranges
func (o Options) Validate() error {
	if o.ConfidenceThreshold < 0 || o.ConfidenceThreshold > 1 || math.IsNaN(float64(o.ConfidenceThreshold)) {
		return newError(KindInvalidOptions, "validate", fmt.Sprintf("confidence_threshold %v outside [0,1]", o.ConfidenceThreshold), nil)
	}
	if o.MaxItems < 0 {
		return newError(KindInvalidOptions, "validate", fmt.Sprintf("max_items %d must not be negative", o.MaxItems), nil)
	}
	return nil
}

// DetectorInfo describes the loaded detector
type DetectorInfo struct {
	Name    string   `json:"model"`
	Classes []string `json:"classes"`
	Loaded  bool     `json:"loaded"`
}

// SegmenterInfo describes the loaded segmenter
type SegmenterInfo struct {
	Name   string `json:"model"`
	Loaded bool   `json:"loaded"`
}

// ModelInfo is the introspection view of both models
type ModelInfo struct {
	Detector  DetectorInfo  `json:"detector"`
	Segmenter SegmenterInfo `json:"segmenter"`
}

// Result is the outcome of detect_and_segment
type Result struct {
	Items          []DetectedItem
	Degraded       int // Items whose segmentation failed
	ProcessingTime time.Duration
}

// SegmentResult is the outcome of segment_all
type SegmentResult struct {
	Segments       []SegmentItem
	ProcessingTime time.Duration
}

// Stats are cumulative counters since the pipeline was created
type Stats struct {
	Requests      uint64  `json:"requests"`
	Failures      uint64  `json:"failures"`
	ItemsReturned uint64  `json:"items_returned"`
	DegradedItems uint64  `json:"degraded_items"`
	AvgLatencyMs  float32 `json:"avg_latency_ms"`
	Ready         bool    `json:"ready"`
}
