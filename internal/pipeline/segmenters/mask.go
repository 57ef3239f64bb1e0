package segmenters

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"

	"hybridcv/internal/pipeline"
)

// decodeMask decodes a PNG mask and fits it to bounds. Hosts that work at a
// different resolution get their mask rescaled with nearest-neighbour
// sampling so the mask stays binary.
func decodeMask(data []byte, bounds image.Rectangle) (*image.Gray, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty mask payload")
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding mask: %w", err)
	}

	gray := image.NewGray(bounds)
	src := img.Bounds()
	if src.Size() == bounds.Size() {
		draw.Draw(gray, bounds, img, src.Min, draw.Src)
	} else {
		draw.NearestNeighbor.Scale(gray, bounds, img, src, draw.Src, nil)
	}
	return gray, nil
}

// newMask wraps bitmap with its normalized foreground extent
func newMask(bitmap *image.Gray, score float32) *pipeline.Mask {
	m := &pipeline.Mask{Bitmap: bitmap, Score: score}
	fg := m.Bounds()
	w, h := float32(bitmap.Rect.Dx()), float32(bitmap.Rect.Dy())
	m.Region = pipeline.BBox{
		X: float32(fg.Min.X-bitmap.Rect.Min.X) / w,
		Y: float32(fg.Min.Y-bitmap.Rect.Min.Y) / h,
		W: float32(fg.Dx()) / w,
		H: float32(fg.Dy()) / h,
	}
	return m
}
