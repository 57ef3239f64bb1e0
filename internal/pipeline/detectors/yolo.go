package detectors

import (
	"cmp"
	"fmt"
	"image"
	"image/color"
	"slices"

	"golang.org/x/image/draw"

	"hybridcv/internal/imaging"
	"hybridcv/internal/pipeline"
)

// letterboxFill is the padding gray used by YOLO training pipelines
var letterboxFill = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Letterbox records how a raster was fitted into the square model input
type Letterbox struct {
	Size   int     // Model input side in pixels
	Scale  float32 // Model pixels per raster pixel
	PadX   float32 // Horizontal padding in model pixels
	PadY   float32 // Vertical padding in model pixels
	Width  int     // Raster width
	Height int     // Raster height
}

// LetterboxTensor resizes r into a size x size canvas, keeping the aspect
// ratio, and returns it as a normalized NCHW float32 tensor.
func LetterboxTensor(r *imaging.Raster, size int) ([]float32, Letterbox) {
	w, h := r.Width(), r.Height()
	scale := min(float32(size)/float32(w), float32(size)/float32(h))
	nw := max(1, int(float32(w)*scale+0.5))
	nh := max(1, int(float32(h)*scale+0.5))
	padX := (size - nw) / 2
	padY := (size - nh) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Rect, image.NewUniform(letterboxFill), image.Point{}, draw.Src)
	draw.BiLinear.Scale(canvas, image.Rect(padX, padY, padX+nw, padY+nh), r.Image(), r.Bounds(), draw.Src, nil)

	plane := size * size
	tensor := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := canvas.PixOffset(x, y)
			p := y*size + x
			tensor[p] = float32(canvas.Pix[i]) / 255
			tensor[plane+p] = float32(canvas.Pix[i+1]) / 255
			tensor[2*plane+p] = float32(canvas.Pix[i+2]) / 255
		}
	}

	return tensor, Letterbox{
		Size:   size,
		Scale:  scale,
		PadX:   float32(padX),
		PadY:   float32(padY),
		Width:  w,
		Height: h,
	}
}

// DecodeYOLO decodes a YOLOv8 output of shape [1, 4+numClasses, N] (box
// center, size, then one score per class) into detections with boxes
// normalized to the original raster. Anchors whose best class scores below
// minScore are skipped.
func DecodeYOLO(out []float32, numClasses int, lb Letterbox, minScore float32) ([]pipeline.RawDetection, error) {
	channels := 4 + numClasses
	if numClasses <= 0 || len(out) == 0 || len(out)%channels != 0 {
		return nil, fmt.Errorf("output of %d values does not fit %d channels", len(out), channels)
	}
	if lb.Scale <= 0 || lb.Width <= 0 || lb.Height <= 0 {
		return nil, fmt.Errorf("invalid letterbox %+v", lb)
	}
	n := len(out) / channels

	var dets []pipeline.RawDetection
	for i := 0; i < n; i++ {
		best, score := 0, out[4*n+i]
		for c := 1; c < numClasses; c++ {
			if s := out[(4+c)*n+i]; s > score {
				best, score = c, s
			}
		}
		if score < minScore {
			continue
		}

		cx, cy, bw, bh := out[i], out[n+i], out[2*n+i], out[3*n+i]
		x0 := (cx - bw/2 - lb.PadX) / lb.Scale
		y0 := (cy - bh/2 - lb.PadY) / lb.Scale
		box := pipeline.BBox{
			X: x0 / float32(lb.Width),
			Y: y0 / float32(lb.Height),
			W: bw / lb.Scale / float32(lb.Width),
			H: bh / lb.Scale / float32(lb.Height),
		}.Normalize()
		if !box.Valid() {
			continue
		}
		dets = append(dets, pipeline.RawDetection{Box: box, ClassID: best, Confidence: score})
	}
	return dets, nil
}

// NonMaxSuppression performs greedy per-class NMS. Higher-confidence
// detections suppress same-class detections overlapping them by more than
// iouThreshold. The result is in descending confidence order.
func NonMaxSuppression(dets []pipeline.RawDetection, iouThreshold float32) []pipeline.RawDetection {
	if len(dets) <= 1 {
		return dets
	}

	idx := make([]int, len(dets))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(dets[b].Confidence, dets[a].Confidence)
	})

	kept := make([]pipeline.RawDetection, 0, len(dets))
	suppressed := make([]bool, len(dets))
	for i, a := range idx {
		if suppressed[a] {
			continue
		}
		kept = append(kept, dets[a])
		for _, b := range idx[i+1:] {
			if suppressed[b] || dets[b].ClassID != dets[a].ClassID {
				continue
			}
			if dets[a].Box.IoU(dets[b].Box) > iouThreshold {
				suppressed[b] = true
			}
		}
	}
	return kept
}
