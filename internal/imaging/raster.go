package imaging

import (
	"crypto/sha256"
	"encoding/binary"
	"image"
	"sync"

	"golang.org/x/image/draw"
)

// Raster is a decoded image in the canonical 8-bit RGBA layout expected by
// the model adapters. A Raster is never modified after construction; every
// transformation produces a new value.
type Raster struct {
	img          *image.RGBA
	format       string
	sourceWidth  int
	sourceHeight int
	orientation  int
	downsampled  bool

	digestOnce sync.Once
	digest     [sha256.Size]byte

	jpegMu sync.Mutex
	jpegs  map[int][]byte // Transport encodings by quality
}

// NewRaster copies img into a new Raster. Later changes to img do not
// affect the Raster.
func NewRaster(img image.Image) *Raster {
	rgba := copyRGBA(img)
	b := rgba.Bounds()
	return &Raster{
		img:          rgba,
		sourceWidth:  b.Dx(),
		sourceHeight: b.Dy(),
		orientation:  1,
	}
}

// Width returns the width in pixels.
func (r *Raster) Width() int { return r.img.Rect.Dx() }

// Height returns the height in pixels.
func (r *Raster) Height() int { return r.img.Rect.Dy() }

// Bounds returns the pixel rectangle, always anchored at the origin.
func (r *Raster) Bounds() image.Rectangle { return r.img.Rect }

// Image exposes the pixels. Callers must treat the result as read-only.
func (r *Raster) Image() *image.RGBA { return r.img }

// Format is the sniffed MIME type of the encoded source, if any.
func (r *Raster) Format() string { return r.format }

// SourceSize is the size after orientation correction and before any
// downsampling.
func (r *Raster) SourceSize() (int, int) { return r.sourceWidth, r.sourceHeight }

// Orientation is the EXIF orientation that was applied (1 when none).
func (r *Raster) Orientation() int { return r.orientation }

// Downsampled reports whether the raster was reduced to the operating
// resolution.
func (r *Raster) Downsampled() bool { return r.downsampled }

// Empty reports whether the raster holds no pixels.
func (r *Raster) Empty() bool {
	return r == nil || r.img == nil || r.img.Rect.Empty()
}

// Digest returns a SHA-256 over the dimensions and pixels.
func (r *Raster) Digest() [sha256.Size]byte {
	r.digestOnce.Do(func() {
		h := sha256.New()
		var dims [8]byte
		binary.BigEndian.PutUint32(dims[:4], uint32(r.Width()))
		binary.BigEndian.PutUint32(dims[4:], uint32(r.Height()))
		h.Write(dims[:])
		h.Write(r.img.Pix)
		copy(r.digest[:], h.Sum(nil))
	})
	return r.digest
}

// toRGBA converts src to the canonical layout, reusing it when it already
// is. Only for images the caller owns exclusively, such as freshly decoded
// ones.
func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	if rgba, ok := src.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return rgba
	}
	return copyRGBA(src)
}

// copyRGBA always allocates a new canonical image
func copyRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, src, b.Min, draw.Src)
	return dst
}
