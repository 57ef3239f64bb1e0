package imaging

import (
	"errors"
	"image"
	"image/draw"
	"math"
)

// ErrDegenerateRegion is returned when a region covers no pixels.
var ErrDegenerateRegion = errors.New("region covers no pixels")

// ToPixelRect converts a normalized (x, y, w, h) box into a pixel rectangle
// within a width x height image. Edges are rounded outwards and clamped;
// edges within float32 noise of a pixel boundary stay on it.
func ToPixelRect(x, y, w, h float32, width, height int) image.Rectangle {
	x0 := pixelEdge(float64(x), width, math.Floor)
	y0 := pixelEdge(float64(y), height, math.Floor)
	x1 := pixelEdge(float64(x)+float64(w), width, math.Ceil)
	y1 := pixelEdge(float64(y)+float64(h), height, math.Ceil)
	return image.Rect(x0, y0, x1, y1).Intersect(image.Rect(0, 0, width, height))
}

// edgeTolerance is the relative error of a float32 coordinate sum
const edgeTolerance = 1e-6

func pixelEdge(v float64, size int, round func(float64) float64) int {
	p := v * float64(size)
	if n := math.Round(p); math.Abs(p-n) <= edgeTolerance*math.Max(1, float64(size)) {
		return int(n)
	}
	return int(round(p))
}

// Crop copies the pixels of rect out of r.
func Crop(r *Raster, rect image.Rectangle) (*image.RGBA, error) {
	if r.Empty() {
		return nil, ErrDegenerateRegion
	}
	rect = rect.Intersect(r.Bounds())
	if rect.Empty() {
		return nil, ErrDegenerateRegion
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Rect, r.img, rect.Min, draw.Src)
	return dst, nil
}

// CropMasked copies rect out of r and uses the matching region of mask as
// the alpha channel, producing a cut-out of the masked object.
func CropMasked(r *Raster, rect image.Rectangle, mask *image.Gray) (*image.NRGBA, error) {
	if r.Empty() {
		return nil, ErrDegenerateRegion
	}
	rect = rect.Intersect(r.Bounds())
	if rect.Empty() {
		return nil, ErrDegenerateRegion
	}
	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			si := r.img.PixOffset(x, y)
			di := dst.PixOffset(x-rect.Min.X, y-rect.Min.Y)
			a := uint8(255)
			if mask != nil {
				a = mask.GrayAt(x, y).Y
			}
			dst.Pix[di+0] = r.img.Pix[si+0]
			dst.Pix[di+1] = r.img.Pix[si+1]
			dst.Pix[di+2] = r.img.Pix[si+2]
			dst.Pix[di+3] = a
		}
	}
	return dst, nil
}

// orient applies an EXIF orientation (1-8) to src.
func orient(src *image.RGBA, orientation int) *image.RGBA {
	if orientation < 2 || orientation > 8 {
		return src
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dw, dh := w, h
	if orientation >= 5 {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for sy := 0; sy < h; sy++ {
		for sx := 0; sx < w; sx++ {
			var dx, dy int
			switch orientation {
			case 2:
				dx, dy = w-1-sx, sy
			case 3:
				dx, dy = w-1-sx, h-1-sy
			case 4:
				dx, dy = sx, h-1-sy
			case 5:
				dx, dy = sy, sx
			case 6:
				dx, dy = h-1-sy, sx
			case 7:
				dx, dy = h-1-sy, w-1-sx
			case 8:
				dx, dy = sy, w-1-sx
			}
			si := src.PixOffset(src.Rect.Min.X+sx, src.Rect.Min.Y+sy)
			di := dst.PixOffset(dx, dy)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}
