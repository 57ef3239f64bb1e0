package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

var (
	// ErrEmptyImage is returned for a zero-length payload or an image
	// without pixels.
	ErrEmptyImage = errors.New("image is empty")
	// ErrDecode is returned when the payload cannot be decoded.
	ErrDecode = errors.New("image decoding failed")
)

type decoder struct {
	decode       func(r *bytes.Reader) (image.Image, error)
	decodeConfig func(r *bytes.Reader) (image.Config, error)
}

var decoders = map[string]decoder{
	"image/jpeg": {func(r *bytes.Reader) (image.Image, error) { return jpeg.Decode(r) }, func(r *bytes.Reader) (image.Config, error) { return jpeg.DecodeConfig(r) }},
	"image/png":  {func(r *bytes.Reader) (image.Image, error) { return png.Decode(r) }, func(r *bytes.Reader) (image.Config, error) { return png.DecodeConfig(r) }},
	"image/gif":  {func(r *bytes.Reader) (image.Image, error) { return gif.Decode(r) }, func(r *bytes.Reader) (image.Config, error) { return gif.DecodeConfig(r) }},
	"image/webp": {func(r *bytes.Reader) (image.Image, error) { return webp.Decode(r) }, func(r *bytes.Reader) (image.Config, error) { return webp.DecodeConfig(r) }},
	"image/bmp":  {func(r *bytes.Reader) (image.Image, error) { return bmp.Decode(r) }, func(r *bytes.Reader) (image.Config, error) { return bmp.DecodeConfig(r) }},
	"image/tiff": {func(r *bytes.Reader) (image.Image, error) { return tiff.Decode(r) }, func(r *bytes.Reader) (image.Config, error) { return tiff.DecodeConfig(r) }},
}

// Options controls preprocessing.
type Options struct {
	// OperatingResolution is the longest side, in pixels, of a raster
	// prepared for standard-resolution processing.
	OperatingResolution int
	// MaxPixels rejects images whose declared size exceeds it. Zero disables
	// the check.
	MaxPixels int
	// ApplyOrientation rotates JPEGs according to their EXIF orientation tag.
	ApplyOrientation bool
}

// DefaultOptions returns the standard preprocessing options.
func DefaultOptions() Options {
	return Options{
		OperatingResolution: 1024,
		MaxPixels:           50_000_000,
		ApplyOrientation:    true,
	}
}

// Preprocessor turns encoded payloads into rasters.
type Preprocessor struct {
	opts Options
}

// NewPreprocessor returns a Preprocessor. A non-positive operating
// resolution falls back to the default.
func NewPreprocessor(opts Options) *Preprocessor {
	if opts.OperatingResolution <= 0 {
		opts.OperatingResolution = DefaultOptions().OperatingResolution
	}
	return &Preprocessor{opts: opts}
}

// Options returns the effective options.
func (p *Preprocessor) Options() Options { return p.opts }

// DecodeAndPreprocess decodes encoded into a canonical RGBA raster. When
// highResolution is false, images larger than the operating resolution are
// downsampled with their aspect ratio preserved.
func (p *Preprocessor) DecodeAndPreprocess(encoded []byte, highResolution bool) (*Raster, error) {
	if len(encoded) == 0 {
		return nil, ErrEmptyImage
	}

	mimeType := strings.Split(mimetype.Detect(encoded).String(), ";")[0]
	dec, ok := decoders[mimeType]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported image format %q", ErrDecode, mimeType)
	}

	cfg, err := dec.decodeConfig(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s header: %v", ErrDecode, mimeType, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrEmptyImage
	}
	if p.opts.MaxPixels > 0 && cfg.Width*cfg.Height > p.opts.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrDecode, cfg.Width, cfg.Height, p.opts.MaxPixels)
	}

	img, err := dec.decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrDecode, mimeType, err)
	}

	rgba := toRGBA(img)
	if rgba.Rect.Empty() {
		return nil, ErrEmptyImage
	}

	orientation := 1
	if p.opts.ApplyOrientation && mimeType == "image/jpeg" {
		orientation = exifOrientation(encoded)
		rgba = orient(rgba, orientation)
	}

	r := &Raster{
		img:          rgba,
		format:       mimeType,
		sourceWidth:  rgba.Rect.Dx(),
		sourceHeight: rgba.Rect.Dy(),
		orientation:  orientation,
	}
	if highResolution {
		return r, nil
	}
	return p.downsample(r), nil
}

func (p *Preprocessor) downsample(r *Raster) *Raster {
	w, h := r.Width(), r.Height()
	longest := max(w, h)
	if longest <= p.opts.OperatingResolution {
		return r
	}
	scale := float64(p.opts.OperatingResolution) / float64(longest)
	nw := max(1, int(float64(w)*scale+0.5))
	nh := max(1, int(float64(h)*scale+0.5))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Rect, r.img, r.img.Rect, draw.Src, nil)

	return &Raster{
		img:          dst,
		format:       r.format,
		sourceWidth:  r.sourceWidth,
		sourceHeight: r.sourceHeight,
		orientation:  r.orientation,
		downsampled:  true,
	}
}

// exifOrientation returns the orientation tag of a JPEG, or 1 when the
// payload carries no usable EXIF data.
func exifOrientation(encoded []byte) (orientation int) {
	// Malformed EXIF blocks can panic inside the tiff walker.
	defer func() {
		if recover() != nil {
			orientation = 1
		}
	}()

	x, err := exif.Decode(bytes.NewReader(encoded))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}
