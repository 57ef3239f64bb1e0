package imaging

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
)

var pngEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

// EncodePNG encodes img losslessly. Masks and cut-outs use PNG so that the
// alpha channel and exact mask values survive transport.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeJPEG encodes the raster for transport to remote model hosts.
func EncodeJPEG(r *Raster, quality int) ([]byte, error) {
	if r.Empty() {
		return nil, ErrDegenerateRegion
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, r.img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// JPEG returns the transport encoding of r at quality. It is computed once
// per raster and shared by every caller, so the result must not be
// modified.
func (r *Raster) JPEG(quality int) ([]byte, error) {
	if r.Empty() {
		return nil, ErrDegenerateRegion
	}
	r.jpegMu.Lock()
	defer r.jpegMu.Unlock()

	if data, ok := r.jpegs[quality]; ok {
		return data, nil
	}
	data, err := EncodeJPEG(r, quality)
	if err != nil {
		return nil, err
	}
	if r.jpegs == nil {
		r.jpegs = make(map[int][]byte)
	}
	r.jpegs[quality] = data
	return data, nil
}
