package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"hybridcv/internal/imaging"
)

type fakeDetector struct {
	name    string
	classes []string
	dets    []RawDetection
	err     error
	loadErr error
	loaded  atomic.Bool
	loads   atomic.Int32
	calls   atomic.Int32
}

func (d *fakeDetector) Name() string { return d.name }

func (d *fakeDetector) Load(context.Context) error {
	d.loads.Add(1)
	if d.loadErr != nil {
		return d.loadErr
	}
	d.loaded.Store(true)
	return nil
}

func (d *fakeDetector) IsLoaded() bool    { return d.loaded.Load() }
func (d *fakeDetector) Close() error      { return nil }
func (d *fakeDetector) Classes() []string { return d.classes }

func (d *fakeDetector) Detect(ctx context.Context, _ *imaging.Raster) ([]RawDetection, error) {
	d.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]RawDetection(nil), d.dets...), d.err
}

// fakeSegmenter fills the hinted box. Boxes whose X is listed in failAt
// fail with failErr.
type fakeSegmenter struct {
	mu        sync.Mutex
	failAt    map[float32]error
	block     chan struct{}
	proposals []*Mask
	loaded    atomic.Bool
	calls     atomic.Int32
}

func (s *fakeSegmenter) Name() string               { return "fake-sam" }
func (s *fakeSegmenter) Load(context.Context) error { s.loaded.Store(true); return nil }
func (s *fakeSegmenter) IsLoaded() bool             { return s.loaded.Load() }
func (s *fakeSegmenter) Close() error               { return nil }

func (s *fakeSegmenter) Segment(ctx context.Context, r *imaging.Raster, hint RegionHint) (*Mask, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	err := s.failAt[hint.Box.X]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return boxMask(r.Bounds(), *hint.Box, 0.9), nil
}

func (s *fakeSegmenter) Propose(context.Context, *imaging.Raster) ([]*Mask, error) {
	return s.proposals, nil
}

func boxMask(bounds image.Rectangle, box BBox, score float32) *Mask {
	bm := image.NewGray(bounds)
	rect := imaging.ToPixelRect(box.X, box.Y, box.W, box.H, bounds.Dx(), bounds.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			bm.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return &Mask{Region: box, Bitmap: bm, Score: score}
}

func testRaster() *imaging.Raster {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	return imaging.NewRaster(img)
}

type mockModel struct {
	mock.Mock
}

func (m *mockModel) Name() string { return "mocked" }

func (m *mockModel) Load(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockModel) IsLoaded() bool { return m.Called().Bool(0) }
func (m *mockModel) Close() error   { return nil }

type mockDetector struct {
	mockModel
}

func (m *mockDetector) Classes() []string { return []string{"person"} }

func (m *mockDetector) Detect(context.Context, *imaging.Raster) ([]RawDetection, error) {
	return nil, errors.New("not used")
}
