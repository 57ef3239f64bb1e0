package segmenters

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"hybridcv/config"
	"hybridcv/internal/imaging"
	"hybridcv/internal/inference"
	"hybridcv/internal/pipeline"
)

func testRaster(w, h int) *imaging.Raster {
	return imaging.NewRaster(image.NewRGBA(image.Rect(0, 0, w, h)))
}

func maskPNG(t *testing.T, w, h int, fg image.Rectangle) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := fg.Min.Y; y < fg.Max.Y; y++ {
		for x := fg.Min.X; x < fg.Max.X; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func loadedSegmenter(t *testing.T, client *mockClient, cfg RemoteConfig) *RemoteSegmenter {
	t.Helper()
	client.On("CheckHealth", mock.Anything).Return(nil)
	client.On("Load", mock.Anything, cfg.Model).Return(&inference.Status{Model: cfg.Model, Loaded: true}, nil)
	s := NewRemoteSegmenter(client, cfg, zaptest.NewLogger(t))
	require.NoError(t, s.Load(context.Background()))
	return s
}

func TestRemoteSegmenter_Segment(t *testing.T) {
	client := &mockClient{}
	s := loadedSegmenter(t, client, RemoteConfig{Model: "sam", MinScore: 0.5})
	raster := testRaster(40, 20)

	client.On("Segment", mock.Anything, mock.MatchedBy(func(req *inference.SegmentRequest) bool {
		return req.Model == "sam" && req.Box != nil && *req.Box == [4]float32{0.25, 0.25, 0.25, 0.5} &&
			len(req.Points) == 1 && req.Points[0].Foreground
	})).Return(&inference.SegmentResponse{
		Mask:  maskPNG(t, 40, 20, image.Rect(10, 5, 20, 15)),
		Score: 0.9,
	}, nil).Once()

	box := pipeline.BBox{X: 0.25, Y: 0.25, W: 0.25, H: 0.5}
	m, err := s.Segment(context.Background(), raster, pipeline.RegionHint{
		Box:    &box,
		Points: []pipeline.PointPrompt{{X: 0.375, Y: 0.5, Foreground: true}},
	})
	require.NoError(t, err)

	assert.Equal(t, raster.Bounds(), m.Bitmap.Rect)
	assert.Equal(t, 100, m.Area())
	assert.Equal(t, box, m.Region)
	assert.Equal(t, float32(0.9), m.Score)
	client.AssertExpectations(t)
}

func TestRemoteSegmenter_RescalesMask(t *testing.T) {
	client := &mockClient{}
	s := loadedSegmenter(t, client, RemoteConfig{Model: "sam"})

	client.On("Segment", mock.Anything, mock.Anything).Return(&inference.SegmentResponse{
		Mask:  maskPNG(t, 20, 10, image.Rect(5, 2, 10, 7)),
		Score: 0.8,
	}, nil)

	m, err := s.Segment(context.Background(), testRaster(40, 20), pipeline.RegionHint{
		Points: []pipeline.PointPrompt{{X: 0.5, Y: 0.5, Foreground: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 20), m.Bitmap.Rect)
	assert.Equal(t, image.Rect(10, 4, 20, 14), m.Bounds())
}

func TestRemoteSegmenter_NoConfidentMask(t *testing.T) {
	tests := []struct {
		name string
		resp *inference.SegmentResponse
		err  error
	}{
		{name: "host has no mask", err: inference.ErrNoMask},
		{name: "low score", resp: &inference.SegmentResponse{Mask: maskPNG(t, 4, 4, image.Rect(0, 0, 2, 2)), Score: 0.2}},
		{name: "empty mask", resp: &inference.SegmentResponse{Mask: maskPNG(t, 4, 4, image.Rectangle{}), Score: 0.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClient{}
			s := loadedSegmenter(t, client, RemoteConfig{Model: "sam", MinScore: 0.5})
			client.On("Segment", mock.Anything, mock.Anything).Return(tt.resp, tt.err)

			m, err := s.Segment(context.Background(), testRaster(4, 4), pipeline.RegionHint{})
			assert.Nil(t, m)
			assert.ErrorIs(t, err, pipeline.ErrNoConfidentMask)
			assert.Equal(t, pipeline.KindSegmentationFailure, pipeline.KindOf(err))
		})
	}
}

func TestRemoteSegmenter_TransportError(t *testing.T) {
	client := &mockClient{}
	s := loadedSegmenter(t, client, RemoteConfig{Model: "sam"})
	client.On("Segment", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	_, err := s.Segment(context.Background(), testRaster(4, 4), pipeline.RegionHint{})
	assert.ErrorContains(t, err, "connection reset")
	assert.NotErrorIs(t, err, pipeline.ErrNoConfidentMask)
}

func TestRemoteSegmenter_HostProposals(t *testing.T) {
	client := &mockClient{}
	s := loadedSegmenter(t, client, RemoteConfig{Model: "sam", PointsPerSide: 8, UseHostProposals: true})

	client.On("Propose", mock.Anything, mock.MatchedBy(func(req *inference.ProposeRequest) bool {
		return req.PointsPerSide == 8
	})).Return(&inference.ProposeResponse{Masks: []inference.SegmentResponse{
		{Mask: maskPNG(t, 10, 10, image.Rect(0, 0, 5, 5)), Score: 0.9},
		{Mask: []byte("not a png"), Score: 0.9},
	}}, nil)

	masks, err := s.Propose(context.Background(), testRaster(10, 10))
	require.NoError(t, err)
	require.Len(t, masks, 1)
	assert.Equal(t, 25, masks[0].Area())
}

func TestRemoteSegmenter_GridProposals(t *testing.T) {
	client := &mockClient{}
	s := loadedSegmenter(t, client, RemoteConfig{Model: "sam", PointsPerSide: 2})

	client.On("Segment", mock.Anything, mock.MatchedBy(func(req *inference.SegmentRequest) bool {
		return req.Box == nil && len(req.Points) == 1
	})).Return(&inference.SegmentResponse{
		Mask:  maskPNG(t, 10, 10, image.Rect(0, 0, 5, 5)),
		Score: 0.9,
	}, nil).Times(4)

	masks, err := s.Propose(context.Background(), testRaster(10, 10))
	require.NoError(t, err)
	assert.Len(t, masks, 1, "identical masks collapse")
	client.AssertExpectations(t)
}

type quadrantSegmenter struct {
	err    error
	failAt *pipeline.PointPrompt // only this point fails when set
}

func (q *quadrantSegmenter) Segment(_ context.Context, r *imaging.Raster, hint pipeline.RegionHint) (*pipeline.Mask, error) {
	pt := hint.Points[0]
	if q.err != nil && (q.failAt == nil || pt == *q.failAt) {
		return nil, q.err
	}
	if pt.X > 0.5 && pt.Y > 0.5 {
		return nil, pipeline.ErrNoConfidentMask
	}
	bm := image.NewGray(r.Bounds())
	half := r.Width() / 2
	x0, y0 := 0, 0
	if pt.X > 0.5 {
		x0 = half
	}
	if pt.Y > 0.5 {
		y0 = half
	}
	for y := y0; y < y0+half; y++ {
		for x := x0; x < x0+half; x++ {
			bm.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return newMask(bm, pt.X+pt.Y), nil
}

func TestGridProposer(t *testing.T) {
	g := NewGridProposer(2, zaptest.NewLogger(t))
	assert.Equal(t, []pipeline.PointPrompt{
		{X: 0.25, Y: 0.25, Foreground: true},
		{X: 0.75, Y: 0.25, Foreground: true},
		{X: 0.25, Y: 0.75, Foreground: true},
		{X: 0.75, Y: 0.75, Foreground: true},
	}, g.Points())

	masks, err := g.Propose(context.Background(), &quadrantSegmenter{}, testRaster(10, 10))
	require.NoError(t, err)
	require.Len(t, masks, 3)
	assert.Equal(t, float32(1), masks[0].Score)

	_, err = g.Propose(context.Background(), &quadrantSegmenter{err: errors.New("gpu lost")}, testRaster(10, 10))
	assert.ErrorContains(t, err, "all 4 grid points failed")
	assert.ErrorContains(t, err, "gpu lost")
}

func TestGridProposer_SkipsFailedPoints(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	g := NewGridProposer(2, zap.New(core))

	seg := &quadrantSegmenter{
		err:    errors.New("gpu lost"),
		failAt: &pipeline.PointPrompt{X: 0.75, Y: 0.25, Foreground: true},
	}
	masks, err := g.Propose(context.Background(), seg, testRaster(10, 10))
	require.NoError(t, err)
	require.Len(t, masks, 2)
	assert.Equal(t, float32(1), masks[0].Score)

	entries := logs.FilterMessage("Grid point failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(1), fields["point"])
	assert.Equal(t, "propose", fields["stage"])
}

func TestGridProposer_Canceled(t *testing.T) {
	g := NewGridProposer(2, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Propose(ctx, &quadrantSegmenter{}, testRaster(10, 10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"grpc", "http"}, r.Backends())

	s, err := r.Build(config.ModelConfig{Backend: "http", Name: "sam", Endpoint: "localhost:9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sam", s.Name())
	assert.False(t, s.IsLoaded())

	_, err = r.Build(config.ModelConfig{Backend: "onnx"}, nil)
	assert.ErrorContains(t, err, `unknown segmenter backend "onnx"`)
}
