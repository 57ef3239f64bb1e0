package segmenters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"hybridcv/internal/imaging"
	"hybridcv/internal/inference"
	"hybridcv/internal/pipeline"
)

const transportJPEGQuality = 95

// RemoteConfig configures a RemoteSegmenter
type RemoteConfig struct {
	Model            string
	MinScore         float32 // Masks scoring below are reported as not confident
	PointsPerSide    int     // Grid density for whole-image proposals
	UseHostProposals bool    // Use the host's propose call instead of the point grid
}

// RemoteSegmenter runs a promptable segmenter on a model host
type RemoteSegmenter struct {
	client inference.Client
	cfg    RemoteConfig
	grid   *GridProposer
	logger *zap.Logger

	loadMu sync.Mutex
	loaded atomic.Bool
}

// NewRemoteSegmenter creates a segmenter for cfg.Model served behind client
func NewRemoteSegmenter(client inference.Client, cfg RemoteConfig, logger *zap.Logger) *RemoteSegmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteSegmenter{
		client: client,
		cfg:    cfg,
		grid:   NewGridProposer(cfg.PointsPerSide, logger),
		logger: logger,
	}
}

func (s *RemoteSegmenter) Name() string {
	return s.cfg.Model
}

// Load checks the host and asks it to load the model. It is a no-op once
// loaded.
func (s *RemoteSegmenter) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if s.loaded.Load() {
		return nil
	}
	if err := s.client.CheckHealth(ctx); err != nil {
		return err
	}
	st, err := s.client.Load(ctx, s.cfg.Model)
	if err != nil {
		return fmt.Errorf("loading %s: %w", s.cfg.Model, err)
	}
	if !st.Loaded {
		return fmt.Errorf("host reports %s as not loaded", s.cfg.Model)
	}
	s.loaded.Store(true)

	s.logger.Info("Remote segmenter loaded",
		zap.String("model", s.cfg.Model),
		zap.Bool("host_proposals", s.cfg.UseHostProposals))
	return nil
}

func (s *RemoteSegmenter) IsLoaded() bool {
	return s.loaded.Load()
}

// Segment returns the mask for hint, or an error matching
// pipeline.ErrNoConfidentMask when the host has none.
func (s *RemoteSegmenter) Segment(ctx context.Context, raster *imaging.Raster, hint pipeline.RegionHint) (*pipeline.Mask, error) {
	if !s.loaded.Load() {
		return nil, errors.New("segmenter is not loaded")
	}
	encoded, err := raster.JPEG(transportJPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("encoding raster: %w", err)
	}

	req := &inference.SegmentRequest{
		Model:  s.cfg.Model,
		Image:  encoded,
		Format: "image/jpeg",
	}
	if hint.Box != nil {
		box := hint.Box.Array()
		req.Box = &box
	}
	for _, p := range hint.Points {
		req.Points = append(req.Points, inference.WirePoint{X: p.X, Y: p.Y, Foreground: p.Foreground})
	}

	resp, err := s.client.Segment(ctx, req)
	if errors.Is(err, inference.ErrNoMask) {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrNoConfidentMask, err)
	}
	if err != nil {
		return nil, err
	}
	return s.toMask(resp, raster)
}

// Propose segments the whole raster
func (s *RemoteSegmenter) Propose(ctx context.Context, raster *imaging.Raster) ([]*pipeline.Mask, error) {
	if !s.loaded.Load() {
		return nil, errors.New("segmenter is not loaded")
	}
	if !s.cfg.UseHostProposals {
		return s.grid.Propose(ctx, s, raster)
	}

	encoded, err := raster.JPEG(transportJPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("encoding raster: %w", err)
	}
	resp, err := s.client.Propose(ctx, &inference.ProposeRequest{
		Model:         s.cfg.Model,
		Image:         encoded,
		Format:        "image/jpeg",
		PointsPerSide: s.grid.PointsPerSide,
	})
	if err != nil {
		return nil, err
	}

	masks := make([]*pipeline.Mask, 0, len(resp.Masks))
	for i := range resp.Masks {
		m, err := s.toMask(&resp.Masks[i], raster)
		if err != nil {
			s.logger.Debug("Dropping proposal", zap.Int("index", i), zap.Error(err))
			continue
		}
		masks = append(masks, m)
	}
	return masks, nil
}

func (s *RemoteSegmenter) toMask(resp *inference.SegmentResponse, raster *imaging.Raster) (*pipeline.Mask, error) {
	if resp.Score < s.cfg.MinScore {
		return nil, fmt.Errorf("%w: score %.3f below %.3f", pipeline.ErrNoConfidentMask, resp.Score, s.cfg.MinScore)
	}
	bitmap, err := decodeMask(resp.Mask, raster.Bounds())
	if err != nil {
		return nil, err
	}
	m := newMask(bitmap, resp.Score)
	if m.Empty() {
		return nil, fmt.Errorf("%w: mask has no foreground", pipeline.ErrNoConfidentMask)
	}
	return m, nil
}

func (s *RemoteSegmenter) Close() error {
	return s.client.Close()
}

var _ pipeline.Segmenter = (*RemoteSegmenter)(nil)
