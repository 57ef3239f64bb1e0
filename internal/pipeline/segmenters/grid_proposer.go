package segmenters

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hybridcv/internal/imaging"
	"hybridcv/internal/pipeline"
)

// HintSegmenter segments the object at a hint
type HintSegmenter interface {
	Segment(ctx context.Context, raster *imaging.Raster, hint pipeline.RegionHint) (*pipeline.Mask, error)
}

// GridProposer segments a whole image by prompting a hint segmenter with an
// evenly spaced grid of foreground points and de-duplicating the masks.
type GridProposer struct {
	PointsPerSide int
	MaxIoU        float32 // Overlap above which two masks are the same object
	Workers       int
	Logger        *zap.Logger
}

// NewGridProposer returns a proposer with pointsPerSide x pointsPerSide
// prompts
func NewGridProposer(pointsPerSide int, logger *zap.Logger) *GridProposer {
	if pointsPerSide <= 0 {
		pointsPerSide = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GridProposer{
		PointsPerSide: pointsPerSide,
		MaxIoU:        0.7,
		Workers:       4,
		Logger:        logger,
	}
}

// Points returns the normalized prompt grid, row by row
func (g *GridProposer) Points() []pipeline.PointPrompt {
	n := g.PointsPerSide
	pts := make([]pipeline.PointPrompt, 0, n*n)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			pts = append(pts, pipeline.PointPrompt{
				X:          (float32(col) + 0.5) / float32(n),
				Y:          (float32(row) + 0.5) / float32(n),
				Foreground: true,
			})
		}
	}
	return pts
}

// Propose prompts seg at every grid point. Points without a confident mask
// or whose prompt fails are skipped; the proposal fails only when ctx is
// done or every point failed.
func (g *GridProposer) Propose(ctx context.Context, seg HintSegmenter, raster *imaging.Raster) ([]*pipeline.Mask, error) {
	pts := g.Points()
	masks := make([]*pipeline.Mask, len(pts))

	var (
		mu       sync.Mutex
		failed   int
		firstErr error
	)
	var eg errgroup.Group
	eg.SetLimit(max(1, g.Workers))
	for i, pt := range pts {
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			m, err := seg.Segment(ctx, raster, pipeline.RegionHint{Points: []pipeline.PointPrompt{pt}})
			switch {
			case err == nil:
				masks[i] = m
			case errors.Is(err, pipeline.ErrNoConfidentMask):
			case ctx.Err() != nil:
			default:
				g.Logger.Warn("Grid point failed",
					zap.Int("point", i),
					zap.String("stage", "propose"),
					zap.Error(err))
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failed == len(pts) {
		return nil, fmt.Errorf("all %d grid points failed: %w", failed, firstErr)
	}

	kept := pipeline.DedupMasks(masks, g.MaxIoU, 0)
	g.Logger.Debug("Grid proposals",
		zap.Int("points", len(pts)),
		zap.Int("failed", failed),
		zap.Int("masks", len(kept)))
	return kept, nil
}
