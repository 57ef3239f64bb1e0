package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hybridcv/config"
	"hybridcv/internal/imaging"
	"hybridcv/internal/pipeline"
	"hybridcv/internal/pipeline/detectors"
	"hybridcv/internal/pipeline/segmenters"
)

// pipelineConfig converts the file configuration to the pipeline's
func pipelineConfig(cfg *config.AppConfig) pipeline.Config {
	d := cfg.Pipeline.Defaults
	return pipeline.Config{
		ItemWorkers:          cfg.Pipeline.ItemWorkers,
		InferenceConcurrency: cfg.Pipeline.InferenceConcurrency,
		MaxSegments:          cfg.Pipeline.MaxSegments,
		ProposalIoU:          cfg.Pipeline.ProposalIoU,
		Defaults: pipeline.Options{
			ConfidenceThreshold: d.ConfidenceThreshold,
			MaxItems:            d.MaxItems,
			EnableSegmentation:  d.EnableSegmentation,
			HighResolution:      d.HighResolution,
		},
		Imaging: imaging.Options{
			OperatingResolution: cfg.Imaging.OperatingResolution,
			MaxPixels:           cfg.Imaging.MaxPixels,
			ApplyOrientation:    cfg.Imaging.ApplyOrientation,
		},
	}
}

// buildPipeline creates both adapters from cfg and wires them into a
// pipeline. Models are not loaded.
func buildPipeline(cfg *config.AppConfig, logger *zap.Logger, bus *pipeline.EventBus) (*pipeline.HybridPipeline, error) {
	detector, err := detectors.DefaultRegistry().Build(cfg.Detector, logger.Named("detector"))
	if err != nil {
		return nil, err
	}
	segmenter, err := segmenters.DefaultRegistry().Build(cfg.Segmenter, logger.Named("segmenter"))
	if err != nil {
		_ = detector.Close()
		return nil, err
	}
	return pipeline.New(detector, segmenter, pipelineConfig(cfg), logger.Named("pipeline"), bus), nil
}

// initialize loads the models, bounded by the configured init timeout
func initialize(ctx context.Context, cfg *config.AppConfig, pipe *pipeline.HybridPipeline) error {
	if cfg.Pipeline.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Pipeline.InitTimeout)
		defer cancel()
	}
	if err := pipe.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing models: %w", err)
	}
	return nil
}
