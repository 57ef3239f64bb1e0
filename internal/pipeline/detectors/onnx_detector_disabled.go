//go:build !cgo || !ORT

package detectors

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"hybridcv/internal/imaging"
	"hybridcv/internal/pipeline"
)

var errORTDisabled = errors.New("onnx backend is not enabled, build with cgo and -tags ORT")

// ONNXDetector is unavailable in this build
type ONNXDetector struct {
	cfg ONNXConfig
}

// NewONNXDetector returns a detector whose Load always fails
func NewONNXDetector(cfg ONNXConfig, _ *zap.Logger) *ONNXDetector {
	return &ONNXDetector{cfg: cfg.withDefaults()}
}

func (d *ONNXDetector) Name() string               { return d.cfg.Name }
func (d *ONNXDetector) Load(context.Context) error { return errORTDisabled }
func (d *ONNXDetector) IsLoaded() bool             { return false }
func (d *ONNXDetector) Classes() []string          { return d.cfg.Classes }
func (d *ONNXDetector) Close() error               { return nil }

func (d *ONNXDetector) Detect(context.Context, *imaging.Raster) ([]pipeline.RawDetection, error) {
	return nil, errORTDisabled
}

var _ pipeline.Detector = (*ONNXDetector)(nil)
