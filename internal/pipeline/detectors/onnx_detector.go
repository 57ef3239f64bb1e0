//go:build cgo && ORT

package detectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"hybridcv/internal/imaging"
	"hybridcv/internal/pipeline"
)

// ONNXDetector runs a YOLOv8 ONNX export in-process with onnxruntime
type ONNXDetector struct {
	cfg     ONNXConfig
	logger  *zap.Logger
	session *ort.DynamicAdvancedSession

	loadMu sync.Mutex
	loaded atomic.Bool
}

// NewONNXDetector creates the detector. The model is opened by Load.
func NewONNXDetector(cfg ONNXConfig, logger *zap.Logger) *ONNXDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ONNXDetector{cfg: cfg.withDefaults(), logger: logger}
}

func (d *ONNXDetector) Name() string { return d.cfg.Name }

func (d *ONNXDetector) Load(context.Context) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	if d.loaded.Load() {
		return nil
	}
	if d.cfg.ModelPath == "" {
		return errors.New("onnx detector needs a model path")
	}

	if !ort.IsInitialized() {
		if d.cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(d.cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initializing onnxruntime: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(d.cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", d.cfg.ModelPath, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return fmt.Errorf("%s has %d inputs and %d outputs, want 1 and at least 1", d.cfg.ModelPath, len(inputs), len(outputs))
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		d.cfg.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		opts,
	)
	if err != nil {
		return fmt.Errorf("creating session for %s: %w", d.cfg.ModelPath, err)
	}

	d.session = session
	d.loaded.Store(true)
	d.logger.Info("ONNX detector loaded",
		zap.String("model", d.cfg.ModelPath),
		zap.String("input", inputs[0].Name),
		zap.String("output", outputs[0].Name))
	return nil
}

func (d *ONNXDetector) IsLoaded() bool { return d.loaded.Load() }

func (d *ONNXDetector) Classes() []string { return d.cfg.Classes }

func (d *ONNXDetector) Detect(ctx context.Context, raster *imaging.Raster) ([]pipeline.RawDetection, error) {
	if !d.loaded.Load() {
		return nil, errors.New("detector is not loaded")
	}

	size := d.cfg.InputSize
	backing, lb := LetterboxTensor(raster, size)
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), backing)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outputs := make([]ort.Value, 1)
	if err := d.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("running %s: %w", d.cfg.Name, err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	shape := out.GetShape()
	if len(shape) != 3 || int(shape[1]) != 4+len(d.cfg.Classes) {
		return nil, fmt.Errorf("output shape %v does not match %d classes", shape, len(d.cfg.Classes))
	}

	dets, err := DecodeYOLO(out.GetData(), len(d.cfg.Classes), lb, d.cfg.MinScore)
	if err != nil {
		return nil, err
	}
	return NonMaxSuppression(dets, d.cfg.IOUThreshold), nil
}

func (d *ONNXDetector) Close() error {
	if d.session == nil {
		return nil
	}
	return d.session.Destroy()
}

var _ pipeline.Detector = (*ONNXDetector)(nil)
