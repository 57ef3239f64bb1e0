package detectors

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"hybridcv/internal/imaging"
	"hybridcv/internal/inference"
	"hybridcv/internal/pipeline"
)

const transportJPEGQuality = 95

// RemoteDetector runs detection on a model host through an inference client
type RemoteDetector struct {
	client inference.Client
	model  string
	logger *zap.Logger

	loadMu  sync.Mutex
	loaded  atomic.Bool
	classMu sync.RWMutex
	classes []string
}

// NewRemoteDetector creates a detector for model served behind client
func NewRemoteDetector(client inference.Client, model string, logger *zap.Logger) *RemoteDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteDetector{
		client: client,
		model:  model,
		logger: logger,
	}
}

func (d *RemoteDetector) Name() string {
	return d.model
}

// Load checks the host, asks it to load the model and captures the class
// vocabulary. It is a no-op once loaded.
func (d *RemoteDetector) Load(ctx context.Context) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	if d.loaded.Load() {
		return nil
	}
	if err := d.client.CheckHealth(ctx); err != nil {
		return err
	}
	st, err := d.client.Load(ctx, d.model)
	if err != nil {
		return fmt.Errorf("loading %s: %w", d.model, err)
	}
	if !st.Loaded {
		return fmt.Errorf("host reports %s as not loaded", d.model)
	}
	if len(st.Classes) == 0 {
		return fmt.Errorf("host reports no classes for %s", d.model)
	}

	d.classMu.Lock()
	d.classes = slices.Clone(st.Classes)
	d.classMu.Unlock()
	d.loaded.Store(true)

	d.logger.Info("Remote detector loaded", zap.String("model", d.model), zap.Int("classes", len(st.Classes)))
	return nil
}

func (d *RemoteDetector) IsLoaded() bool {
	return d.loaded.Load()
}

func (d *RemoteDetector) Classes() []string {
	d.classMu.RLock()
	defer d.classMu.RUnlock()
	return d.classes
}

// Detect sends the raster to the host. Confidences are passed through on
// the host's scale.
func (d *RemoteDetector) Detect(ctx context.Context, raster *imaging.Raster) ([]pipeline.RawDetection, error) {
	if !d.loaded.Load() {
		return nil, errors.New("detector is not loaded")
	}

	encoded, err := raster.JPEG(transportJPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("encoding raster: %w", err)
	}

	resp, err := d.client.Detect(ctx, &inference.DetectRequest{
		Model:  d.model,
		Image:  encoded,
		Format: "image/jpeg",
	})
	if err != nil {
		return nil, err
	}

	dets := make([]pipeline.RawDetection, 0, len(resp.Detections))
	for _, wd := range resp.Detections {
		dets = append(dets, pipeline.RawDetection{
			Box:        pipeline.BBox{X: wd.Box[0], Y: wd.Box[1], W: wd.Box[2], H: wd.Box[3]},
			ClassID:    wd.ClassID,
			Confidence: wd.Confidence,
		})
	}
	return dets, nil
}

func (d *RemoteDetector) Close() error {
	return d.client.Close()
}

var _ pipeline.Detector = (*RemoteDetector)(nil)
