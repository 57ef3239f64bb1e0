package detectors

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"hybridcv/config"
	"hybridcv/internal/inference"
	"hybridcv/internal/pipeline"
)

// Factory builds a detector from its configuration
type Factory func(cfg config.ModelConfig, logger *zap.Logger) (pipeline.Detector, error)

// Registry maps backend names to detector factories
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a registry with the grpc, http and onnx backends
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("grpc", newGRPCDetector)
	_ = r.Register("http", newHTTPDetector)
	_ = r.Register("onnx", newONNXDetector)
	return r
}

// Register adds a factory for backend
func (r *Registry) Register(backend string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	if backend == "" {
		return fmt.Errorf("backend name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[backend]; exists {
		return fmt.Errorf("detector backend %q already registered", backend)
	}
	r.factories[backend] = factory
	return nil
}

// Build creates the detector selected by cfg.Backend
func (r *Registry) Build(cfg config.ModelConfig, logger *zap.Logger) (pipeline.Detector, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown detector backend %q (available: %v)", cfg.Backend, r.Backends())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := factory(cfg, logger.With(zap.String("backend", cfg.Backend)))
	if err != nil {
		return nil, fmt.Errorf("building %s detector: %w", cfg.Backend, err)
	}
	return d, nil
}

// Backends returns the registered backend names, sorted
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func newGRPCDetector(cfg config.ModelConfig, logger *zap.Logger) (pipeline.Detector, error) {
	client, err := inference.NewGRPCClient(inference.GRPCConfig{
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return NewRemoteDetector(client, cfg.Name, logger), nil
}

func newHTTPDetector(cfg config.ModelConfig, logger *zap.Logger) (pipeline.Detector, error) {
	client := inference.NewHTTPClient(inference.HTTPConfig{
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.Timeout,
		Retries:  cfg.Retries,
	}, logger)
	return NewRemoteDetector(client, cfg.Name, logger), nil
}

func newONNXDetector(cfg config.ModelConfig, logger *zap.Logger) (pipeline.Detector, error) {
	return NewONNXDetector(ONNXConfig{
		Name:         cfg.Name,
		ModelPath:    cfg.ModelPath,
		LibraryPath:  cfg.LibraryPath,
		InputSize:    cfg.InputSize,
		IOUThreshold: cfg.IOUThreshold,
		MinScore:     cfg.MinScore,
	}, logger), nil
}
