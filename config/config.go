package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "config/config.yaml"

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	Debug             bool          `koanf:"debug"`
	ReadHeaderTimeout time.Duration `koanf:"readheadertimeout"`
	RequestTimeout    time.Duration `koanf:"requesttimeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdowntimeout"`
	MaxBodyBytes      int64         `koanf:"maxbodybytes"`
}

// DefaultsConfig holds the request options applied when a caller omits them.
type DefaultsConfig struct {
	ConfidenceThreshold float32 `koanf:"confidencethreshold"`
	MaxItems            int     `koanf:"maxitems"`
	EnableSegmentation  bool    `koanf:"enablesegmentation"`
	HighResolution      bool    `koanf:"highresolution"`
}

// PipelineConfig related to the hybrid detection pipeline
type PipelineConfig struct {
	ItemWorkers          int            `koanf:"itemworkers"`
	InferenceConcurrency int            `koanf:"inferenceconcurrency"`
	InitTimeout          time.Duration  `koanf:"inittimeout"`
	MaxSegments          int            `koanf:"maxsegments"`
	ProposalIoU          float32        `koanf:"proposaliou"`
	Defaults             DefaultsConfig `koanf:"defaults"`
}

// ImagingConfig related to image decoding and normalization
type ImagingConfig struct {
	OperatingResolution int  `koanf:"operatingresolution"`
	MaxPixels           int  `koanf:"maxpixels"`
	ApplyOrientation    bool `koanf:"applyorientation"`
}

// ModelConfig describes one model adapter. Fields that do not apply to the
// selected backend are ignored.
type ModelConfig struct {
	Backend          string        `koanf:"backend"`
	Name             string        `koanf:"name"`
	Endpoint         string        `koanf:"endpoint"`
	Timeout          time.Duration `koanf:"timeout"`
	Retries          int           `koanf:"retries"`
	ModelPath        string        `koanf:"modelpath"`
	LibraryPath      string        `koanf:"librarypath"`
	InputSize        int           `koanf:"inputsize"`
	IOUThreshold     float32       `koanf:"iouthreshold"`
	MinScore         float32       `koanf:"minscore"`
	PointsPerSide    int           `koanf:"pointsperside"`
	UseHostProposals bool          `koanf:"usehostproposals"`
}

// WebsocketConfig related to the live event stream
type WebsocketConfig struct {
	Enabled bool `koanf:"enabled"`
}

// AppConfig defines
type AppConfig struct {
	Server    ServerConfig    `koanf:"server"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Imaging   ImagingConfig   `koanf:"imaging"`
	Detector  ModelConfig     `koanf:"detector"`
	Segmenter ModelConfig     `koanf:"segmenter"`
	Websocket WebsocketConfig `koanf:"websocket"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.host":                           "0.0.0.0",
		"server.port":                           8000,
		"server.readheadertimeout":              "60s",
		"server.requesttimeout":                 "60s",
		"server.shutdowntimeout":                "30s",
		"server.maxbodybytes":                   32 << 20,
		"pipeline.itemworkers":                  8,
		"pipeline.inferenceconcurrency":         4,
		"pipeline.inittimeout":                  "5m",
		"pipeline.maxsegments":                  256,
		"pipeline.proposaliou":                  0.7,
		"pipeline.defaults.confidencethreshold": 0.5,
		"pipeline.defaults.maxitems":            100,
		"pipeline.defaults.enablesegmentation":  true,
		"pipeline.defaults.highresolution":      false,
		"imaging.operatingresolution":           1024,
		"imaging.maxpixels":                     50_000_000,
		"imaging.applyorientation":              true,
		"detector.backend":                      "grpc",
		"detector.name":                         "yolov8",
		"detector.endpoint":                     "localhost:50051",
		"detector.timeout":                      "30s",
		"detector.retries":                      2,
		"detector.inputsize":                    640,
		"detector.iouthreshold":                 0.45,
		"segmenter.backend":                     "grpc",
		"segmenter.name":                        "sam",
		"segmenter.endpoint":                    "localhost:50052",
		"segmenter.timeout":                     "30s",
		"segmenter.retries":                     2,
		"segmenter.minscore":                    0.5,
		"segmenter.pointsperside":               16,
		"websocket.enabled":                     true,
	}
}

// Load assembles the configuration from built-in defaults, the YAML file at
// filePath (skipped when empty) and CFG_ prefixed environment variables, in
// that order of precedence.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise surface as confusing
// failures at request time.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	d := c.Pipeline.Defaults
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.defaults.confidencethreshold %v outside [0,1]", d.ConfidenceThreshold)
	}
	if d.MaxItems < 0 {
		return fmt.Errorf("pipeline.defaults.maxitems must not be negative")
	}
	if c.Pipeline.ItemWorkers < 1 {
		return fmt.Errorf("pipeline.itemworkers must be at least 1")
	}
	if c.Pipeline.InferenceConcurrency < 0 {
		return fmt.Errorf("pipeline.inferenceconcurrency must not be negative")
	}
	if c.Pipeline.ProposalIoU <= 0 || c.Pipeline.ProposalIoU > 1 {
		return fmt.Errorf("pipeline.proposaliou %v outside (0,1]", c.Pipeline.ProposalIoU)
	}
	if c.Imaging.OperatingResolution < 32 {
		return fmt.Errorf("imaging.operatingresolution %d too small", c.Imaging.OperatingResolution)
	}
	for name, m := range map[string]ModelConfig{"detector": c.Detector, "segmenter": c.Segmenter} {
		if m.Backend == "" {
			return fmt.Errorf("%s.backend is required", name)
		}
		if m.Name == "" {
			return fmt.Errorf("%s.name is required", name)
		}
	}
	return nil
}
