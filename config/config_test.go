package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/frankban/quicktest"
)

func TestLoad_Defaults(t *testing.T) {
	c := quicktest.New(t)

	cfg, err := Load("")
	c.Assert(err, quicktest.IsNil)
	c.Assert(cfg.Server.Port, quicktest.Equals, 8000)
	c.Assert(cfg.Server.RequestTimeout, quicktest.Equals, 60*time.Second)
	c.Assert(cfg.Pipeline.Defaults.ConfidenceThreshold, quicktest.Equals, float32(0.5))
	c.Assert(cfg.Pipeline.Defaults.MaxItems, quicktest.Equals, 100)
	c.Assert(cfg.Pipeline.Defaults.EnableSegmentation, quicktest.IsTrue)
	c.Assert(cfg.Pipeline.Defaults.HighResolution, quicktest.IsFalse)
	c.Assert(cfg.Imaging.OperatingResolution, quicktest.Equals, 1024)
	c.Assert(cfg.Detector.Backend, quicktest.Equals, "grpc")
	c.Assert(cfg.Segmenter.Name, quicktest.Equals, "sam")
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	c := quicktest.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
server:
  port: 9000
detector:
  backend: http
  endpoint: http://yolo:8080
pipeline:
  defaults:
    maxitems: 20
`
	c.Assert(os.WriteFile(path, []byte(yml), 0o644), quicktest.IsNil)
	t.Setenv("CFG_PIPELINE_ITEMWORKERS", "3")
	t.Setenv("CFG_SEGMENTER_TIMEOUT", "5s")

	cfg, err := Load(path)
	c.Assert(err, quicktest.IsNil)
	c.Assert(cfg.Server.Port, quicktest.Equals, 9000)
	c.Assert(cfg.Detector.Backend, quicktest.Equals, "http")
	c.Assert(cfg.Detector.Endpoint, quicktest.Equals, "http://yolo:8080")
	c.Assert(cfg.Pipeline.Defaults.MaxItems, quicktest.Equals, 20)
	c.Assert(cfg.Pipeline.ItemWorkers, quicktest.Equals, 3)
	c.Assert(cfg.Segmenter.Timeout, quicktest.Equals, 5*time.Second)
}

func TestLoad_MissingFile(t *testing.T) {
	c := quicktest.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	c.Assert(err, quicktest.ErrorMatches, "loading .*absent.yaml.*")
}

func TestValidate(t *testing.T) {
	c := quicktest.New(t)

	testCases := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{"threshold", func(a *AppConfig) { a.Pipeline.Defaults.ConfidenceThreshold = 1.5 }, "pipeline.defaults.confidencethreshold.*"},
		{"maxitems", func(a *AppConfig) { a.Pipeline.Defaults.MaxItems = -1 }, "pipeline.defaults.maxitems.*"},
		{"workers", func(a *AppConfig) { a.Pipeline.ItemWorkers = 0 }, "pipeline.itemworkers.*"},
		{"port", func(a *AppConfig) { a.Server.Port = 0 }, "server.port.*"},
		{"backend", func(a *AppConfig) { a.Segmenter.Backend = "" }, "segmenter.backend is required"},
	}

	for _, tc := range testCases {
		cfg, err := Load("")
		c.Assert(err, quicktest.IsNil)
		tc.mutate(cfg)
		c.Assert(cfg.Validate(), quicktest.ErrorMatches, tc.wantErr, quicktest.Commentf(tc.name))
	}
}
