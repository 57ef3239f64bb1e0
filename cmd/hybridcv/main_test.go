package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridcv/config"
	"hybridcv/internal/inference"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func squarePNG(t *testing.T, size int, fg image.Rectangle, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := fg.Min.Y; y < fg.Max.Y; y++ {
		for x := fg.Min.X; x < fg.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// modelHost serves a detector named yolov8 and a segmenter named sam
func modelHost(t *testing.T) string {
	t.Helper()
	mask := squarePNG(t, 64, image.Rect(16, 16, 48, 48), color.White)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /v1/models/{name}/load", func(w http.ResponseWriter, r *http.Request) {
		st := inference.Status{Model: r.PathValue("name"), Loaded: true}
		if st.Model == "yolov8" {
			st.Classes = []string{"person", "traffic_light"}
		}
		writeJSON(w, st)
	})
	mux.HandleFunc("POST /v1/models/yolov8/detect", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, inference.DetectResponse{Detections: []inference.WireDetection{
			{Box: [4]float32{0.25, 0.25, 0.5, 0.5}, ClassID: 0, Confidence: 0.9},
			{Box: [4]float32{0, 0, 0.25, 0.25}, ClassID: 1, Confidence: 0.3},
		}})
	})
	mux.HandleFunc("POST /v1/models/sam/segment", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, inference.SegmentResponse{Mask: mask, Score: 0.95})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func writeFixtures(t *testing.T) (cfgPath, imgPath string) {
	t.Helper()
	dir := t.TempDir()
	endpoint := modelHost(t)

	cfgPath = filepath.Join(dir, "config.yaml")
	yml := fmt.Sprintf(`
detector:
  backend: http
  name: yolov8
  endpoint: %[1]s
  retries: 0
segmenter:
  backend: http
  name: sam
  endpoint: %[1]s
  retries: 0
  pointsperside: 2
  usehostproposals: false
`, endpoint)
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o644))

	imgPath = filepath.Join(dir, "scene.png")
	require.NoError(t, os.WriteFile(imgPath, squarePNG(t, 64, image.Rect(16, 16, 48, 48), color.RGBA{R: 200, A: 255}), 0o644))
	return cfgPath, imgPath
}

func run(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run(append([]string{"hybridcv"}, args...)))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded), out.String())
	return decoded
}

func TestDetectCommand(t *testing.T) {
	cfgPath, imgPath := writeFixtures(t)

	out := run(t, "--config", cfgPath, "detect", "--image", imgPath)

	items := out["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "person", item["class_name"])
	assert.Equal(t, "Person", item["label"])
	assert.InDelta(t, 0.9, item["confidence"], 1e-6)
	assert.NotEmpty(t, item["mask"])
	assert.NotEmpty(t, item["crop"])
	assert.NotEmpty(t, item["id"])
	assert.EqualValues(t, 0, out["degraded_items"])
}

func TestDetectCommand_Flags(t *testing.T) {
	cfgPath, imgPath := writeFixtures(t)

	out := run(t, "--config", cfgPath, "detect", "--image", imgPath, "--threshold", "0.2", "--no-segmentation")

	items := out["items"].([]any)
	require.Len(t, items, 2)
	second := items[1].(map[string]any)
	assert.Equal(t, "Traffic Light", second["label"])
	assert.NotContains(t, second, "mask")
	assert.NotContains(t, items[0].(map[string]any), "mask")
}

func TestSegmentCommand(t *testing.T) {
	cfgPath, imgPath := writeFixtures(t)

	out := run(t, "--config", cfgPath, "segment", "--image", imgPath)

	segments := out["segments"].([]any)
	require.Len(t, segments, 1)
	seg := segments[0].(map[string]any)
	assert.InDelta(t, 0.25, seg["area"], 1e-6)
	assert.InDelta(t, 0.95, seg["score"], 1e-6)
}

func TestModelsCommand(t *testing.T) {
	cfgPath, _ := writeFixtures(t)

	out := run(t, "--config", cfgPath, "models")

	detector := out["detector"].(map[string]any)
	assert.Equal(t, "yolov8", detector["model"])
	assert.Equal(t, true, detector["loaded"])
	assert.Equal(t, []any{"person", "traffic_light"}, detector["classes"])
	assert.Equal(t, "sam", out["segmenter"].(map[string]any)["model"])
}

func TestDetectCommand_HostDown(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
detector:
  backend: http
  endpoint: 127.0.0.1:1
  retries: 0
  timeout: 2s
`), 0o644))

	app := newApp()
	app.Writer = &bytes.Buffer{}
	err := app.Run([]string{"hybridcv", "--config", cfgPath, "models"})
	assert.ErrorContains(t, err, "initializing models")
}

func TestPipelineConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	pc := pipelineConfig(cfg)
	assert.Equal(t, cfg.Pipeline.ItemWorkers, pc.ItemWorkers)
	assert.Equal(t, cfg.Pipeline.InferenceConcurrency, pc.InferenceConcurrency)
	assert.Equal(t, cfg.Pipeline.MaxSegments, pc.MaxSegments)
	assert.Equal(t, cfg.Pipeline.Defaults.MaxItems, pc.Defaults.MaxItems)
	assert.Equal(t, cfg.Pipeline.Defaults.ConfidenceThreshold, pc.Defaults.ConfidenceThreshold)
	assert.Equal(t, cfg.Imaging.OperatingResolution, pc.Imaging.OperatingResolution)
	assert.True(t, pc.Imaging.ApplyOrientation)
	assert.NoError(t, pc.Defaults.Validate())
}
