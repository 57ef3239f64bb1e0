package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newHTTPHost(t *testing.T, host Service) (*HTTPClient, *atomic.Int32) {
	t.Helper()
	var failures atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v1/models/{name}", func(w http.ResponseWriter, r *http.Request) {
		st, err := host.Status(r.Context(), r.PathValue("name"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	mux.HandleFunc("POST /v1/models/{name}/load", func(w http.ResponseWriter, r *http.Request) {
		st, err := host.Load(r.Context(), r.PathValue("name"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	mux.HandleFunc("POST /v1/models/{name}/detect", func(w http.ResponseWriter, r *http.Request) {
		if failures.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "warming up"})
			return
		}
		var req DetectRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp, _ := host.Detect(r.Context(), &req)
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("POST /v1/models/{name}/segment", func(w http.ResponseWriter, r *http.Request) {
		var req SegmentRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp, err := host.Segment(r.Context(), &req)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("POST /v1/models/{name}/propose", func(w http.ResponseWriter, r *http.Request) {
		var req ProposeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp, _ := host.Propose(r.Context(), &req)
		writeJSON(w, http.StatusOK, resp)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Retries: 2}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = client.Close() })
	return client, &failures
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	client, calls := newHTTPHost(t, &fakeHost{})
	ctx := context.Background()

	require.NoError(t, client.CheckHealth(ctx))

	st, err := client.Load(ctx, "yolo")
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "car"}, st.Classes)

	det, err := client.Detect(ctx, &DetectRequest{Model: "yolo", Image: []byte("jpeg")})
	require.NoError(t, err)
	assert.Len(t, det.Detections, 2)
	assert.Equal(t, int32(2), calls.Load(), "the 503 is retried")

	box := [4]float32{0, 0, 1, 1}
	seg, err := client.Segment(ctx, &SegmentRequest{Model: "sam", Image: []byte("jpeg"), Box: &box})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, seg.Mask)

	props, err := client.Propose(ctx, &ProposeRequest{Model: "sam", Image: []byte("jpeg"), PointsPerSide: 2})
	require.NoError(t, err)
	assert.Len(t, props.Masks, 2)
}

func TestHTTPClient_Errors(t *testing.T) {
	client, _ := newHTTPHost(t, &fakeHost{})
	ctx := context.Background()

	_, err := client.Segment(ctx, &SegmentRequest{Model: "sam", Image: []byte("jpeg")})
	assert.ErrorIs(t, err, ErrNoMask)

	_, err = client.Status(ctx, "unknown")
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Contains(t, err.Error(), "model not found")
}

func TestModelPath(t *testing.T) {
	assert.Equal(t, "/v1/models/yolov8", modelPath("yolov8", ""))
	assert.Equal(t, "/v1/models/sam%2Fvit-b/segment", modelPath("sam/vit-b", "segment"))
}
