package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"hybridcv/internal/pipeline"
)

const serviceName = "hybridcv"

// statusClientClosedRequest is reported when the caller went away
const statusClientClosedRequest = 499

type detectRequest struct {
	Image   string          `json:"image"`
	Options json.RawMessage `json:"options,omitempty"`
}

// optionsBody carries the caller's overrides of the pipeline defaults
type optionsBody struct {
	ConfidenceThreshold *float32 `json:"confidence_threshold"`
	MaxItems            *int     `json:"max_items"`
	EnableSegmentation  *bool    `json:"enable_segmentation"`
	HighResolution      *bool    `json:"high_resolution"`
}

type segmentRequest struct {
	Image          string `json:"image"`
	HighResolution bool   `json:"high_resolution"`
}

type itemBody struct {
	ID         string     `json:"id"`
	BBox       [4]float32 `json:"bbox"`
	Mask       string     `json:"mask,omitempty"`
	Crop       string     `json:"crop,omitempty"`
	Label      string     `json:"label"`
	Confidence float32    `json:"confidence"`
	ClassName  string     `json:"class_name"`
}

type detectResponse struct {
	Items          []itemBody    `json:"items"`
	ProcessingTime float64       `json:"processing_time"` // Seconds
	TotalItems     int           `json:"total_items"`
	DegradedItems  int           `json:"degraded_items"`
	Success        bool          `json:"success"`
	Message        string        `json:"message"`
	ErrorKind      pipeline.Kind `json:"error_kind,omitempty"`
}

type segmentBody struct {
	ID    string     `json:"id"`
	BBox  [4]float32 `json:"bbox"`
	Mask  string     `json:"mask"`
	Score float32    `json:"score"`
	Area  float32    `json:"area"`
}

type segmentResponse struct {
	Segments       []segmentBody `json:"segments"`
	ProcessingTime float64       `json:"processing_time"`
	TotalSegments  int           `json:"total_segments"`
	Success        bool          `json:"success"`
	Message        string        `json:"message"`
	ErrorKind      pipeline.Kind `json:"error_kind,omitempty"`
}

type healthResponse struct {
	Status    string          `json:"status"`
	Models    map[string]bool `json:"models"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, map[string]any{
		"service":       serviceName,
		"status":        "running",
		"version":       s.cfg.Version,
		"models_loaded": s.pipe.IsReady(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := s.pipe.ModelInfo()
	status := "loading"
	if s.pipe.IsReady() {
		status = "healthy"
	}
	s.encode(w, r, http.StatusOK, healthResponse{
		Status: status,
		Models: map[string]bool{
			"detector":  info.Detector.Loaded,
			"segmenter": info.Segmenter.Loaded,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.pipe.IsReady() {
		s.encode(w, r, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	s.encode(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, s.pipe.ModelInfo())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, s.pipe.Stats())
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var body detectRequest
	if err := s.decodeBody(w, r, &body); err != nil {
		s.detectFailure(w, r, err)
		return
	}
	opts, err := s.requestOptions(body.Options)
	if err != nil {
		s.detectFailure(w, r, err)
		return
	}
	encoded, err := decodeImage(body.Image)
	if err != nil {
		s.detectFailure(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r.Context())
	defer cancel()
	res, err := s.pipe.Process(ctx, encoded, opts)
	if err != nil {
		s.detectFailure(w, r, err)
		return
	}

	items := make([]itemBody, len(res.Items))
	for i, it := range res.Items {
		items[i] = itemBody{
			ID:         it.ID,
			BBox:       it.BBox.Array(),
			Mask:       encodeBytes(it.Mask),
			Crop:       encodeBytes(it.Crop),
			Label:      it.Label,
			Confidence: it.Confidence,
			ClassName:  it.ClassName,
		}
	}
	msg := fmt.Sprintf("Detected %d items", len(items))
	if res.Degraded > 0 {
		msg = fmt.Sprintf("%s (%d without masks)", msg, res.Degraded)
	}
	s.encode(w, r, http.StatusOK, detectResponse{
		Items:          items,
		ProcessingTime: res.ProcessingTime.Seconds(),
		TotalItems:     len(items),
		DegradedItems:  res.Degraded,
		Success:        true,
		Message:        msg,
	})
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	var body segmentRequest
	if err := s.decodeBody(w, r, &body); err != nil {
		s.segmentFailure(w, r, err)
		return
	}
	encoded, err := decodeImage(body.Image)
	if err != nil {
		s.segmentFailure(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r.Context())
	defer cancel()
	res, err := s.pipe.ProcessSegmentAll(ctx, encoded, body.HighResolution)
	if err != nil {
		s.segmentFailure(w, r, err)
		return
	}

	segments := make([]segmentBody, len(res.Segments))
	for i, seg := range res.Segments {
		segments[i] = segmentBody{
			ID:    seg.ID,
			BBox:  seg.BBox.Array(),
			Mask:  encodeBytes(seg.Mask),
			Score: seg.Score,
			Area:  seg.Area,
		}
	}
	s.encode(w, r, http.StatusOK, segmentResponse{
		Segments:       segments,
		ProcessingTime: res.ProcessingTime.Seconds(),
		TotalSegments:  len(segments),
		Success:        true,
		Message:        fmt.Sprintf("Found %d segments", len(segments)),
	})
}

func (s *Server) detectFailure(w http.ResponseWriter, r *http.Request, err error) {
	f := s.failure(r, err)
	s.encode(w, r, statusFor(f.Kind), detectResponse{
		Items:     []itemBody{},
		Message:   f.Message,
		ErrorKind: f.Kind,
	})
}

func (s *Server) segmentFailure(w http.ResponseWriter, r *http.Request, err error) {
	f := s.failure(r, err)
	s.encode(w, r, statusFor(f.Kind), segmentResponse{
		Segments:  []segmentBody{},
		Message:   f.Message,
		ErrorKind: f.Kind,
	})
}

func (s *Server) failure(r *http.Request, err error) pipeline.Failure {
	f := pipeline.AsFailure(err)
	log := s.logger.With(
		zap.String("request_id", pipeline.RequestIDFromContext(r.Context())),
		zap.String("path", r.URL.Path),
		zap.String("kind", string(f.Kind)))
	if statusFor(f.Kind) >= http.StatusInternalServerError {
		log.Error("Request failed", zap.Error(err))
	} else {
		log.Info("Request rejected", zap.Error(err))
	}
	return f
}

// statusFor maps a failure kind to its HTTP status
func statusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindInvalidInput, pipeline.KindInvalidOptions:
		return http.StatusBadRequest
	case pipeline.KindDecode:
		return http.StatusUnprocessableEntity
	case pipeline.KindNotReady, pipeline.KindModelLoad:
		return http.StatusServiceUnavailable
	case pipeline.KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body of at most MaxBodyBytes
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	if err := s.dec(r).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &pipeline.Error{Kind: pipeline.KindInvalidInput, Op: "request",
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return &pipeline.Error{Kind: pipeline.KindInvalidInput, Op: "request", Message: "malformed request body", Err: err}
	}
	return nil
}

// requestOptions overlays the caller's options on the pipeline defaults.
// Unknown option keys are rejected.
func (s *Server) requestOptions(raw json.RawMessage) (pipeline.Options, error) {
	opts := s.pipe.DefaultOptions()
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return opts, nil
	}

	var body optionsBody
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return opts, &pipeline.Error{Kind: pipeline.KindInvalidOptions, Op: "request", Message: "invalid options", Err: err}
	}
	if body.ConfidenceThreshold != nil {
		opts.ConfidenceThreshold = *body.ConfidenceThreshold
	}
	if body.MaxItems != nil {
		opts.MaxItems = *body.MaxItems
	}
	if body.EnableSegmentation != nil {
		opts.EnableSegmentation = *body.EnableSegmentation
	}
	if body.HighResolution != nil {
		opts.HighResolution = *body.HighResolution
	}
	return opts, nil
}

// decodeImage decodes a base64 image, accepting an optional data URL prefix
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, &pipeline.Error{Kind: pipeline.KindInvalidInput, Op: "request", Message: "image is not valid base64", Err: err}
	}
	return data, nil
}

func encodeBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func (s *Server) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}
