// Package server exposes the hybrid pipeline over HTTP.
package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"hybridcv/internal/pipeline"
)

// Pipeline is the part of the hybrid pipeline served over HTTP
type Pipeline interface {
	Process(ctx context.Context, encoded []byte, opts pipeline.Options) (*pipeline.Result, error)
	ProcessSegmentAll(ctx context.Context, encoded []byte, highResolution bool) (*pipeline.SegmentResult, error)
	IsReady() bool
	DefaultOptions() pipeline.Options
	ModelInfo() pipeline.ModelInfo
	Stats() pipeline.Stats
}

// Config configures the HTTP layer
type Config struct {
	Version        string
	MaxBodyBytes   int64         // Request body limit for the image endpoints
	RequestTimeout time.Duration // Per-request pipeline deadline, 0 for none
	Debug          bool
}

// Server routes HTTP requests to the pipeline
type Server struct {
	pipe   Pipeline
	events http.Handler
	cfg    Config
	logger *zap.Logger
	mux    goahttp.Muxer
	dec    func(*http.Request) goahttp.Decoder
	enc    func(context.Context, http.ResponseWriter) goahttp.Encoder
}

// Mount describes one mounted route
type Mount struct {
	Verb    string
	Pattern string
}

// New creates a server for pipe. events serves the websocket event stream
// and may be nil.
func New(pipe Pipeline, events http.Handler, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pipe:   pipe,
		events: events,
		cfg:    cfg,
		logger: logger,
		mux:    goahttp.NewMuxer(),
		dec:    goahttp.RequestDecoder,
		enc:    goahttp.ResponseEncoder,
	}
	for _, m := range s.mount() {
		logger.Debug("HTTP route mounted", zap.String("verb", m.Verb), zap.String("pattern", m.Pattern))
	}
	return s
}

func (s *Server) mount() []Mount {
	routes := []struct {
		Mount
		h http.HandlerFunc
	}{
		{Mount{"GET", "/"}, s.handleRoot},
		{Mount{"GET", "/health"}, s.handleHealth},
		{Mount{"GET", "/healthz"}, s.handleLive},
		{Mount{"GET", "/readyz"}, s.handleReady},
		{Mount{"POST", "/api/v2/detect"}, s.handleDetect},
		{Mount{"POST", "/api/v2/segment"}, s.handleSegment},
		{Mount{"GET", "/api/v2/models/info"}, s.handleModelInfo},
		{Mount{"GET", "/api/v2/stats"}, s.handleStats},
	}
	if s.events != nil {
		routes = append(routes, struct {
			Mount
			h http.HandlerFunc
		}{Mount{"GET", "/ws/events"}, s.events.ServeHTTP})
	}

	mounts := make([]Mount, 0, len(routes))
	for _, r := range routes {
		s.mux.Handle(r.Verb, r.Pattern, r.h)
		mounts = append(mounts, r.Mount)
	}
	return mounts
}

// Handler returns the muxer wrapped with the request id, access log and
// debug middlewares.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	if s.cfg.Debug {
		handler = httpmdlwr.Debug(s.mux, os.Stdout)(handler)
	}
	handler = httpmdlwr.Log(NewLogAdapter(s.logger))(handler)
	handler = withRequestID(handler)
	handler = httpmdlwr.RequestID(httpmdlwr.UseXRequestIDHeaderOption(true))(handler)
	return handler
}

// withRequestID hands the goa request id to the pipeline and echoes it to
// the client.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := r.Context().Value(middleware.RequestIDKey).(string); ok && id != "" {
			w.Header().Set("X-Request-Id", id)
			r = r.WithContext(pipeline.ContextWithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// encode writes v with status, logging encoding failures with the request id
func (s *Server) encode(w http.ResponseWriter, r *http.Request, status int, v any) {
	ctx := r.Context()
	enc := s.enc(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Error("Encoding response failed",
			zap.String("request_id", pipeline.RequestIDFromContext(ctx)),
			zap.Error(err))
	}
}
