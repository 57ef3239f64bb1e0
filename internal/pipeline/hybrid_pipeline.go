package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"hybridcv/internal/imaging"
	"hybridcv/internal/logger"
)

// Operation names used in events, ids and logs
const (
	OperationDetect     = "detect_and_segment"
	OperationSegmentAll = "segment_all"
)

var tracer = otel.Tracer("hybridcv/internal/pipeline")

// Config holds the process-level pipeline settings
type Config struct {
	ItemWorkers          int     // Concurrent per-item segmentations per request
	InferenceConcurrency int     // Concurrent adapter calls across requests, 0 = unbounded
	MaxSegments          int     // Cap on segment_all results, 0 = unbounded
	ProposalIoU          float32 // Overlap above which segment_all proposals are duplicates
	Defaults             Options // Request options used by the boundary when fields are omitted
	Imaging              imaging.Options
}

// DefaultConfig returns the standard pipeline configuration
func DefaultConfig() Config {
	return Config{
		ItemWorkers:          8,
		InferenceConcurrency: 4,
		MaxSegments:          256,
		ProposalIoU:          0.7,
		Defaults:             DefaultOptions(),
		Imaging:              imaging.DefaultOptions(),
	}
}

// HybridPipeline runs a detector and a segmenter as one request
type HybridPipeline struct {
	detector     Detector
	segmenter    Segmenter
	preprocessor *imaging.Preprocessor
	cfg          Config
	logger       *zap.Logger
	bus          *EventBus
	inference    *semaphore.Weighted

	initOnce sync.Once
	initErr  atomic.Pointer[Error]
	ready    atomic.Bool

	statsMu      sync.Mutex
	stats        Stats
	totalLatency time.Duration
}

// New wires a pipeline. Models are not loaded until Initialize.
func New(detector Detector, segmenter Segmenter, cfg Config, logger *zap.Logger, bus *EventBus) *HybridPipeline {
	if cfg.ItemWorkers < 1 {
		cfg.ItemWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &HybridPipeline{
		detector:     detector,
		segmenter:    segmenter,
		preprocessor: imaging.NewPreprocessor(cfg.Imaging),
		cfg:          cfg,
		logger:       logger,
		bus:          bus,
	}
	if cfg.InferenceConcurrency > 0 {
		p.inference = semaphore.NewWeighted(int64(cfg.InferenceConcurrency))
	}
	return p
}

// Initialize loads the detector and then the segmenter. It runs once; later
// calls return the first outcome. A failure leaves the pipeline permanently
// not ready.
func (p *HybridPipeline) Initialize(ctx context.Context) error {
	p.initOnce.Do(func() {
		start := time.Now()
		err := p.loadModel(ctx, "detector", p.detector)
		if err == nil {
			err = p.loadModel(ctx, "segmenter", p.segmenter)
		}
		if err != nil {
			p.initErr.Store(err)
			p.logger.Error("Pipeline initialization failed", zap.Error(err))
			return
		}
		p.ready.Store(true)
		p.logger.Info("Pipeline ready",
			zap.String("detector", p.detector.Name()),
			zap.String("segmenter", p.segmenter.Name()),
			zap.Int("classes", len(p.detector.Classes())),
			zap.Duration("took", time.Since(start)))
	})
	if err := p.initErr.Load(); err != nil {
		return err
	}
	return nil
}

func (p *HybridPipeline) loadModel(ctx context.Context, role string, m Model) *Error {
	if m == nil {
		return newError(KindModelLoad, "initialize", role+" is not configured", nil)
	}
	if err := m.Load(ctx); err != nil {
		return newError(KindModelLoad, "initialize", fmt.Sprintf("loading %s %q", role, m.Name()), err)
	}
	if !m.IsLoaded() {
		return newError(KindModelLoad, "initialize", fmt.Sprintf("%s %q did not report loaded", role, m.Name()), nil)
	}
	return nil
}

// IsReady reports whether both models are loaded
func (p *HybridPipeline) IsReady() bool {
	return p.ready.Load()
}

// DefaultOptions returns the configured request defaults
func (p *HybridPipeline) DefaultOptions() Options {
	return p.cfg.Defaults
}

// ModelInfo describes the configured models
func (p *HybridPipeline) ModelInfo() ModelInfo {
	var info ModelInfo
	if p.detector != nil {
		info.Detector = DetectorInfo{
			Name:    p.detector.Name(),
			Classes: slices.Clone(p.detector.Classes()),
			Loaded:  p.detector.IsLoaded(),
		}
	}
	if p.segmenter != nil {
		info.Segmenter = SegmenterInfo{
			Name:   p.segmenter.Name(),
			Loaded: p.segmenter.IsLoaded(),
		}
	}
	return info
}

// Stats returns a snapshot of the request counters
func (p *HybridPipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s := p.stats
	if s.Requests > 0 {
		s.AvgLatencyMs = float32(p.totalLatency.Seconds() * 1000 / float64(s.Requests))
	}
	s.Ready = p.IsReady()
	return s
}

// Close releases both models. The pipeline is not ready afterwards.
func (p *HybridPipeline) Close() error {
	p.ready.Store(false)
	var errs []error
	if p.detector != nil {
		if err := p.detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing detector: %w", err))
		}
	}
	if p.segmenter != nil {
		if err := p.segmenter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing segmenter: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Process decodes encoded and runs DetectAndSegment on it
func (p *HybridPipeline) Process(ctx context.Context, encoded []byte, opts Options) (*Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Process")
	defer span.End()

	start := time.Now()
	res, err := p.process(ctx, encoded, opts)
	p.finishDetect(ctx, start, res, err)
	return res, err
}

func (p *HybridPipeline) process(ctx context.Context, encoded []byte, opts Options) (*Result, error) {
	if !p.IsReady() {
		return nil, p.notReady(OperationDetect)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	raster, err := p.preprocess(encoded, opts.HighResolution)
	if err != nil {
		return nil, err
	}
	return p.detectAndSegment(ctx, raster, opts)
}

// DetectAndSegment detects objects in raster and, when enabled, segments
// each retained detection. Items are ordered by descending confidence.
func (p *HybridPipeline) DetectAndSegment(ctx context.Context, raster *imaging.Raster, opts Options) (*Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.DetectAndSegment")
	defer span.End()

	start := time.Now()
	res, err := p.detectAndSegment(ctx, raster, opts)
	p.finishDetect(ctx, start, res, err)
	return res, err
}

func (p *HybridPipeline) detectAndSegment(ctx context.Context, raster *imaging.Raster, opts Options) (*Result, error) {
	if !p.IsReady() {
		return nil, p.notReady(OperationDetect)
	}
	if raster.Empty() {
		return nil, newError(KindInvalidInput, "detect", "raster is empty", nil)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	log := p.requestLogger(ctx)

	dets, err := p.detect(ctx, raster)
	if err != nil {
		return nil, err
	}

	asm := NewAssembler(p.detector.Classes(), DeterministicIDs(raster, OperationDetect))
	for i, d := range dets {
		if err := asm.CheckClass(d.ClassID); err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
	}

	candidates := selectCandidates(dets, opts, log)

	masks := make([]*Mask, len(candidates))
	crops := make([]image.Image, len(candidates))
	if opts.EnableSegmentation && len(candidates) > 0 {
		if err := p.segmentItems(ctx, raster, candidates, masks, crops, asm, log); err != nil {
			return nil, err
		}
	}

	res := &Result{Items: make([]DetectedItem, 0, len(candidates))}
	for rank, c := range candidates {
		if opts.EnableSegmentation && masks[rank] == nil {
			res.Degraded++
		}
		item, err := asm.Assemble(rank, c, masks[rank], crops[rank])
		if err != nil {
			return nil, err
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

func (p *HybridPipeline) detect(ctx context.Context, raster *imaging.Raster) ([]RawDetection, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, contextError("detect", err)
	}
	defer p.release()

	dets, err := p.detector.Detect(ctx, raster)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError("detect", ctxErr)
		}
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, newError(KindInference, "detect", fmt.Sprintf("detector %q failed", p.detector.Name()), err)
	}
	return dets, nil
}

// selectCandidates normalizes boxes, drops degenerate boxes and those below
// the threshold, then keeps the MaxItems most confident. The sort is stable
// so equal confidences keep the detector's order.
func selectCandidates(dets []RawDetection, opts Options, log *zap.Logger) []RawDetection {
	kept := make([]RawDetection, 0, len(dets))
	for i, d := range dets {
		d.Box = d.Box.Normalize()
		if !d.Box.Valid() {
			log.Warn("Dropping degenerate detection box",
				zap.Int("index", i),
				zap.Int("class", d.ClassID),
				zap.Stringer("box", d.Box))
			continue
		}
		if math.IsNaN(float64(d.Confidence)) || d.Confidence < opts.ConfidenceThreshold {
			continue
		}
		kept = append(kept, d)
	}
	slices.SortStableFunc(kept, func(a, b RawDetection) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	if len(kept) > opts.MaxItems {
		kept = kept[:opts.MaxItems]
	}
	return kept
}

// segmentItems segments every candidate concurrently. Item failures are
// logged and leave the slot nil; only cancellation fails the request.
func (p *HybridPipeline) segmentItems(ctx context.Context, raster *imaging.Raster, cands []RawDetection,
	masks []*Mask, crops []image.Image, asm *Assembler, log *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ItemWorkers)

	for rank := range cands {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			masks[rank], crops[rank] = p.segmentItem(gctx, raster, rank, cands[rank], asm, log)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return contextError("segment", err)
	}
	return nil
}

func (p *HybridPipeline) segmentItem(ctx context.Context, raster *imaging.Raster, rank int, det RawDetection,
	asm *Assembler, log *zap.Logger) (mask *Mask, crop image.Image) {
	itemLog := log.With(zap.Int("rank", rank), zap.String("class", asm.classes[det.ClassID]))

	defer func() {
		if r := recover(); r != nil {
			itemLog.Error("Segmenter panicked", zap.String("stage", "segment"), zap.Any("panic", r))
			mask, crop = nil, nil
		}
	}()

	if err := p.acquire(ctx); err != nil {
		return nil, nil
	}
	defer p.release()

	box := det.Box
	hint := RegionHint{
		Box:    &box,
		Points: []PointPrompt{{X: box.X + box.W/2, Y: box.Y + box.H/2, Foreground: true}},
	}
	m, err := p.segmenter.Segment(ctx, raster, hint)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			itemLog.Warn("Segmentation failed", zap.String("stage", "segment"), zap.Error(err))
		}
		return nil, nil
	case m == nil || m.Bitmap == nil || m.Empty():
		itemLog.Warn("Segmenter returned an empty mask", zap.String("stage", "segment"))
		return nil, nil
	case m.Bitmap.Rect != raster.Bounds():
		itemLog.Warn("Mask size does not match raster",
			zap.String("stage", "segment"),
			zap.Stringer("mask", m.Bitmap.Rect),
			zap.Stringer("raster", raster.Bounds()))
		return nil, nil
	}

	rect := imaging.ToPixelRect(box.X, box.Y, box.W, box.H, raster.Width(), raster.Height())
	c, err := imaging.CropMasked(raster, rect, m.Bitmap)
	if err != nil {
		itemLog.Warn("Skipping crop", zap.String("stage", "crop"), zap.Stringer("rect", rect), zap.Error(err))
		return m, nil
	}
	return m, c
}

// ProcessSegmentAll decodes encoded and runs SegmentAll on it
func (p *HybridPipeline) ProcessSegmentAll(ctx context.Context, encoded []byte, highResolution bool) (*SegmentResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.ProcessSegmentAll")
	defer span.End()

	start := time.Now()
	res, err := p.processSegmentAll(ctx, encoded, highResolution)
	p.finishSegmentAll(ctx, start, res, err)
	return res, err
}

func (p *HybridPipeline) processSegmentAll(ctx context.Context, encoded []byte, highResolution bool) (*SegmentResult, error) {
	if !p.IsReady() {
		return nil, p.notReady(OperationSegmentAll)
	}
	raster, err := p.preprocess(encoded, highResolution)
	if err != nil {
		return nil, err
	}
	return p.segmentAll(ctx, raster)
}

// SegmentAll segments the whole raster without detection. Proposals are
// de-duplicated and ordered by score, then area.
func (p *HybridPipeline) SegmentAll(ctx context.Context, raster *imaging.Raster) (*SegmentResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.SegmentAll")
	defer span.End()

	start := time.Now()
	res, err := p.segmentAll(ctx, raster)
	p.finishSegmentAll(ctx, start, res, err)
	return res, err
}

func (p *HybridPipeline) segmentAll(ctx context.Context, raster *imaging.Raster) (*SegmentResult, error) {
	if !p.IsReady() {
		return nil, p.notReady(OperationSegmentAll)
	}
	if raster.Empty() {
		return nil, newError(KindInvalidInput, "segment_all", "raster is empty", nil)
	}

	proposals, err := p.propose(ctx, raster)
	if err != nil {
		return nil, err
	}

	valid := proposals[:0:0]
	for i, m := range proposals {
		if m == nil || m.Bitmap == nil || m.Bitmap.Rect != raster.Bounds() {
			p.requestLogger(ctx).Warn("Dropping malformed proposal", zap.Int("index", i))
			continue
		}
		valid = append(valid, m)
	}

	kept := DedupMasks(valid, p.cfg.ProposalIoU, p.cfg.MaxSegments)
	asm := NewAssembler(nil, DeterministicIDs(raster, OperationSegmentAll))
	res := &SegmentResult{Segments: make([]SegmentItem, 0, len(kept))}
	for rank, m := range kept {
		item, err := asm.AssembleSegment(rank, m)
		if err != nil {
			return nil, err
		}
		res.Segments = append(res.Segments, item)
	}
	return res, nil
}

func (p *HybridPipeline) propose(ctx context.Context, raster *imaging.Raster) (masks []*Mask, err error) {
	if err := p.acquire(ctx); err != nil {
		return nil, contextError("segment_all", err)
	}
	defer p.release()

	defer func() {
		if r := recover(); r != nil {
			masks, err = nil, newError(KindInference, "segment_all", fmt.Sprintf("segmenter panicked: %v", r), nil)
		}
	}()

	masks, err = p.segmenter.Propose(ctx, raster)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError("segment_all", ctxErr)
		}
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, newError(KindInference, "segment_all", fmt.Sprintf("segmenter %q failed", p.segmenter.Name()), err)
	}
	return masks, nil
}

func (p *HybridPipeline) preprocess(encoded []byte, highResolution bool) (*imaging.Raster, error) {
	raster, err := p.preprocessor.DecodeAndPreprocess(encoded, highResolution)
	switch {
	case err == nil:
		return raster, nil
	case errors.Is(err, imaging.ErrEmptyImage):
		return nil, newError(KindInvalidInput, "preprocess", "", err)
	case errors.Is(err, imaging.ErrDecode):
		return nil, newError(KindDecode, "preprocess", "", err)
	default:
		return nil, newError(KindDecode, "preprocess", "image decoding failed", err)
	}
}

func (p *HybridPipeline) notReady(op string) error {
	if err := p.initErr.Load(); err != nil {
		return newError(KindNotReady, op, "models failed to load", err)
	}
	return newError(KindNotReady, op, "models are not loaded", nil)
}

func (p *HybridPipeline) acquire(ctx context.Context) error {
	if p.inference == nil {
		return ctx.Err()
	}
	return p.inference.Acquire(ctx, 1)
}

func (p *HybridPipeline) release() {
	if p.inference != nil {
		p.inference.Release(1)
	}
}

func (p *HybridPipeline) requestLogger(ctx context.Context) *zap.Logger {
	l := logger.WithSpan(ctx, p.logger)
	if id := RequestIDFromContext(ctx); id != "" {
		l = l.With(zap.String("request_id", id))
	}
	return l
}

func (p *HybridPipeline) finishDetect(ctx context.Context, start time.Time, res *Result, err error) {
	elapsed := time.Since(start)
	evt := &RequestEvent{Operation: OperationDetect}
	if res != nil {
		res.ProcessingTime = elapsed
		evt.Items = len(res.Items)
		evt.Degraded = res.Degraded
		for _, item := range res.Items {
			evt.Labels = append(evt.Labels, item.ClassName)
		}
	}
	p.finish(ctx, evt, elapsed, err)
}

func (p *HybridPipeline) finishSegmentAll(ctx context.Context, start time.Time, res *SegmentResult, err error) {
	elapsed := time.Since(start)
	evt := &RequestEvent{Operation: OperationSegmentAll}
	if res != nil {
		res.ProcessingTime = elapsed
		evt.Items = len(res.Segments)
	}
	p.finish(ctx, evt, elapsed, err)
}

// finish records stats, logs, annotates the span and publishes evt
func (p *HybridPipeline) finish(ctx context.Context, evt *RequestEvent, elapsed time.Duration, err error) {
	evt.RequestID = RequestIDFromContext(ctx)
	if evt.RequestID == "" {
		evt.RequestID = uuid.NewString()
	}
	evt.Timestamp = time.Now()
	evt.Duration = elapsed

	p.statsMu.Lock()
	p.stats.Requests++
	p.totalLatency += elapsed
	if err != nil {
		p.stats.Failures++
	} else {
		p.stats.ItemsReturned += uint64(evt.Items)
		p.stats.DegradedItems += uint64(evt.Degraded)
	}
	p.statsMu.Unlock()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("pipeline.operation", evt.Operation),
		attribute.Int("pipeline.items", evt.Items),
		attribute.Int("pipeline.degraded", evt.Degraded),
	)

	log := p.requestLogger(ctx).With(
		zap.String("operation", evt.Operation),
		zap.Duration("duration", elapsed))
	if err != nil {
		failure := AsFailure(err)
		evt.Failure = &failure
		span.RecordError(err)
		span.SetStatus(codes.Error, string(failure.Kind))
		log.Warn("Request failed", zap.String("kind", string(failure.Kind)), zap.Error(err))
	} else {
		log.Info("Request completed", zap.Int("items", evt.Items), zap.Int("degraded", evt.Degraded))
	}

	p.bus.Publish(evt)
}
