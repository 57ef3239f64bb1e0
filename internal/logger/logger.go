package logger

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a zap logger writing JSON entries: debug (when enabled) and info
// to stdout, warn and above to stderr.
func New(debug bool) *zap.Logger {
	return zap.New(newCore(debug, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr)))
}

// NewStderr returns a logger like New that writes every entry to stderr,
// leaving stdout to command output.
func NewStderr(debug bool) *zap.Logger {
	stderr := zapcore.Lock(os.Stderr)
	return zap.New(newCore(debug, stderr, stderr))
}

func newCore(debug bool, stdout, stderr zapcore.WriteSyncer) zapcore.Core {
	// debug and info level enabler
	debugInfoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level == zapcore.DebugLevel || level == zapcore.InfoLevel
	})

	// info level enabler
	infoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level == zapcore.InfoLevel
	})

	// warn, error and fatal level enabler
	warnErrorFatalLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	if debug {
		return zapcore.NewTee(
			zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewDevelopmentEncoderConfig()), stdout, debugInfoLevel),
			zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewDevelopmentEncoderConfig()), stderr, warnErrorFatalLevel),
		)
	}
	return zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), stdout, infoLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), stderr, warnErrorFatalLevel),
	)
}

// WithSpan returns a logger whose entries are also recorded as events on the
// span carried by ctx, when that span is recording.
func WithSpan(ctx context.Context, l *zap.Logger) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return l
	}
	return l.WithOptions(zap.Hooks(func(entry zapcore.Entry) error {
		span.AddEvent("log", trace.WithAttributes(
			attribute.String("log.severity", entry.Level.String()),
			attribute.String("log.message", entry.Message),
		))
		if entry.Level >= zap.ErrorLevel {
			span.SetStatus(codes.Error, entry.Message)
		}
		return nil
	}))
}
