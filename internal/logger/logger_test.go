package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestCoreRoutesLevels(t *testing.T) {
	var stdout, stderr bytes.Buffer
	l := zap.New(newCore(false, zapcore.AddSync(&stdout), zapcore.AddSync(&stderr)))

	l.Debug("hidden")
	l.Info("hello", zap.Int("items", 2))
	l.Warn("careful")

	lines := bytes.Split(bytes.TrimSpace(stdout.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.EqualValues(t, 2, entry["items"])

	assert.Contains(t, stderr.String(), "careful")
	assert.NotContains(t, stdout.String(), "careful")
}

func TestCoreDebug(t *testing.T) {
	var stdout, stderr bytes.Buffer
	l := zap.New(newCore(true, zapcore.AddSync(&stdout), zapcore.AddSync(&stderr)))

	l.Debug("visible")
	assert.Contains(t, stdout.String(), "visible")
	assert.Empty(t, stderr.String())
}

func TestWithSpanWithoutRecordingSpan(t *testing.T) {
	l := zap.NewNop()
	assert.Same(t, l, WithSpan(context.Background(), l))
}
