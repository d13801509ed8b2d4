package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogBackedLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	log.Debug("attaching listener", "id", "sub-1")
	log.Info("listener attached", "id", "sub-1", "attempt", 2)
	log.Warn("listener degraded")
	log.Error("listener failed", "error", "connection refused")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "DEBUG", first["level"])
	assert.Equal(t, "attaching listener", first["msg"])
	assert.Equal(t, "sub-1", first["id"])

	var last map[string]any
	require.NoError(t, json.Unmarshal(lines[3], &last))
	assert.Equal(t, "ERROR", last["level"])
	assert.Equal(t, "connection refused", last["error"])
}

func TestZerologBackedLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerolog(zerolog.New(&buf).Level(zerolog.DebugLevel))

	log.Info("polling started", "id", "sub-2", "interval", "10s")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "polling started", entry["message"])
	assert.Equal(t, "sub-2", entry["id"])
	assert.Equal(t, "10s", entry["interval"])
}

func TestFieldsConversion(t *testing.T) {
	assert.Nil(t, fields(nil))

	m := fields([]any{"key", "value", 7, true})
	assert.Equal(t, "value", m["key"])
	assert.Equal(t, true, m["7"])

	// A dangling key is kept rather than dropped.
	m = fields([]any{"key", "value", "orphan"})
	assert.Equal(t, "orphan", m["arg"])
}

func TestNopLoggerIsSilent(t *testing.T) {
	log := Nop()
	log.Debug("x")
	log.Info("x", "k", "v")
	log.Warn("x")
	log.Error("x")
}
