package tls

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSLogger_LogHandshakeFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTLSLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.LogHandshakeFailure(context.Background(), "conn-1", "10.0.0.1:443",
		NewHandshakeTimeoutError("10s"), 10*time.Second)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "handshake_timeout", entry["event"])
	assert.Equal(t, "tls", entry["component"])
	assert.Equal(t, "conn-1", entry["connection_id"])
	assert.Equal(t, string(ErrorTypeHandshakeTimeout), entry["error_type"])
	assert.Equal(t, "info", entry["severity"])
	assert.Equal(t, []any{"Consider increasing the handshake timeout"}, entry["suggestions"])
}

func TestTLSLogger_LogHandshakeFailurePlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTLSLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.LogHandshakeFailure(context.Background(), "conn-2", "pipe", assert.AnError, time.Millisecond)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "handshake_failure", entry["event"])
	assert.Equal(t, "error", entry["severity"])
	assert.NotContains(t, entry, "error_type")
	assert.NotContains(t, entry, "suggestions")
}
