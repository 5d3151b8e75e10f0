package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("failed to refresh table", "table", "finca")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "failed to refresh table", rec["msg"])
	require.Equal(t, "finca", rec["table"])
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", "text", &buf)
	require.NoError(t, err)
	logger.Debug("cycle", "applied", 2)
	require.Contains(t, buf.String(), "applied=2")

	_, err = New("info", "xml", &buf)
	require.Error(t, err)
}
