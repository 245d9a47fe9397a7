package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TextToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(DefaultConfig(), &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("Stage finished", "stage", "load")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=\"Stage finished\"")
	assert.Contains(t, out, "stage=load")
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("Built model", "model", "fct_messages")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Built model", record["msg"])
	assert.Equal(t, "fct_messages", record["model"])
}

func TestNew_FanOutToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channelpipe.log")

	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "info", Format: "text", File: path}, &buf)
	require.NoError(t, err)

	logger.Warn("Failed to enrich attachment", "attachment_ref", "2024-01-01/a_images/1.jpg")
	require.NoError(t, closer.Close())

	assert.Contains(t, buf.String(), "Failed to enrich attachment")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "2024-01-01/a_images/1.jpg", record["attachment_ref"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Level: "info", Format: "xml"}.Validate())
	assert.Error(t, Config{Level: "loud", Format: "text"}.Validate())
}
