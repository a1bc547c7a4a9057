package logger

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

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  []string
	}{
		{name: "debug", level: "debug", want: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{name: "info", level: "info", want: []string{"INFO", "WARN", "ERROR"}},
		{name: "warn", level: "warn", want: []string{"WARN", "ERROR"}},
		{name: "error", level: "error", want: []string{"ERROR"}},
		{name: "unknown falls back to info", level: "verbose", want: []string{"INFO", "WARN", "ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			logger.Debug("debug message")
			logger.Info("info message", slog.String("job_id", "j1"))
			logger.Warn("warn message")
			logger.Error("error message")

			var levels []string
			for _, entry := range decodeLines(t, output) {
				levels = append(levels, entry["level"].(string))
			}
			assert.Equal(t, tt.want, levels)
		})
	}
}

func TestNew_TextFormat(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "text", writer: output})
	require.NoError(t, err)

	logger.Info("Stage started", slog.String("stage", "generate"))
	assert.Contains(t, output.String(), "Stage started")
	assert.Contains(t, output.String(), "stage=generate")
	// no ANSI escapes when not writing to a terminal stream
	assert.NotContains(t, output.String(), "\x1b[")
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New(&Config{Format: "xml", writer: &bytes.Buffer{}})
	assert.ErrorContains(t, err, "unknown log format")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "worker.log")
	logger, err := New(&Config{Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("Job claimed", slog.String("worker_id", "gpu-1"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"worker_id":"gpu-1"`)
}

func TestLogger_WithAttrs(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "json", writer: output})
	require.NoError(t, err)

	logger.WithAttrs(slog.String("job_id", "j1"), slog.Int("attempt", 2)).Info("Job retried")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "j1", entries[0]["job_id"])
	assert.Equal(t, float64(2), entries[0]["attempt"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
