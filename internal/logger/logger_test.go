package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/spdyout/internal/config"
)

// decodeLines parses every JSON line written to buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLogger_NilConfig(t *testing.T) {
	_, err := NewLogger(nil)
	assert.Error(t, err)
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		want  []string
	}{
		{config.LogLevelDebug, []string{"debug", "info", "warn", "error"}},
		{config.LogLevelInfo, []string{"info", "warn", "error"}},
		{config.LogLevelWarning, []string{"warn", "error"}},
		{config.LogLevelError, []string{"error"}},
	}
	for _, tc := range tests {
		t.Run(string(tc.level), func(t *testing.T) {
			var buf bytes.Buffer
			lg := NewTestLogger(&buf, tc.level)
			lg.Debug("d")
			lg.Info("i")
			lg.Warn("w")
			lg.Error("e")

			var levels []string
			for _, e := range decodeLines(t, &buf) {
				levels = append(levels, e["level"].(string))
			}
			assert.Equal(t, tc.want, levels)
		})
	}
}

func TestLogger_FieldsAndWith(t *testing.T) {
	var buf bytes.Buffer
	lg := NewTestLogger(&buf, config.LogLevelDebug).With(LogFields{"stream_id": 7})
	lg.Info("frame sent", LogFields{"type": "DATA"}, nil, LogFields{"fin": true})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "frame sent", e["message"])
	assert.EqualValues(t, 7, e["stream_id"])
	assert.Equal(t, "DATA", e["type"])
	assert.Equal(t, true, e["fin"])
	assert.Contains(t, e, "time")
}

func TestLogger_NilAndNopAreSafe(t *testing.T) {
	var lg *Logger
	lg.Info("ignored")
	assert.Nil(t, lg.With(LogFields{"a": 1}))
	assert.NoError(t, lg.CloseLogFiles())

	Nop().Error("ignored", LogFields{"x": 1})
}

func TestNewLogger_FileTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spdyout.log")
	lg, err := NewLogger(&config.LoggingConfig{LogLevel: config.LogLevelInfo, Target: &path, Format: "json"})
	require.NoError(t, err)

	lg.Info("to file", LogFields{"k": "v"})
	require.NoError(t, lg.CloseLogFiles())
	require.NoError(t, lg.CloseLogFiles(), "second close is a no-op")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	lg, err := NewLogger(&config.LoggingConfig{LogLevel: config.LogLevelInfo, Target: &path, Format: "console"})
	require.NoError(t, err)
	lg.Warn("plain text")
	require.NoError(t, lg.CloseLogFiles())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "plain text")
	assert.NotContains(t, string(data), `"message"`)
}

func TestNewLogger_UnopenableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "x.log")
	_, err := NewLogger(&config.LoggingConfig{Target: &path})
	assert.ErrorContains(t, err, "failed to open log file")
}
