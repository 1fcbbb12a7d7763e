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

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		checkFunc func(t *testing.T, logger *Logger, output *bytes.Buffer)
	}{
		{
			name:   "warn level drops info",
			config: Config{Level: "warn", Format: "json"},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Info("Publish request claimed")
				logger.Warn("Operator incident", slog.String("kind", "postgres_listener_disconnected"))

				entries := decodeLines(t, output)
				require.Len(t, entries, 1)
				assert.Equal(t, "WARN", entries[0]["level"])
				assert.Equal(t, "postgres_listener_disconnected", entries[0]["kind"])
			},
		},
		{
			name:   "service attribute on every record",
			config: Config{Level: "debug", Format: "json", Service: "publish-worker"},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Debug("first")
				logger.Error("second")

				entries := decodeLines(t, output)
				require.Len(t, entries, 2)
				for _, entry := range entries {
					assert.Equal(t, "publish-worker", entry["service"])
				}
			},
		},
		{
			name:   "sensitive keys are redacted",
			config: Config{Level: "info", Format: "json"},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Info("Connecting",
					slog.String("DSN", "postgres://u:p@db/videos"),
					slog.Group("credential",
						slog.String("user_login_email", "owner@example.com"),
						slog.String("password", "hunter2"),
					),
				)

				assert.NotContains(t, output.String(), "hunter2")
				assert.NotContains(t, output.String(), "u:p@db")

				entry := decodeLines(t, output)[0]
				assert.Equal(t, Redacted, entry["DSN"])
				group := entry["credential"].(map[string]interface{})
				assert.Equal(t, Redacted, group["password"])
				assert.Equal(t, "owner@example.com", group["user_login_email"])
			},
		},
		{
			name:   "console format",
			config: Config{Level: "info", Format: "console"},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Info("console test", slog.String("secret_key", "minio123"))

				// tint abbreviates levels
				assert.Contains(t, output.String(), "INF")
				assert.Contains(t, output.String(), "console test")
				assert.NotContains(t, output.String(), "minio123")
			},
		},
		{
			name:   "source location",
			config: Config{Level: "info", Format: "json", EnableSource: true},
			checkFunc: func(t *testing.T, logger *Logger, output *bytes.Buffer) {
				logger.Info("message with source")

				entry := decodeLines(t, output)[0]
				source := entry["source"].(map[string]interface{})
				assert.Contains(t, source, "file")
				assert.Contains(t, source, "line")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			cfg := tt.config
			cfg.writer = output

			logger, err := New(&cfg)
			require.NoError(t, err)
			require.NotNil(t, logger)

			tt.checkFunc(t, logger, output)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: " warning ", want: slog.LevelWarn},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "", want: slog.LevelInfo},
		{input: "verbose", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	for _, msg := range []string{"first run", "second run"} {
		logger, err := New(&Config{
			Level:  "info",
			Format: "json",
			Output: path,
		})
		require.NoError(t, err)

		logger.Info(msg, slog.String("request_id", "42"))
		require.NoError(t, logger.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	entries := decodeLines(t, bytes.NewBuffer(data))
	require.Len(t, entries, 2, "file output appends")
	assert.Equal(t, "first run", entries[0]["msg"])
	assert.Equal(t, "second run", entries[1]["msg"])
	assert.Equal(t, "42", entries[1]["request_id"])
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	logger, err := New(&Config{
		Output: filepath.Join(t.TempDir(), "missing", "worker.log"),
	})
	require.Error(t, err)
	assert.Nil(t, logger)
}
