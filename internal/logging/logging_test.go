package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roach88/matchsync/internal/config"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"INFO":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_LevelAndJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(config.LoggingConfig{Level: "warn", Format: "json"}, false, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("entry failed", zap.String("entry_id", "e-1"))
	require.NoError(t, closeFn())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &line))
	assert.Equal(t, "entry failed", line["msg"])
	assert.Equal(t, "e-1", line["entry_id"])
}

func TestNew_VerboseForcesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(config.LoggingConfig{Level: "error", Format: "console"}, true, &buf)
	require.NoError(t, err)

	logger.Debug("pass skipped")
	assert.Contains(t, buf.String(), "pass skipped")
	assert.Contains(t, buf.String(), "DEBUG")
}

func TestNew_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "matchsync.log")
	logger, closeFn, err := New(config.LoggingConfig{
		Level: "info", Format: "json", File: path, MaxSizeMB: 1,
	}, false, &bytes.Buffer{})
	require.NoError(t, err)

	logger.Info("entry delivered", zap.String("entry_id", "e-9"))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"entry_id":"e-9"`)
}
