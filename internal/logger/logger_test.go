package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mleone/go-ohlcv-ingest/internal/config"
)

func TestNewFileLoggerWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ingest.log")

	log, closer, err := New(config.LoggingConfig{
		Level: "info", Format: "json", Output: "file", FilePath: path,
		MaxSize: 1, MaxBackups: 1, MaxAge: 1,
	})
	require.NoError(t, err)

	log.Info("backfill started", "pair", "BTC/USDT")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "backfill started", entry["msg"])
	assert.Equal(t, "BTC/USDT", entry["pair"])
}

func TestNewDebugLevelFilters(t *testing.T) {
	log, closer, err := New(config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	defer closer.Close()

	assert.False(t, log.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, log.Enabled(context.Background(), slog.LevelError))
}

func TestNewRejectsFileOutputWithoutPath(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: "file"})
	require.Error(t, err)
}

func TestNewRejectsUnknownOutput(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: "syslog"})
	require.Error(t, err)
}
