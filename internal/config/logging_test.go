package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("hello", "dataset", "abc")
	logger.Debug("hidden")

	assert.Contains(t, stderr.String(), "dataset=abc")
	assert.Contains(t, file.String(), `"dataset":"abc"`)
	assert.NotContains(t, stderr.String(), "hidden")
}

func TestDatasetLoggerTruncatesPreviousRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "abc.log")
	base := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	logger, closeLog, err := DatasetLogger(base, path)
	require.NoError(t, err)
	logger.Info("first run")
	require.NoError(t, closeLog())

	logger, closeLog, err = DatasetLogger(base, path)
	require.NoError(t, err)
	logger.Info("second run")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "first run")
	assert.Contains(t, string(data), "second run")
}
