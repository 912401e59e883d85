package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown", "file_id", "file-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "file-1", entry["file_id"])
}

func TestNewLoggerUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "verbose")

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())
	logger.Info("shown")
	assert.NotZero(t, buf.Len())
}
