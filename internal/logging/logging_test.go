package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garment_processor/internal/models"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(models.LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("stage completed", "stage", "thumbnail", Error(errors.New("boom")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stage completed", entry["msg"])
	assert.Equal(t, "thumbnail", entry["stage"])
	assert.Equal(t, "boom", entry["error"])
}

func TestNewLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(models.LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewRejectsUnknownValues(t *testing.T) {
	_, err := New(models.LogConfig{Format: "xml"}, nil)
	assert.Error(t, err)

	_, err = New(models.LogConfig{Level: "loud"}, nil)
	assert.Error(t, err)
}
