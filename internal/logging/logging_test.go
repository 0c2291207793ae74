package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/hivesync/internal/config"
)

func TestNewJSONLoggerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(config.LogConfig{Level: "warn", Format: "json"}, &buf), "reconcile")

	logger.Info().Msg("dropped")
	logger.Warn().Str("node_id", "n1").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "reconcile", entry["component"])
	assert.Equal(t, "n1", entry["node_id"])
	assert.Contains(t, entry, "time")
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "chatty"}, &buf)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
