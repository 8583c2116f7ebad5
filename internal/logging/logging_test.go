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

	"github.com/stellarlinkco/citypulse/internal/config"
)

func TestSetup_JSONFormatter(t *testing.T) {
	require.NoError(t, Setup(config.LogConfig{Level: "debug", Format: "json"}))

	var buf bytes.Buffer
	SetOutput(&buf)
	For("relay").WithField("id", "relay_x").Debug("stored")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "relay", line["component"])
	assert.Equal(t, "relay_x", line["id"])
	assert.Equal(t, "stored", line["msg"])
}

func TestSetup_LevelFilters(t *testing.T) {
	require.NoError(t, Setup(config.LogConfig{Level: "warn", Format: "text"}))

	var buf bytes.Buffer
	SetOutput(&buf)
	For("ingest").Info("hidden")
	For("ingest").Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "component=ingest")
}

func TestSetup_Errors(t *testing.T) {
	assert.Error(t, Setup(config.LogConfig{Level: "loud"}))
	assert.Error(t, Setup(config.LogConfig{Level: "info", Format: "xml"}))
}

func TestSetup_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "citypulse.log")
	require.NoError(t, Setup(config.LogConfig{Level: "info", Format: "text", File: path}))
	For("gateway").Info("written to file")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "written to file"))
}
