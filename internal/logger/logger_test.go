package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

// TestLogger_JSONWithFields verifies that attributes added via With end up in each record.
func TestLogger_JSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug", "json").With("stream", "abc")

	log.Warnf("Failed to reload playlist: %s", "boom")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "Failed to reload playlist: boom", record["msg"])
	assert.Equal(t, "abc", record["stream"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "error", "text")

	log.Debugf("hidden")
	log.Infof("hidden")
	assert.Empty(t, buf.String())

	log.Errorf("shown %d", 1)
	assert.Contains(t, buf.String(), "shown 1")
}
