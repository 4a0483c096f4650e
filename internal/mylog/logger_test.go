package mylog

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ToLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ToLogLevel("warn"))
	assert.Equal(t, slog.LevelInfo, ToLogLevel("bogus"))
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("write committed", slog.Int64("event_id", 7), Err(errors.New("boom")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "write committed", line["msg"])
	assert.EqualValues(t, 7, line["event_id"])
	assert.Equal(t, "boom", line["err"])
}

func TestTextHandler(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "text").Debug("lane idle", "queued", 0)
	assert.Contains(t, buf.String(), "lane idle")
}
