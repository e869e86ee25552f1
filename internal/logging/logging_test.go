package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithOutput(&buf), WithFormat(FormatJSON), WithLevel(slog.LevelInfo), WithJournal(false))

	logger.Debug("hidden")
	logger.Info("runtime ready", "playground", "scratch")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "runtime ready", record["msg"])
	assert.Equal(t, "scratch", record["playground"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithOutput(&buf), WithLevel(slog.LevelDebug), WithJournal(false))

	logger.Debug("run started", "bytes", 12)
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "bytes=12")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("loud")
	assert.ErrorContains(t, err, `invalid log level "loud"`)
}

func TestJournalKey(t *testing.T) {
	assert.Equal(t, "PLAYGROUND", journalKey("playground"))
	assert.Equal(t, "RUN_DURATION", journalKey("run.duration"))
	assert.Equal(t, "PAGE_ID", journalKey("page-id"))
}
