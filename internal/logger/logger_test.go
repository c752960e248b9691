package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestHandlerFormat tests the line layout and bound attributes.
func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, nil)).With("mds", 2)

	log.Info("state change", "from", "up:replay", "to", "up:resolve")

	line := buf.String()
	assert.Contains(t, line, "[INF] state change mds=2 from=up:replay to=up:resolve")
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} `, line)
}

// TestHandlerLevel tests that records below the minimum level are skipped.
func TestHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)

	log := slog.New(NewHandler(&buf, lvl))
	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[WRN] shown")
}

// TestSetLevel tests level name parsing.
func TestSetLevel(t *testing.T) {
	assert.NoError(t, SetLevel("debug"))
	assert.Equal(t, slog.LevelDebug, level.Level())
	assert.NoError(t, SetLevel("info"))
	assert.Error(t, SetLevel("loud"))
}
