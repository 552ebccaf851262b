package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyst_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2026, 3, 4, 7, 8, 9, 45_600_000, loc)
	assert.Equal(t, "2026-03-04T05:08:09.045Z", FormatRFC3339Millis(ts))
}

func TestAnalyst_Logger_Levels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter(&buf, false)
	log.Debug("engine: hidden")
	log.Info("engine: shown", "step", "step_1", "empty", "")
	out := buf.String()
	require.Contains(t, out, "engine: shown")
	assert.NotContains(t, out, "engine: hidden")
	assert.Contains(t, out, "step=step_1")
	assert.NotContains(t, out, "empty=")

	buf.Reset()
	NewWithWriter(&buf, true).Debug("engine: visible")
	assert.Contains(t, buf.String(), "engine: visible")
}
