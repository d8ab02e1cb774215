package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.WithReport("r-1").WithUnit("page 2").Info().
		Int("added", 3).
		Err(errors.New("boom")).
		Msg("unit merged")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "vuln-extractor", entry["service"])
	assert.Equal(t, "r-1", entry["report_id"])
	assert.Equal(t, "page 2", entry["unit"])
	assert.Equal(t, float64(3), entry["added"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "unit merged", entry["message"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := Nop()
	assert.Same(t, l, OrNop(l))
	// must not panic
	OrNop(nil).Error().Str("k", "v").Msg("discarded")
}
