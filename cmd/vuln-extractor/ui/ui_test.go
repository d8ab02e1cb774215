package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spherical/vuln-extractor/internal/domain"
)

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	WriteTable(&buf, []string{"Host", "Severity"}, [][]string{
		{"10.0.0.1", "HIGH"},
		{"192.168.100.200", "LOW"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 4)
	assert.Equal(t, "Host             Severity", lines[0])
	assert.Equal(t, "----             --------", lines[1])
	assert.Equal(t, "10.0.0.1         HIGH", lines[2])
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(200*time.Millisecond))
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "2m5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1h0m1s", FormatDuration(time.Hour+time.Second))
}

func TestFormatters(t *testing.T) {
	InitUI(true, false)

	score := 7.26
	assert.Equal(t, "7.3", FormatScore(&score))
	assert.Equal(t, "-", FormatScore(nil))

	usn := "USN-6543-1"
	empty := ""
	assert.Equal(t, "USN-6543-1", FormatOptional(&usn))
	assert.Equal(t, "-", FormatOptional(&empty))
	assert.Equal(t, "-", FormatOptional(nil))

	assert.Equal(t, "CRITICAL", SeverityLabel(domain.SeverityCritical))
	assert.Equal(t, "UNKNOWN", SeverityLabel(domain.Severity("UNKNOWN")))
	assert.False(t, Verbose())
}
