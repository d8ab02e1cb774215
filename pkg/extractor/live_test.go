package extractor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/domain"
)

// TestLiveExtraction runs a real report through the configured provider.
// Set VULN_EXTRACTOR_SAMPLE_PDF and an API key to enable it.
func TestLiveExtraction(t *testing.T) {
	_ = godotenv.Load("../../.env")

	samplePDF := os.Getenv("VULN_EXTRACTOR_SAMPLE_PDF")
	if samplePDF == "" {
		t.Skip("VULN_EXTRACTOR_SAMPLE_PDF not set")
	}
	if _, err := os.Stat(samplePDF); os.IsNotExist(err) {
		t.Skipf("sample PDF not found at %s", samplePDF)
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	if cfg.Oracle.APIKey == "" {
		t.Skip("no API key configured")
	}
	dir := t.TempDir()
	cfg.Extraction.OutputDir = dir
	cfg.Extraction.TempOutputDir = filepath.Join(dir, "temp")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	var units int
	res, err := client.Extract(ctx, Request{
		PDFPath: samplePDF,
		Hooks: Hooks{OnUnitDone: func(u UnitProgress) {
			units++
			t.Logf("%s: %d returned, %d new, %d calls", u.Label, u.Returned, u.Added, u.Calls)
		}},
	})
	require.NoError(t, err)

	assert.Positive(t, units)
	assert.NotEmpty(t, res.Records)
	assert.FileExists(t, res.Paths.Final)
	for _, r := range res.Records {
		assert.Equal(t, res.ReportID, r.ReportID)
		assert.NotNil(t, r.Severity)
		assert.Contains(t, domain.Categories, r.Category)
	}
	t.Logf("extracted %d records with %d oracle calls", len(res.Records), res.Metrics.TotalOracleCalls)
}
