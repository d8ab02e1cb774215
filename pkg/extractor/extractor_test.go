package extractor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/output"
)

type stubOracle struct {
	answer string
	closed bool
}

func (o *stubOracle) CallForDocument(ctx context.Context, doc domain.Attachment, prompt string) (*domain.OracleResponse, error) {
	return &domain.OracleResponse{Data: json.RawMessage(o.answer)}, nil
}

func (o *stubOracle) CallForText(ctx context.Context, prompt string) (*domain.OracleResponse, error) {
	return &domain.OracleResponse{Data: json.RawMessage(`{"categories":[{"index":0,"category":"Cryptography"}]}`)}, nil
}

func (o *stubOracle) Close() error {
	o.closed = true
	return nil
}

type onePageSource struct{ cleanups int }

func (s *onePageSource) Split(ctx context.Context, path string) (*domain.SplitDocument, error) {
	return &domain.SplitDocument{
		SourcePath: path,
		PageCount:  1,
		Pages:      []domain.Page{{Number: 1, Attachment: domain.Attachment{MIMEType: "image/jpeg", Data: []byte{1}}}},
	}, nil
}

func (s *onePageSource) Load(ctx context.Context, path string) (domain.Attachment, error) {
	return domain.Attachment{MIMEType: "application/pdf", Data: []byte("%PDF")}, nil
}

func (s *onePageSource) Cleanup() error {
	s.cleanups++
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Extraction.OutputDir = filepath.Join(dir, "out")
	cfg.Extraction.TempOutputDir = filepath.Join(dir, "out", "temp")
	cfg.CrossCheck.ConcurrentLanes = false
	return cfg
}

func writePDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Q1 scan.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.7\n"), 0o600))
	return path
}

func TestNewClient_RejectsInvalidConfig(t *testing.T) {
	_, err := NewClient(context.Background(), nil)
	assert.Equal(t, domain.ErrorTypeConfig, domain.ErrorTypeOf(err))

	cfg := config.DefaultConfig()
	cfg.Extraction.Strategy = "bogus"
	_, err = NewClient(context.Background(), cfg, WithOracle(&stubOracle{}))
	assert.Equal(t, domain.ErrorTypeConfig, domain.ErrorTypeOf(err))
}

func TestClient_ExtractWritesArtifacts(t *testing.T) {
	cfg := testConfig(t)
	oracle := &stubOracle{answer: `{"vulnerabilities":[{"host":"10.0.0.5","severity":"high","pluginId":"42873","name":"SSL Medium Strength Cipher Suites"}]}`}
	source := &onePageSource{}
	start := time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC)

	client, err := NewClient(context.Background(), cfg,
		WithOracle(oracle),
		WithDocumentSource(func() domain.DocumentSource { return source }),
		WithClock(func() time.Time { return start }),
	)
	require.NoError(t, err)

	var planned int
	res, err := client.Extract(context.Background(), Request{
		PDFPath:  writePDF(t),
		ReportID: "rep-7",
		Hooks:    Hooks{OnPlanned: func(n int) { planned = n }},
	})
	require.NoError(t, err)

	assert.Equal(t, "rep-7", res.ReportID)
	assert.Equal(t, 1, planned)
	assert.Empty(t, res.Channel)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "rep-7", res.Records[0].ReportID)
	assert.Equal(t, domain.CategoryCryptography, res.Records[0].Category)
	assert.Equal(t, 3, res.Metrics.TotalOracleCalls)
	assert.Equal(t, config.StrategyPaged, res.Metrics.Strategy)
	assert.GreaterOrEqual(t, source.cleanups, 1)

	assert.Equal(t, filepath.Join(cfg.Extraction.OutputDir, "Q1 scan-2026-03-04T05-06-07-890Z-paged.json"), res.Paths.Final)

	data, err := os.ReadFile(res.Paths.Final)
	require.NoError(t, err)
	var final output.Document
	require.NoError(t, json.Unmarshal(data, &final))
	assert.Len(t, final.Vulnerabilities, 1)

	for _, lane := range []string{res.Paths.Primary, res.Paths.Secondary} {
		data, err := os.ReadFile(lane)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(lane, cfg.Extraction.TempOutputDir))
		assert.Contains(t, string(data), `"status": "complete"`)
	}

	require.NoError(t, client.Close())
	assert.True(t, oracle.closed)
}

func TestClient_ExtractGeneratesReportID(t *testing.T) {
	cfg := testConfig(t)
	client, err := NewClient(context.Background(), cfg,
		WithOracle(&stubOracle{answer: `{"vulnerabilities":[]}`}),
		WithDocumentSource(func() domain.DocumentSource { return &onePageSource{} }),
	)
	require.NoError(t, err)

	res, err := client.Extract(context.Background(), Request{PDFPath: writePDF(t)})
	require.NoError(t, err)
	assert.Len(t, res.ReportID, 36)
	assert.Empty(t, res.Records)
}

func TestClient_ExtractValidatesPath(t *testing.T) {
	client, err := NewClient(context.Background(), testConfig(t), WithOracle(&stubOracle{}))
	require.NoError(t, err)

	_, err = client.Extract(context.Background(), Request{PDFPath: filepath.Join(t.TempDir(), "missing.pdf")})
	assert.Equal(t, domain.ErrorTypeValidation, domain.ErrorTypeOf(err))
}

func TestClient_UnreachableRedisIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Progress.RedisURL = "redis://127.0.0.1:1/0"
	client, err := NewClient(context.Background(), cfg,
		WithOracle(&stubOracle{answer: `[]`}),
		WithDocumentSource(func() domain.DocumentSource { return &onePageSource{} }),
	)
	require.NoError(t, err)

	res, err := client.Extract(context.Background(), Request{PDFPath: writePDF(t), ReportID: "rep-1"})
	require.NoError(t, err)
	assert.Empty(t, res.Channel)
}
