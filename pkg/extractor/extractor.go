// Package extractor is the importable entry point for running a Nessus
// report through the cross-checked extraction pipeline.
package extractor

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/crosscheck"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/extract"
	"github.com/spherical/vuln-extractor/internal/llm"
	"github.com/spherical/vuln-extractor/internal/observability"
	"github.com/spherical/vuln-extractor/internal/output"
	"github.com/spherical/vuln-extractor/internal/pdf"
)

// Re-export the types callers see in results and hooks.
type (
	Record       = domain.VulnerabilityRecord
	Metrics      = extract.Metrics
	UnitProgress = extract.UnitProgress
	Hooks        = extract.Hooks
	Paths        = output.Paths
)

// Request describes one extraction run.
type Request struct {
	PDFPath  string
	ReportID string // generated when empty
	Hooks    Hooks
}

// Result is the outcome of a successful run.
type Result struct {
	ReportID string
	Records  []Record
	Metrics  Metrics
	Paths    Paths
	Channel  string // Redis progress channel, empty when fan-out is off
}

// Client runs extractions with one configured oracle.
type Client struct {
	cfg       *config.Config
	logger    *observability.Logger
	oracle    domain.Oracle
	newSource func() domain.DocumentSource
	now       func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the logger built from the observability config.
func WithLogger(logger *observability.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithOracle replaces the configured provider.
func WithOracle(oracle domain.Oracle) Option {
	return func(c *Client) { c.oracle = oracle }
}

// WithDocumentSource replaces the PDF converter. The factory is called once
// per run.
func WithDocumentSource(factory func() domain.DocumentSource) Option {
	return func(c *Client) { c.newSource = factory }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client from cfg.
func NewClient(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, domain.ConfigError("config is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, domain.ConfigError("invalid config", err)
	}

	c := &Client{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Observability.LogLevel,
			Format: cfg.Observability.LogFormat,
		})
	}

	if c.oracle == nil {
		oracle, err := llm.New(ctx, cfg.Oracle, c.logger)
		if err != nil {
			return nil, err
		}
		c.oracle = oracle
	}

	if c.newSource == nil {
		quality := cfg.Extraction.ImageQuality
		c.newSource = func() domain.DocumentSource {
			return pdf.NewConverter(quality, c.logger)
		}
	}

	return c, nil
}

// Extract runs the configured strategy over req.PDFPath and writes the
// lane and final artifacts.
func (c *Client) Extract(ctx context.Context, req Request) (*Result, error) {
	if err := pdf.NewValidator(c.logger).ValidatePDFPath(req.PDFPath); err != nil {
		return nil, err
	}

	reportID := req.ReportID
	if reportID == "" {
		reportID = uuid.NewString()
	}
	logger := c.logger.WithReport(reportID)

	strategyName := c.cfg.Extraction.Strategy
	paths := output.BuildPaths(c.cfg.Extraction.OutputDir, c.cfg.Extraction.TempOutputDir, req.PDFPath, strategyName, c.now())
	files, err := output.NewFileSink(paths)
	if err != nil {
		return nil, err
	}
	sinks := output.MultiSink{files}

	var channel string
	if url := c.cfg.Progress.RedisURL; url != "" {
		redisSink, err := output.DialRedisSink(ctx, url, c.cfg.Progress.ChannelPrefix, reportID)
		if err != nil {
			logger.Warn().Err(err).Msg("redis progress disabled")
		} else {
			defer redisSink.Close()
			sinks = append(sinks, redisSink)
			channel = redisSink.Channel()
		}
	}

	source := c.newSource()
	defer func() {
		if err := source.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("cleanup failed")
		}
	}()

	var strategy extract.Strategy
	switch strategyName {
	case config.StrategySeverity:
		strategy = extract.NewSeverityChunkStrategy(source, c.cfg.Chunk)
	default:
		strategy = extract.NewPagedStrategy(source)
	}

	engine := crosscheck.NewEngine(c.oracle, c.cfg.CrossCheck,
		crosscheck.WithSink(sinks),
		crosscheck.WithLogger(c.logger),
		crosscheck.WithClock(c.now),
	)
	driver := extract.NewDriver(engine, sinks, c.cfg.Extraction,
		extract.WithHooks(req.Hooks),
		extract.WithLogger(c.logger),
		extract.WithClock(c.now),
	)

	outcome, err := driver.Extract(ctx, extract.Request{ReportID: reportID, SourcePath: req.PDFPath}, strategy)
	if err != nil {
		return nil, err
	}

	return &Result{
		ReportID: reportID,
		Records:  outcome.Records,
		Metrics:  outcome.Metrics,
		Paths:    paths,
		Channel:  channel,
	}, nil
}

// Close releases the oracle when it holds resources.
func (c *Client) Close() error {
	if closer, ok := c.oracle.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
