// Package llm implements the extraction oracle: a single prompt, optionally
// with a document attached, answered with JSON or a typed failure.
package llm

import (
	"context"
	"net/http"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/observability"
)

// Option customises an oracle transport.
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient overrides the HTTP client used by the transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the oracle selected by cfg.Provider.
func New(ctx context.Context, cfg config.OracleConfig, logger *observability.Logger, opts ...Option) (domain.Oracle, error) {
	switch cfg.Provider {
	case config.ProviderOpenRouter:
		return NewOpenRouterOracle(cfg, logger, opts...)
	case config.ProviderGemini, "":
		return NewGeminiOracle(ctx, cfg, logger, opts...)
	default:
		return nil, domain.ConfigError("unknown oracle provider: "+cfg.Provider, nil)
	}
}
