package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/observability"
)

// GeminiOracle calls the Gemini generateContent endpoint.
type GeminiOracle struct {
	client    *genai.Client
	model     string
	timeout   time.Duration
	genConfig *genai.GenerateContentConfig
	logger    *observability.Logger
}

// NewGeminiOracle creates a Gemini-backed oracle. A missing API key fails
// before any client is built.
func NewGeminiOracle(ctx context.Context, cfg config.OracleConfig, logger *observability.Logger, opts ...Option) (*GeminiOracle, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.ConfigError("GEMINI_API_KEY is not set", nil)
	}
	o := applyOptions(opts)

	baseURL := cfg.BaseURL
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    baseURL,
			APIVersion: cfg.APIVersion,
		},
	})
	if err != nil {
		return nil, domain.ConfigError("failed to create Gemini client", err)
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(cfg.Temperature),
		MaxOutputTokens:  int32(cfg.MaxOutputTokens),
		ResponseMIMEType: "application/json",
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(cfg.ThinkingBudget)),
		},
	}

	return &GeminiOracle{
		client:    client,
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		genConfig: genConfig,
		logger:    observability.OrNop(logger).WithComponent("gemini"),
	}, nil
}

// CallForDocument sends the prompt with the document as inline data.
func (g *GeminiOracle) CallForDocument(ctx context.Context, doc domain.Attachment, prompt string) (*domain.OracleResponse, error) {
	parts := make([]*genai.Part, 0, 2)
	if !doc.Empty() {
		parts = append(parts, genai.NewPartFromBytes(doc.Data, doc.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	return g.generate(ctx, parts)
}

// CallForText sends the prompt alone.
func (g *GeminiOracle) CallForText(ctx context.Context, prompt string) (*domain.OracleResponse, error) {
	return g.generate(ctx, []*genai.Part{genai.NewPartFromText(prompt)})
}

func (g *GeminiOracle) generate(ctx context.Context, parts []*genai.Part) (*domain.OracleResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(
		callCtx,
		g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		g.genConfig,
	)
	if err != nil {
		return nil, g.classify(ctx, callCtx, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, domain.MalformedError("gemini returned no candidates", nil)
	}
	candidate := resp.Candidates[0]

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text.WriteString(part.Text)
	}

	finishReason := string(candidate.FinishReason)
	g.logger.Debug().
		Str("model", g.model).
		Str("finish_reason", finishReason).
		Dur("elapsed", time.Since(start)).
		Msg("gemini call complete")

	data, err := ExtractJSON(text.String())
	if err != nil {
		return nil, err
	}

	return &domain.OracleResponse{Data: data, FinishReason: finishReason}, nil
}

// classify maps a client error onto the oracle error taxonomy. Caller
// cancellation is passed through untouched.
func (g *GeminiOracle) classify(parent, callCtx context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return domain.TimeoutError("gemini call exceeded "+g.timeout.String(), err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return domain.TransportError(apiErr.Code, apiErr.Message, err)
	}
	return domain.TransportError(0, err.Error(), err)
}
