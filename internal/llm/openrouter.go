package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/observability"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	openRouterModel   = "google/gemini-2.5-flash"
)

// OpenRouterOracle talks to the OpenRouter chat completions API.
type OpenRouterOracle struct {
	apiKey      string
	model       string
	endpoint    string
	timeout     time.Duration
	maxTokens   int
	temperature float32
	httpClient  *http.Client
	logger      *observability.Logger
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text, image or file)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	File     *File     `json:"file,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// File carries an inline document as a data URI
type File struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

// ResponseFormat asks the model for a JSON object
type ResponseFormat struct {
	Type string `json:"type"`
}

// Request represents the API request structure
type Request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float32         `json:"temperature"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Response represents the API response structure
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage is the assistant reply
type ChoiceMessage struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// NewOpenRouterOracle creates an OpenRouter-backed oracle.
func NewOpenRouterOracle(cfg config.OracleConfig, logger *observability.Logger, opts ...Option) (*OpenRouterOracle, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.ConfigError("OPENROUTER_API_KEY is not set", nil)
	}
	o := applyOptions(opts)
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" || baseURL == config.DefaultGeminiBaseURL {
		baseURL = openRouterBaseURL
	}
	model := cfg.Model
	if model == "" || !strings.Contains(model, "/") {
		model = openRouterModel
	}

	return &OpenRouterOracle{
		apiKey:      cfg.APIKey,
		model:       model,
		endpoint:    strings.TrimSuffix(baseURL, "/") + "/chat/completions",
		timeout:     cfg.Timeout,
		maxTokens:   cfg.MaxOutputTokens,
		temperature: cfg.Temperature,
		httpClient:  o.httpClient,
		logger:      observability.OrNop(logger).WithComponent("openrouter"),
	}, nil
}

// CallForDocument sends the prompt with the document attached. Images go
// as image_url parts, anything else as a file part.
func (c *OpenRouterOracle) CallForDocument(ctx context.Context, doc domain.Attachment, prompt string) (*domain.OracleResponse, error) {
	parts := []ContentPart{{Type: "text", Text: prompt}}
	if !doc.Empty() {
		dataURI := "data:" + doc.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(doc.Data)
		if strings.HasPrefix(doc.MIMEType, "image/") {
			parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: dataURI}})
		} else {
			name := doc.Name
			if name == "" {
				name = "document.pdf"
			}
			parts = append(parts, ContentPart{Type: "file", File: &File{Filename: name, FileData: dataURI}})
		}
	}
	return c.complete(ctx, parts)
}

// CallForText sends the prompt alone.
func (c *OpenRouterOracle) CallForText(ctx context.Context, prompt string) (*domain.OracleResponse, error) {
	return c.complete(ctx, []ContentPart{{Type: "text", Text: prompt}})
}

func (c *OpenRouterOracle) complete(ctx context.Context, parts []ContentPart) (*domain.OracleResponse, error) {
	body, err := json.Marshal(&Request{
		Model:          c.model,
		Messages:       []Message{{Role: "user", Content: parts}},
		MaxTokens:      c.maxTokens,
		Temperature:    c.temperature,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, domain.ConfigError("failed to marshal request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ConfigError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/spherical/vuln-extractor")
	req.Header.Set("X-Title", "Nessus Vulnerability Extractor")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(ctx, callCtx, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, domain.TransportError(resp.StatusCode, string(raw), nil)
	}

	var parsed Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.MalformedError("failed to decode completion envelope", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, domain.MalformedError("completion has no choices", nil)
	}
	choice := parsed.Choices[0]

	finishReason := choice.FinishReason
	if finishReason == "length" {
		finishReason = domain.FinishReasonMaxTokens
	}

	c.logger.Debug().
		Str("model", c.model).
		Str("finish_reason", finishReason).
		Msg("openrouter call complete")

	data, err := ExtractJSON(choice.Message.Content)
	if err != nil {
		return nil, err
	}
	return &domain.OracleResponse{Data: data, FinishReason: finishReason}, nil
}

func (c *OpenRouterOracle) classify(parent, callCtx context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return domain.TimeoutError(fmt.Sprintf("openrouter call exceeded %s", c.timeout), err)
	}
	return domain.TransportError(0, err.Error(), err)
}
