package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/domain"
)

func openRouterConfig(baseURL string) config.OracleConfig {
	cfg := config.DefaultConfig().Oracle
	cfg.Provider = config.ProviderOpenRouter
	cfg.APIKey = "sk-or-test"
	cfg.BaseURL = baseURL
	cfg.Model = ""
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestNewOpenRouterOracle_Defaults(t *testing.T) {
	tests := []struct {
		name      string
		apiKey    string
		model     string
		wantModel string
		wantError bool
	}{
		{"default model", "sk-or-test", "", openRouterModel, false},
		{"custom model", "sk-or-test", "google/gemini-2.5-pro", "google/gemini-2.5-pro", false},
		{"bare gemini model name", "sk-or-test", "gemini-2.5-flash", openRouterModel, false},
		{"empty api key", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := openRouterConfig("")
			cfg.APIKey = tt.apiKey
			cfg.Model = tt.model

			client, err := NewOpenRouterOracle(cfg, nil)
			if tt.wantError {
				require.Error(t, err)
				assert.Equal(t, domain.ErrorTypeConfig, domain.ErrorTypeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, client.model)
			assert.Equal(t, openRouterBaseURL+"/chat/completions", client.endpoint)
		})
	}
}

func TestOpenRouterOracle_CallForDocument(t *testing.T) {
	var got Request
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"id":"1","choices":[{"message":{"role":"assistant","content":"{\"vulnerabilities\":[]}"},"finish_reason":"length"}]}`)
	}))
	defer server.Close()

	oracle, err := NewOpenRouterOracle(openRouterConfig(server.URL), nil)
	require.NoError(t, err)

	resp, err := oracle.CallForDocument(context.Background(), domain.Attachment{
		MIMEType: "image/jpeg",
		Data:     []byte{0xff, 0xd8},
	}, "page prompt")
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-or-test", auth)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "page prompt", got.Messages[0].Content[0].Text)
	require.NotNil(t, got.Messages[0].Content[1].ImageURL)
	assert.Equal(t, "data:image/jpeg;base64,/9g=", got.Messages[0].Content[1].ImageURL.URL)
	assert.Equal(t, 8192, got.MaxTokens)
	assert.False(t, got.Stream)

	assert.True(t, resp.Truncated())
	assert.JSONEq(t, `{"vulnerabilities":[]}`, string(resp.Data))
}

func TestOpenRouterOracle_PDFAsFile(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"[]"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	oracle, err := NewOpenRouterOracle(openRouterConfig(server.URL), nil)
	require.NoError(t, err)

	_, err = oracle.CallForDocument(context.Background(), domain.Attachment{
		Name:     "scan.pdf",
		MIMEType: "application/pdf",
		Data:     []byte("%PDF"),
	}, "chunk prompt")
	require.NoError(t, err)

	part := got.Messages[0].Content[1]
	assert.Equal(t, "file", part.Type)
	require.NotNil(t, part.File)
	assert.Equal(t, "scan.pdf", part.File.Filename)
}

func TestOpenRouterOracle_StatusCarriesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "rate limited")
	}))
	defer server.Close()

	oracle, err := NewOpenRouterOracle(openRouterConfig(server.URL), nil)
	require.NoError(t, err)

	_, err = oracle.CallForText(context.Background(), "x")
	require.Error(t, err)

	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.ErrorTypeTransport, de.Type)
	assert.Equal(t, http.StatusTooManyRequests, de.Status)
	assert.Equal(t, "rate limited", de.Body)
}

func TestOpenRouterOracle_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	cfg := openRouterConfig(server.URL)
	cfg.Timeout = 50 * time.Millisecond
	oracle, err := NewOpenRouterOracle(cfg, nil)
	require.NoError(t, err)

	_, err = oracle.CallForText(context.Background(), "x")
	assert.Equal(t, domain.ErrorTypeTimeout, domain.ErrorTypeOf(err))
}

func TestOpenRouterOracle_CancelledContextPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	oracle, err := NewOpenRouterOracle(openRouterConfig(server.URL), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = oracle.CallForText(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
