// Package embedding turns narrative text into fixed-width vectors through an
// external provider. Providers are thin transport adapters; the Generator adds
// retries, rate limiting, the circuit breaker and the width policy on top.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/riahunter/internal/config"
)

// Provider embeds a batch of texts in one call. Implementations return one
// vector per input, in input order, at the provider's native width.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Model() string
}

// Provider names accepted by NewProvider.
const (
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderVertex    = "vertex"
	ProviderLangChain = "langchain"
	ProviderHashing   = "hashing"
)

// NewProvider creates the provider named by cfg.Provider.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	client := &http.Client{Timeout: cfg.Timeout}

	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("embedding: openai provider requires an API key")
		}
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.OpenAI.BaseURL,
		}, client), nil
	case ProviderOllama:
		return NewOllamaProvider(OllamaConfig{BaseURL: cfg.Ollama.URL, Model: cfg.Model}, client), nil
	case ProviderVertex:
		return NewVertexProvider(VertexConfig{
			Project:     cfg.Vertex.Project,
			Location:    cfg.Vertex.Location,
			Model:       cfg.Model,
			AccessToken: cfg.Vertex.AccessToken,
			BaseURL:     cfg.Vertex.BaseURL,
		}, client)
	case ProviderLangChain:
		return NewLangChainProvider(LangChainConfig{
			BaseURL: cfg.LangChain.BaseURL,
			Token:   cfg.LangChain.Token,
			Model:   cfg.Model,
		})
	case ProviderHashing, "":
		width := cfg.Hashing.NativeDimension
		if width <= 0 {
			width = cfg.Dimension
		}
		return NewHashingProvider(width), nil
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q", cfg.Provider)
	}
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// postJSON sends body to url and decodes a 200 response into out. Failures
// come back as *ProviderError classified for retry.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Provider: provider, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return &ProviderError{Provider: provider, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return &ProviderError{Provider: provider, Transient: isNetworkError(err), Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProviderError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        errors.New(string(bytes.TrimSpace(msg))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: provider, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// isNetworkError treats timeouts and connection failures as transient.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func bearer(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func toFloat32(raw []float64) []float32 {
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec
}

// checkCount guards against providers that drop inputs silently.
func checkCount(provider string, got, want int) error {
	if got != want {
		return &ProviderError{Provider: provider, Err: fmt.Errorf("returned %d embeddings for %d inputs", got, want)}
	}
	return nil
}

// defaultHTTPClient is used when a constructor is given a nil client.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
