package embedding

import (
	"context"
	"net/http"
	"strings"
)

// OllamaConfig holds Ollama provider configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the embedding model (default: nomic-embed-text)
	Model string
}

// OllamaProvider calls a local Ollama server's /api/embed endpoint.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

// embedRequest represents the request body for /api/embed endpoint
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse represents the response from /api/embed endpoint
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaProvider creates an Ollama provider. A nil client gets a default.
func NewOllamaProvider(cfg OllamaConfig, client *http.Client) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  client,
	}
}

// Embed implements Provider.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embedResponse
	if err := postJSON(ctx, p.client, ProviderOllama, p.baseURL+"/api/embed", nil,
		embedRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if err := checkCount(ProviderOllama, len(resp.Embeddings), len(texts)); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// Name implements Provider.
func (p *OllamaProvider) Name() string { return ProviderOllama }

// Model implements Provider.
func (p *OllamaProvider) Model() string { return p.model }
