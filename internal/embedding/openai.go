package embedding

import (
	"context"
	"net/http"
	"sort"
	"strings"
)

// OpenAIConfig holds configuration for the OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey  string
	Model   string // default: text-embedding-3-small
	BaseURL string // default: https://api.openai.com
}

// OpenAIProvider calls POST /v1/embeddings with batch input.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIProvider creates an OpenAI provider. A nil client gets a default.
func NewOpenAIProvider(cfg OpenAIConfig, client *http.Client) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = defaultHTTPClient()
	}
	return &OpenAIProvider{cfg: cfg, client: client}
}

// openAIEmbeddingRequest is the request body for POST /v1/embeddings.
type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// openAIEmbeddingResponse is the response body from POST /v1/embeddings.
type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openAIEmbeddingResponse
	err := postJSON(ctx, p.client, ProviderOpenAI, p.cfg.BaseURL+"/v1/embeddings",
		bearer(p.cfg.APIKey), openAIEmbeddingRequest{Model: p.cfg.Model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}
	if err := checkCount(ProviderOpenAI, len(resp.Data), len(texts)); err != nil {
		return nil, err
	}

	// The API documents data as ordered by index, but does not promise it.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = toFloat32(d.Embedding)
	}
	return out, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Model implements Provider.
func (p *OpenAIProvider) Model() string { return p.cfg.Model }
