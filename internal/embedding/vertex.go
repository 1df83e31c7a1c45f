package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// VertexConfig holds Vertex AI text-embedding settings.
type VertexConfig struct {
	Project     string
	Location    string // default: us-central1
	Model       string // default: textembedding-gecko@003
	AccessToken string // OAuth bearer token; empty when a proxy authenticates
	BaseURL     string // default: https://{location}-aiplatform.googleapis.com
}

// VertexProvider calls the publisher model :predict endpoint.
type VertexProvider struct {
	cfg      VertexConfig
	endpoint string
	client   *http.Client
}

type vertexInstance struct {
	Content string `json:"content"`
}

type vertexPredictRequest struct {
	Instances []vertexInstance `json:"instances"`
}

type vertexPredictResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float64 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

// NewVertexProvider creates a Vertex AI provider. A nil client gets a default.
func NewVertexProvider(cfg VertexConfig, client *http.Client) (*VertexProvider, error) {
	if cfg.Project == "" {
		return nil, errors.New("embedding: vertex provider requires a project")
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.Model == "" {
		cfg.Model = "textembedding-gecko@003"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.Location)
	}
	if client == nil {
		client = defaultHTTPClient()
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		strings.TrimRight(cfg.BaseURL, "/"), cfg.Project, cfg.Location, cfg.Model)
	return &VertexProvider{cfg: cfg, endpoint: endpoint, client: client}, nil
}

// Embed implements Provider.
func (p *VertexProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	req := vertexPredictRequest{Instances: make([]vertexInstance, len(texts))}
	for i, t := range texts {
		req.Instances[i] = vertexInstance{Content: t}
	}

	var resp vertexPredictResponse
	if err := postJSON(ctx, p.client, ProviderVertex, p.endpoint, bearer(p.cfg.AccessToken), req, &resp); err != nil {
		return nil, err
	}
	if err := checkCount(ProviderVertex, len(resp.Predictions), len(texts)); err != nil {
		return nil, err
	}

	out := make([][]float32, len(resp.Predictions))
	for i, pred := range resp.Predictions {
		out[i] = toFloat32(pred.Embeddings.Values)
	}
	return out, nil
}

// Name implements Provider.
func (p *VertexProvider) Name() string { return ProviderVertex }

// Model implements Provider.
func (p *VertexProvider) Model() string { return p.cfg.Model }
