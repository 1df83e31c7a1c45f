package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainConfig points the langchaingo embedder at an OpenAI-compatible API.
type LangChainConfig struct {
	BaseURL string
	Token   string // "none" is sent when empty, for local services without auth
	Model   string // default: text-embedding-3-small
}

// LangChainProvider embeds through langchaingo's OpenAI client, which works
// against any OpenAI-compatible embedding service (vLLM, LM Studio, ...).
type LangChainProvider struct {
	embedder embeddings.Embedder
	model    string
}

// NewLangChainProvider builds the langchaingo client and embedder.
func NewLangChainProvider(cfg LangChainConfig) (*LangChainProvider, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Token == "" {
		cfg.Token = "none"
	}

	opts := []openai.Option{
		openai.WithToken(cfg.Token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("embedding: langchain client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("embedding: langchain embedder: %w", err)
	}
	return &LangChainProvider{embedder: embedder, model: cfg.Model}, nil
}

// Embed implements Provider. langchaingo does not expose HTTP status codes,
// so failures are reported as transient and left to the retry budget.
func (p *LangChainProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Provider: ProviderLangChain, Transient: true, Err: err}
	}
	if err := checkCount(ProviderLangChain, len(out), len(texts)); err != nil {
		return nil, err
	}
	return out, nil
}

// Name implements Provider.
func (p *LangChainProvider) Name() string { return ProviderLangChain }

// Model implements Provider.
func (p *LangChainProvider) Model() string { return p.model }
