package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/scrypster/riahunter/internal/embedding"
	"github.com/scrypster/riahunter/internal/logging"
	"github.com/scrypster/riahunter/pkg/types"
)

// ErrRetryLater is returned when the embedding provider cannot be reached.
// The query itself was fine and can be repeated.
var ErrRetryLater = errors.New("embedding provider unavailable, retry later")

// QueryEmbedder embeds query text. *embedding.Generator implements it.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) (types.EmbeddingVector, error)
}

// Request is one search at the query boundary.
type Request struct {
	// ID correlates log lines; one is generated when empty.
	ID     string
	Text   string
	Filter types.QueryFilter
	Limit  int
}

// Response is the answer to a Request.
type Response struct {
	RequestID string
	Items     []types.ScoredEntity
	Degraded  []string
	Took      time.Duration
}

// SearcherOptions configures a Searcher.
type SearcherOptions struct {
	// CacheSize is the number of query embeddings kept; 0 disables caching.
	CacheSize int

	// Timeout bounds a whole search including the embedding call.
	Timeout time.Duration

	Logger zerolog.Logger
}

// Searcher is the query boundary: it embeds the query text, caching the
// vector, and runs the hybrid query.
type Searcher struct {
	engine   *Engine
	embedder QueryEmbedder
	cache    *lru.Cache[string, types.EmbeddingVector]
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewSearcher creates a Searcher.
func NewSearcher(engine *Engine, embedder QueryEmbedder, opts SearcherOptions) (*Searcher, error) {
	if engine == nil || embedder == nil {
		return nil, errors.New("engine: searcher needs an engine and an embedder")
	}
	s := &Searcher{
		engine:   engine,
		embedder: embedder,
		timeout:  opts.Timeout,
		logger:   logging.Component(opts.Logger, "searcher"),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, types.EmbeddingVector](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("engine: create embedding cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Search embeds req.Text and runs the hybrid query. Returns ErrRetryLater
// when the provider is unreachable and *ValidationError for bad input.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := s.logger.With().Str("request_id", req.ID).Logger()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	text := trimQuery(req.Text)
	if text == "" {
		return nil, &ValidationError{Filter: "query", Reason: "text is required"}
	}
	if _, err := normalizeFilter(req.Filter); err != nil {
		return nil, err
	}
	if _, err := s.engine.normalizeLimit(req.Limit); err != nil {
		return nil, err
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		if embedding.IsTransient(err) {
			logger.Warn().Err(err).Msg("query embedding unavailable")
			return nil, fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
		return nil, fmt.Errorf("engine: embed query: %w", err)
	}

	result, err := s.engine.Query(ctx, text, vec, req.Filter, req.Limit)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		RequestID: req.ID,
		Items:     result.Items,
		Degraded:  result.Degraded,
		Took:      time.Since(start),
	}
	logger.Info().
		Int("results", len(resp.Items)).
		Strs("degraded", resp.Degraded).
		Dur("took", resp.Took).
		Msg("search")
	return resp, nil
}

func (s *Searcher) embed(ctx context.Context, text string) (types.EmbeddingVector, error) {
	if s.cache != nil {
		if vec, ok := s.cache.Get(text); ok {
			return vec, nil
		}
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(text, vec)
	}
	return vec, nil
}
