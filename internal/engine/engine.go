// Package engine implements hybrid retrieval: one query runs vector search
// over narrative embeddings and trigram search over narrative text and
// display names, filters both candidate sets, and fuses them into a single
// ranking.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/riahunter/internal/config"
	"github.com/scrypster/riahunter/internal/logging"
	"github.com/scrypster/riahunter/internal/storage"
	"github.com/scrypster/riahunter/pkg/types"
)

// Components reported in Result.Degraded.
const (
	ComponentVector  = "vector"
	ComponentLexical = "lexical"
)

// Config tunes the hybrid query.
type Config struct {
	// VectorThreshold drops vector candidates below this cosine similarity.
	VectorThreshold float64

	// LexicalThreshold drops lexical candidates below this trigram score.
	LexicalThreshold float64

	// LexicalWeight multiplies the lexical component in the fused score.
	LexicalWeight float64

	// EfSearch is the search breadth passed to the vector index. It is set
	// above the index's construction default because under-recalled vector
	// candidates silently hurt fusion.
	EfSearch int

	// CandidatePool is the number of vector candidates fetched before filters.
	CandidatePool int

	// MaxCandidatePool caps how far a filtered query widens the vector
	// search when the first pool holds fewer than limit eligible firms.
	MaxCandidatePool int

	DefaultLimit  int
	MaxLimit      int
	ExcerptLength int
}

// DefaultConfig returns the standard fusion parameters.
func DefaultConfig() Config {
	return Config{
		VectorThreshold:  0.5,
		LexicalThreshold: 0.1,
		LexicalWeight:    0.8,
		EfSearch:         100,
		CandidatePool:    200,
		MaxCandidatePool: 10000,
		DefaultLimit:     10,
		MaxLimit:         100,
		ExcerptLength:    240,
	}
}

// ConfigFromSettings maps the query section of the config file.
func ConfigFromSettings(q config.QueryConfig) Config {
	return Config{
		VectorThreshold:  q.VectorThreshold,
		LexicalThreshold: q.LexicalThreshold,
		LexicalWeight:    q.LexicalWeight,
		EfSearch:         q.EfSearch,
		CandidatePool:    q.CandidatePool,
		MaxCandidatePool: q.MaxCandidatePool,
		DefaultLimit:     q.DefaultLimit,
		MaxLimit:         q.MaxLimit,
		ExcerptLength:    q.ExcerptLength,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LexicalWeight == 0 {
		c.LexicalWeight = d.LexicalWeight
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	if c.CandidatePool <= 0 {
		c.CandidatePool = d.CandidatePool
	}
	if c.MaxCandidatePool < c.CandidatePool {
		c.MaxCandidatePool = max(d.MaxCandidatePool, c.CandidatePool)
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.MaxLimit < c.DefaultLimit {
		c.MaxLimit = max(d.MaxLimit, c.DefaultLimit)
	}
	return c
}

// EntitySource loads entity metadata and narratives for candidates.
type EntitySource interface {
	GetEntities(ctx context.Context, ids []int64) (map[int64]*types.Entity, error)
	GetNarratives(ctx context.Context, entityIDs []int64) (map[int64]*types.Narrative, error)
}

// Result is a ranked hybrid query answer.
type Result struct {
	Items []types.ScoredEntity

	// Degraded names the components that failed and were left out.
	Degraded []string
}

// Engine runs hybrid queries. It is read-only and safe for concurrent use.
type Engine struct {
	entities EntitySource
	vectors  storage.VectorIndex
	lexical  storage.LexicalIndex
	cfg      Config
	logger   zerolog.Logger
}

// New creates an Engine.
func New(entities EntitySource, vectors storage.VectorIndex, lexical storage.LexicalIndex, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if entities == nil || vectors == nil || lexical == nil {
		return nil, errors.New("engine: entity source, vector index and lexical index are required")
	}
	return &Engine{
		entities: entities,
		vectors:  vectors,
		lexical:  lexical,
		cfg:      cfg.withDefaults(),
		logger:   logging.Component(logger, "engine"),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Query runs the hybrid search. An empty embedding makes the query
// lexical-only and empty text makes it vector-only. Filters that remove
// every candidate yield an empty result, not an error.
func (e *Engine) Query(ctx context.Context, text string, embedding types.EmbeddingVector, filter types.QueryFilter, limit int) (*Result, error) {
	filter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	limit, err = e.normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	text = trimQuery(text)
	if text == "" && len(embedding) == 0 {
		return nil, &ValidationError{Filter: "query", Reason: "text or embedding is required"}
	}

	vectorHits, lexicalHits, degraded, err := e.search(ctx, text, embedding, filter, limit)
	if err != nil {
		return nil, err
	}

	ids := unionIDs(vectorHits, lexicalHits)
	if len(ids) == 0 {
		return &Result{Items: []types.ScoredEntity{}, Degraded: degraded}, nil
	}
	entities, err := e.entities.GetEntities(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("engine: load candidates: %w", err)
	}

	vectorHits = applyFilter(vectorHits, entities, filter)
	lexicalHits = applyFilter(lexicalHits, entities, filter)

	ranked := fuse(vectorHits, lexicalHits, e.cfg.LexicalWeight)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	items, err := e.materialize(ctx, ranked, entities)
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Int("vector_candidates", len(vectorHits)).
		Int("lexical_candidates", len(lexicalHits)).
		Int("results", len(items)).
		Strs("degraded", degraded).
		Msg("hybrid query")
	return &Result{Items: items, Degraded: degraded}, nil
}

// search runs both index searches concurrently. A failing side is reported
// as degraded; only when every requested side fails is the query an error.
func (e *Engine) search(ctx context.Context, text string, embedding types.EmbeddingVector, filter types.QueryFilter, limit int) (vectorHits, lexicalHits map[int64]float64, degraded []string, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var vecErr, lexErr error
	wantVector := len(embedding) > 0
	wantLexical := text != ""

	if wantVector {
		g.Go(func() error {
			vectorHits, vecErr = e.vectorSearch(gctx, embedding, filter, limit)
			return nil // degrade instead of cancelling the lexical side
		})
	}
	if wantLexical {
		g.Go(func() error {
			lexicalHits, lexErr = e.lexicalSearch(gctx, text)
			return nil
		})
	}
	if waitErr := g.Wait(); waitErr != nil {
		return nil, nil, nil, waitErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, nil, nil, ctxErr
	}

	vectorFailed := wantVector && vecErr != nil
	lexicalFailed := wantLexical && lexErr != nil && lexicalHits == nil
	if vectorFailed {
		degraded = append(degraded, ComponentVector)
		e.logger.Warn().Err(vecErr).Msg("vector search failed, continuing lexical-only")
	}
	if wantLexical && lexErr != nil {
		degraded = append(degraded, ComponentLexical)
		e.logger.Warn().Err(lexErr).Msg("lexical search failed")
	}

	if (vectorFailed || !wantVector) && (lexicalFailed || !wantLexical) {
		return nil, nil, degraded, fmt.Errorf("engine: no index could serve the query: %w", errors.Join(vecErr, lexErr))
	}
	return vectorHits, lexicalHits, degraded, nil
}

// vectorSearch fetches CandidatePool neighbours. Under a filter it keeps
// widening k until limit eligible firms clear the threshold, the index runs
// out of candidates above it, or MaxCandidatePool is reached.
func (e *Engine) vectorSearch(ctx context.Context, embedding types.EmbeddingVector, filter types.QueryFilter, limit int) (map[int64]float64, error) {
	eligible := make(map[int64]bool)
	k := e.cfg.CandidatePool
	for {
		matches, err := e.vectors.Search(ctx, embedding, k, e.cfg.EfSearch)
		if err != nil {
			return nil, err
		}
		hits := make(map[int64]float64, len(matches))
		for _, m := range matches {
			if m.Score < e.cfg.VectorThreshold {
				continue
			}
			if prev, ok := hits[m.ID]; !ok || m.Score > prev {
				hits[m.ID] = m.Score
			}
		}

		if filter.IsZero() || len(matches) < k || k >= e.cfg.MaxCandidatePool ||
			matches[len(matches)-1].Score < e.cfg.VectorThreshold {
			return hits, nil
		}
		n, err := e.countEligible(ctx, hits, filter, eligible)
		if err != nil {
			return nil, err
		}
		if n >= limit {
			return hits, nil
		}

		k = min(k*4, e.cfg.MaxCandidatePool)
		e.logger.Debug().Int("eligible", n).Int("k", k).Msg("widening filtered vector search")
	}
}

// countEligible counts hits that pass filter, remembering verdicts in seen
// across widening rounds.
func (e *Engine) countEligible(ctx context.Context, hits map[int64]float64, filter types.QueryFilter, seen map[int64]bool) (int, error) {
	var unseen []int64
	for id := range hits {
		if _, ok := seen[id]; !ok {
			unseen = append(unseen, id)
		}
	}
	if len(unseen) > 0 {
		entities, err := e.entities.GetEntities(ctx, unseen)
		if err != nil {
			return 0, fmt.Errorf("engine: load candidates: %w", err)
		}
		for _, id := range unseen {
			ent, ok := entities[id]
			seen[id] = ok && matches(ent, filter)
		}
	}
	n := 0
	for id := range hits {
		if seen[id] {
			n++
		}
	}
	return n, nil
}

// lexicalSearch scores every entity by the better of its narrative and
// display-name match. If one field fails the other still contributes and
// the error is returned alongside the partial hits.
func (e *Engine) lexicalSearch(ctx context.Context, text string) (map[int64]float64, error) {
	var (
		hits map[int64]float64
		errs []error
	)
	for _, field := range []storage.Field{storage.FieldNarrative, storage.FieldName} {
		matches, err := e.lexical.Search(ctx, text, field, e.cfg.LexicalThreshold)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			continue
		}
		if hits == nil {
			hits = make(map[int64]float64)
		}
		for _, m := range matches {
			if m.Score < e.cfg.LexicalThreshold {
				continue
			}
			if prev, ok := hits[m.ID]; !ok || m.Score > prev {
				hits[m.ID] = m.Score
			}
		}
	}
	return hits, errors.Join(errs...)
}

// materialize attaches entity metadata and narrative excerpts.
func (e *Engine) materialize(ctx context.Context, ranked []scored, entities map[int64]*types.Entity) ([]types.ScoredEntity, error) {
	items := make([]types.ScoredEntity, 0, len(ranked))
	if len(ranked) == 0 {
		return items, nil
	}

	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	narratives, err := e.entities.GetNarratives(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("engine: load narratives: %w", err)
	}

	for _, r := range ranked {
		item := types.ScoredEntity{
			Entity:           *entities[r.id],
			VectorSimilarity: r.vector,
			LexicalScore:     r.lexical,
			Score:            r.score,
		}
		if n, ok := narratives[r.id]; ok {
			item.Excerpt = n.Excerpt(e.cfg.ExcerptLength)
		}
		items = append(items, item)
	}
	return items, nil
}

func (e *Engine) normalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, &ValidationError{Filter: "limit", Reason: "must not be negative"}
	case limit == 0:
		return e.cfg.DefaultLimit, nil
	case limit > e.cfg.MaxLimit:
		return e.cfg.MaxLimit, nil
	default:
		return limit, nil
	}
}
