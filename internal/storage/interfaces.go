// Package storage provides composable storage interfaces for the riahunter
// corpus.
//
// The corpus store is the system of record for entities and narratives. The
// vector and lexical indexes are derived projections keyed by entity ID; they
// can always be rebuilt from the store. Each concern is a small interface so
// backends (PostgreSQL, SQLite, in-memory indexes) can be mixed.
package storage

import (
	"context"

	"github.com/scrypster/riahunter/pkg/types"
)

// CorpusStore owns the entity and narrative lifecycle.
type CorpusStore interface {
	// PutEntity creates or updates an entity (upsert by ID).
	PutEntity(ctx context.Context, entity *types.Entity) error

	// GetEntity retrieves an entity by ID.
	// Returns ErrNotFound if the entity doesn't exist.
	GetEntity(ctx context.Context, id int64) (*types.Entity, error)

	// GetEntities retrieves the entities that exist among ids. Missing IDs
	// are simply absent from the returned map.
	GetEntities(ctx context.Context, ids []int64) (map[int64]*types.Entity, error)

	// DeleteEntity removes an entity and its narrative in one transaction.
	// Returns ErrNotFound if neither exists.
	DeleteEntity(ctx context.Context, id int64) error

	// PutNarrative creates or replaces the narrative for an entity. When the
	// text changes, any stored embedding is cleared.
	PutNarrative(ctx context.Context, narrative *types.Narrative) error

	// GetNarrative retrieves the narrative for an entity.
	// Returns ErrNotFound if none exists.
	GetNarrative(ctx context.Context, entityID int64) (*types.Narrative, error)

	// GetNarratives retrieves the narratives that exist among entityIDs.
	GetNarratives(ctx context.Context, entityIDs []int64) (map[int64]*types.Narrative, error)

	// EmbeddingBacklog returns narratives without an embedding, ascending by
	// entity ID, strictly after opts.After.
	EmbeddingBacklog(ctx context.Context, opts BacklogOptions) ([]*types.Narrative, error)

	// SetEmbedding atomically replaces the embedding of one narrative.
	// Returns ErrNotFound if the narrative is gone and ErrStaleNarrative if
	// the text changed since the embedding was computed.
	SetEmbedding(ctx context.Context, update EmbeddingUpdate) error

	// ScanEntities pages through all entities by ascending ID.
	ScanEntities(ctx context.Context, after int64, limit int) ([]*types.Entity, error)

	// ScanNarratives pages through all narratives by ascending entity ID,
	// embeddings included.
	ScanNarratives(ctx context.Context, after int64, limit int) ([]*types.Narrative, error)

	// CorrectAUMUnits multiplies AUM by multiplier on records not yet marked
	// normalized and marks them. Returns the number of records changed.
	CorrectAUMUnits(ctx context.Context, multiplier float64) (int, error)

	// ClearEmbeddings nulls every stored embedding. Used when the configured
	// dimension changes; indexes must be rebuilt afterwards.
	ClearEmbeddings(ctx context.Context) (int, error)

	// Stats returns read-only corpus diagnostics.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases any resources held by the store.
	Close() error
}

// VectorIndex is an approximate nearest-neighbour index over narrative
// embeddings using cosine similarity.
type VectorIndex interface {
	// Upsert inserts or replaces the vector for id. A Search issued after
	// Upsert returns must observe the record.
	Upsert(ctx context.Context, id int64, vector types.EmbeddingVector) error

	// Remove deletes id from the index. Removing an unknown id is not an error.
	Remove(ctx context.Context, id int64) error

	// Search returns up to k matches ordered by descending cosine similarity.
	// efSearch tunes recall for this call only; <= 0 uses the index default.
	Search(ctx context.Context, query types.EmbeddingVector, k int, efSearch int) ([]Match, error)
}

// LexicalIndex is a trigram similarity index over narrative text and entity
// display names.
type LexicalIndex interface {
	// Similarity returns the trigram similarity of a and b in [0,1].
	Similarity(a, b string) float64

	// Search returns matches on field scoring at least threshold, ordered by
	// descending score.
	Search(ctx context.Context, query string, field Field, threshold float64) ([]Match, error)
}

// TextIndexer is implemented by lexical indexes that keep their own copy of
// the indexed text (the in-memory trigram index). Database-backed indexes
// read the text straight from the corpus tables and don't need it.
type TextIndexer interface {
	IndexText(id int64, field Field, text string)
	RemoveText(id int64)
}

// Sizer is implemented by indexes that can report how many records they hold.
type Sizer interface {
	Len() int
}
