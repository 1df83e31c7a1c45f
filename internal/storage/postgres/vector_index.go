package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/pgvector/pgvector-go"

	"github.com/scrypster/riahunter/internal/storage"
	"github.com/scrypster/riahunter/pkg/types"
)

var _ storage.VectorIndex = (*VectorIndex)(nil)

// defaultEfSearch matches pgvector's own default for hnsw.ef_search.
const defaultEfSearch = 40

// maxEfSearch is the largest hnsw.ef_search pgvector accepts.
const maxEfSearch = 1000

// VectorIndex serves nearest-neighbour queries from the pgvector hnsw index
// on narratives.embedding. The index is maintained by PostgreSQL itself, so
// Upsert and Remove only keep the column in step when called directly.
type VectorIndex struct {
	db        *sql.DB
	dimension int
}

// NewVectorIndex returns the native vector index of store.
func NewVectorIndex(store *CorpusStore) *VectorIndex {
	return &VectorIndex{db: store.db, dimension: store.dimension}
}

// Upsert writes vector into the embedding column of an existing narrative.
// It is a no-op when the stored vector is already identical.
func (v *VectorIndex) Upsert(ctx context.Context, id int64, vector types.EmbeddingVector) error {
	if len(vector) != v.dimension {
		return fmt.Errorf("%w: vector length %d, index dimension %d", storage.ErrInvalidInput, len(vector), v.dimension)
	}
	_, err := v.db.ExecContext(ctx, `
		UPDATE narratives SET embedding = $2
		WHERE entity_id = $1 AND embedding IS DISTINCT FROM $2`,
		id, pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("postgres: vector upsert %d: %w", id, err)
	}
	return nil
}

// Remove clears the embedding of id. Missing rows are ignored.
func (v *VectorIndex) Remove(ctx context.Context, id int64) error {
	if _, err := v.db.ExecContext(ctx,
		`UPDATE narratives SET embedding = NULL, embedding_model = NULL WHERE entity_id = $1 AND embedding IS NOT NULL`, id); err != nil {
		return fmt.Errorf("postgres: vector remove %d: %w", id, err)
	}
	return nil
}

// Search returns the k nearest narratives by cosine similarity. efSearch is
// applied to this transaction only through hnsw.ef_search.
func (v *VectorIndex) Search(ctx context.Context, query types.EmbeddingVector, k int, efSearch int) ([]storage.Match, error) {
	if len(query) != v.dimension {
		return nil, fmt.Errorf("%w: query length %d, index dimension %d", storage.ErrInvalidInput, len(query), v.dimension)
	}
	if k <= 0 {
		return []storage.Match{}, nil
	}
	if efSearch <= 0 {
		efSearch = defaultEfSearch
	}
	efSearch = min(max(efSearch, k), maxEfSearch)

	tx, err := v.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT set_config('hnsw.ef_search', $1, true)`, strconv.Itoa(efSearch)); err != nil {
		return nil, fmt.Errorf("postgres: set hnsw.ef_search: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT entity_id, 1 - (embedding <=> $1) AS similarity
		FROM narratives
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]storage.Match, 0, k)
	for rows.Next() {
		var m storage.Match
		if err := rows.Scan(&m.ID, &m.Score); err != nil {
			return nil, fmt.Errorf("postgres: vector search scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	return out, nil
}
