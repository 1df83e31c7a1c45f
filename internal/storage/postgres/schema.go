// Package postgres provides PostgreSQL implementations of the corpus store
// and of native vector (pgvector) and lexical (pg_trgm) indexes.
package postgres

import "fmt"

// BaseSchema contains the tables that don't depend on any extension.
const BaseSchema = `
CREATE TABLE IF NOT EXISTS entities (
    id BIGINT PRIMARY KEY,
    display_name TEXT NOT NULL,
    city TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL DEFAULT '',
    aum DOUBLE PRECISION,
    aum_normalized BOOLEAN NOT NULL DEFAULT FALSE,
    private_fund_count INTEGER NOT NULL DEFAULT 0,
    private_fund_aum DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entities_region ON entities(region);
`

// NarrativesSchema returns the narratives table with an embedding column of
// the given width. pgvector must already be installed.
func NarrativesSchema(dimension int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS narratives (
    entity_id BIGINT PRIMARY KEY,
    narrative_text TEXT NOT NULL DEFAULT '',
    text_hash TEXT NOT NULL DEFAULT '',
    embedding vector(%d),
    embedding_model TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_narratives_backlog
    ON narratives(entity_id) WHERE embedding IS NULL;
`, dimension)
}

// MigrationHNSW creates the approximate nearest-neighbour index. It needs
// pgvector 0.5 or later; older servers fall back to exact scans.
const MigrationHNSW = `
CREATE INDEX IF NOT EXISTS idx_narratives_embedding_hnsw
    ON narratives USING hnsw (embedding vector_cosine_ops)
    WITH (m = 16, ef_construction = 64);
`

// MigrationTrigram creates the trigram GIN indexes used by LexicalIndex.
const MigrationTrigram = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE INDEX IF NOT EXISTS idx_narratives_text_trgm
    ON narratives USING gin (narrative_text gin_trgm_ops);

CREATE INDEX IF NOT EXISTS idx_entities_name_trgm
    ON entities USING gin (display_name gin_trgm_ops);
`

// embeddingWidthQuery returns the declared width of narratives.embedding;
// for the vector type atttypmod is the dimension.
const embeddingWidthQuery = `
SELECT a.atttypmod
FROM pg_attribute a
WHERE a.attrelid = 'narratives'::regclass AND a.attname = 'embedding'
`
