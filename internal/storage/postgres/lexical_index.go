package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/scrypster/riahunter/internal/index"
	"github.com/scrypster/riahunter/internal/storage"
)

var _ storage.LexicalIndex = (*LexicalIndex)(nil)

// maxLexicalMatches bounds one lexical search.
const maxLexicalMatches = 1000

// LexicalIndex serves trigram queries from pg_trgm GIN indexes. Display
// names are scored with similarity(), narratives with word_similarity().
type LexicalIndex struct {
	db        *sql.DB
	available bool
}

// NewLexicalIndex returns the native lexical index of store. When pg_trgm
// could not be installed every Search fails with storage.ErrIndexUnavailable.
func NewLexicalIndex(store *CorpusStore) *LexicalIndex {
	return &LexicalIndex{db: store.db, available: store.trgmAvailable}
}

// Similarity computes pg_trgm similarity locally; the rules are identical to
// the server's.
func (l *LexicalIndex) Similarity(a, b string) float64 {
	return index.Similarity(a, b)
}

// Search returns rows of field scoring at least threshold, best first.
func (l *LexicalIndex) Search(ctx context.Context, query string, field storage.Field, threshold float64) ([]storage.Match, error) {
	if !l.available {
		return nil, storage.ErrIndexUnavailable
	}

	var setting, stmt string
	switch field {
	case storage.FieldName:
		setting = "pg_trgm.similarity_threshold"
		stmt = `
			SELECT id, similarity(display_name, $1) AS score
			FROM entities
			WHERE display_name % $1
			ORDER BY score DESC, id ASC
			LIMIT $2`
	case storage.FieldNarrative:
		setting = "pg_trgm.word_similarity_threshold"
		stmt = `
			SELECT entity_id, word_similarity($1, narrative_text) AS score
			FROM narratives
			WHERE $1 <% narrative_text
			ORDER BY score DESC, entity_id ASC
			LIMIT $2`
	default:
		return nil, fmt.Errorf("%w: unknown field %q", storage.ErrInvalidInput, field)
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("postgres: lexical search: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// The GIN index is only used through the % / <% operators, which read
	// their cutoff from these settings.
	if _, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`,
		setting, strconv.FormatFloat(threshold, 'f', -1, 64)); err != nil {
		return nil, fmt.Errorf("postgres: set %s: %w", setting, err)
	}

	rows, err := tx.QueryContext(ctx, stmt, query, maxLexicalMatches)
	if err != nil {
		return nil, fmt.Errorf("postgres: lexical search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.Match
	for rows.Next() {
		var m storage.Match
		if err := rows.Scan(&m.ID, &m.Score); err != nil {
			return nil, fmt.Errorf("postgres: lexical search scan: %w", err)
		}
		if m.Score >= threshold && m.Score > 0 {
			out = append(out, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: lexical search: %w", err)
	}
	return out, nil
}
