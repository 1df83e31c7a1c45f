package corpus

import (
	"context"
	"fmt"

	"github.com/scrypster/riahunter/internal/index"
	"github.com/scrypster/riahunter/internal/storage"
)

// Diagnostics is the administrative view of corpus and index health.
type Diagnostics struct {
	Store storage.Stats

	// VectorBackend is "hnsw-memory" or the native index description.
	VectorBackend string

	// VectorCount is the number of live vectors, -1 when the backend cannot
	// report it.
	VectorCount int

	// TombstoneRatio is the share of deleted nodes still in the in-memory graph.
	TombstoneRatio float64

	// LexicalCount is the number of indexed narratives, -1 when unknown.
	LexicalCount int

	// Warnings lists detected inconsistencies between store and indexes.
	Warnings []string
}

// Diagnostics reports corpus and index health. It never modifies anything.
func (c *Corpus) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("corpus: stats: %w", err)
	}

	d := &Diagnostics{Store: *stats, VectorCount: -1, LexicalCount: -1}

	vi := c.VectorIndex()
	switch v := vi.(type) {
	case *index.HNSW:
		d.VectorBackend = "hnsw-memory"
		d.TombstoneRatio = v.TombstoneRatio()
	default:
		d.VectorBackend = stats.VectorIndex
		if d.VectorBackend == "" {
			d.VectorBackend = "exact"
		}
	}
	if s, ok := vi.(storage.Sizer); ok {
		d.VectorCount = s.Len()
		if d.VectorCount != stats.Embedded {
			d.Warnings = append(d.Warnings, fmt.Sprintf(
				"vector index holds %d vectors but the store has %d embeddings; run reindex", d.VectorCount, stats.Embedded))
		}
	}
	if s, ok := c.lexical.(storage.Sizer); ok {
		d.LexicalCount = s.Len()
		indexable := stats.Narratives - stats.BlankNarratives
		if d.LexicalCount != indexable {
			d.Warnings = append(d.Warnings, fmt.Sprintf(
				"lexical index holds %d narratives but the store has %d non-blank narratives; run reindex", d.LexicalCount, indexable))
		}
	}
	if stats.MissingEmbeddings > stats.BlankNarratives {
		d.Warnings = append(d.Warnings, fmt.Sprintf(
			"%d narratives are waiting for an embedding", stats.MissingEmbeddings-stats.BlankNarratives))
	}
	return d, nil
}
