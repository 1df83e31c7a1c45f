// Package corpus ties the corpus store to its derived indexes. Every write
// that goes through a Corpus is reflected in the vector and lexical indexes
// before the call returns, so a search issued afterwards observes it.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scrypster/riahunter/internal/index"
	"github.com/scrypster/riahunter/internal/logging"
	"github.com/scrypster/riahunter/internal/storage"
	"github.com/scrypster/riahunter/pkg/types"
)

// defaultPageSize is the page size used when rebuilding indexes.
const defaultPageSize = 500

// lockStripes is the number of per-entity write locks.
const lockStripes = 64

// Options configures a Corpus.
type Options struct {
	// SnapshotPath, when set and the vector index is an in-memory HNSW, is
	// where Warm loads and SaveSnapshot writes the graph.
	SnapshotPath string

	// PageSize is the scan page size for rebuilds (default: 500).
	PageSize int

	Logger zerolog.Logger
}

// clearer is implemented by in-memory indexes that can be rebuilt.
type clearer interface {
	Clear()
}

// checkpointer is implemented by stores that keep a write-ahead log.
type checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Corpus owns the corpus store and both indexes.
type Corpus struct {
	store   storage.CorpusStore
	lexical storage.LexicalIndex
	opts    Options
	logger  zerolog.Logger

	// vectors may be swapped once by Warm when a snapshot is loaded.
	mu      sync.RWMutex
	vectors storage.VectorIndex

	// stripes serialise the store write and index update of one entity, so
	// the index ends in the state of whichever write reached the store last.
	stripes [lockStripes]sync.Mutex
}

// New creates a Corpus over store and the two indexes.
func New(store storage.CorpusStore, vectors storage.VectorIndex, lexical storage.LexicalIndex, opts Options) (*Corpus, error) {
	if store == nil || vectors == nil || lexical == nil {
		return nil, errors.New("corpus: store, vector index and lexical index are required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Corpus{
		store:   store,
		vectors: vectors,
		lexical: lexical,
		opts:    opts,
		logger:  logging.Component(opts.Logger, "corpus"),
	}, nil
}

// Store returns the underlying corpus store.
func (c *Corpus) Store() storage.CorpusStore { return c.store }

// VectorIndex returns the current vector index.
func (c *Corpus) VectorIndex() storage.VectorIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vectors
}

// LexicalIndex returns the lexical index.
func (c *Corpus) LexicalIndex() storage.LexicalIndex { return c.lexical }

func (c *Corpus) lock(id int64) func() {
	m := &c.stripes[uint64(id)%lockStripes]
	m.Lock()
	return m.Unlock
}

func (c *Corpus) textIndexer() (storage.TextIndexer, bool) {
	ti, ok := c.lexical.(storage.TextIndexer)
	return ti, ok
}

// PutEntity upserts an entity and reindexes its display name.
func (c *Corpus) PutEntity(ctx context.Context, entity *types.Entity) error {
	if entity != nil {
		defer c.lock(entity.ID)()
	}
	if err := c.store.PutEntity(ctx, entity); err != nil {
		return err
	}
	if ti, ok := c.textIndexer(); ok {
		ti.IndexText(entity.ID, storage.FieldName, entity.DisplayName)
	}
	return nil
}

// PutNarrative creates or replaces a narrative. When the text changed the
// store cleared the embedding, and the entity leaves the vector index until
// the backlog processor embeds the new text.
func (c *Corpus) PutNarrative(ctx context.Context, narrative *types.Narrative) error {
	if narrative != nil {
		defer c.lock(narrative.EntityID)()
	}
	if err := c.store.PutNarrative(ctx, narrative); err != nil {
		return err
	}
	if ti, ok := c.textIndexer(); ok {
		ti.IndexText(narrative.EntityID, storage.FieldNarrative, narrative.Text)
	}

	stored, err := c.store.GetNarrative(ctx, narrative.EntityID)
	if err != nil {
		return fmt.Errorf("corpus: reload narrative %d: %w", narrative.EntityID, err)
	}
	if !stored.HasEmbedding() {
		if err := c.VectorIndex().Remove(ctx, narrative.EntityID); err != nil {
			return fmt.Errorf("corpus: drop stale vector %d: %w", narrative.EntityID, err)
		}
	}
	return nil
}

// DeleteEntity removes the entity and its narrative from the store, then
// from both indexes, in one synchronous call.
func (c *Corpus) DeleteEntity(ctx context.Context, id int64) error {
	defer c.lock(id)()
	if err := c.store.DeleteEntity(ctx, id); err != nil {
		return err
	}
	if err := c.VectorIndex().Remove(ctx, id); err != nil {
		return fmt.Errorf("corpus: remove %d from vector index: %w", id, err)
	}
	if ti, ok := c.textIndexer(); ok {
		ti.RemoveText(id)
	}
	return nil
}

// EmbeddingBacklog passes through to the store.
func (c *Corpus) EmbeddingBacklog(ctx context.Context, opts storage.BacklogOptions) ([]*types.Narrative, error) {
	return c.store.EmbeddingBacklog(ctx, opts)
}

// SetEmbedding stores an embedding and upserts it into the vector index.
func (c *Corpus) SetEmbedding(ctx context.Context, update storage.EmbeddingUpdate) error {
	defer c.lock(update.EntityID)()
	if err := c.store.SetEmbedding(ctx, update); err != nil {
		return err
	}
	if err := c.VectorIndex().Upsert(ctx, update.EntityID, update.Vector); err != nil {
		return fmt.Errorf("corpus: index embedding %d: %w", update.EntityID, err)
	}
	return nil
}

// CorrectAUMUnits passes through to the store. AUM is not indexed.
func (c *Corpus) CorrectAUMUnits(ctx context.Context, multiplier float64) (int, error) {
	return c.store.CorrectAUMUnits(ctx, multiplier)
}

// ClearEmbeddings drops every stored embedding and empties an in-memory
// vector index. Used when the embedding dimension changes.
func (c *Corpus) ClearEmbeddings(ctx context.Context) (int, error) {
	n, err := c.store.ClearEmbeddings(ctx)
	if err != nil {
		return 0, err
	}
	if cl, ok := c.VectorIndex().(clearer); ok {
		cl.Clear()
	}
	return n, nil
}

// RebuildReport summarises a Rebuild.
type RebuildReport struct {
	Entities   int
	Narratives int
	Vectors    int
	Skipped    bool // indexes live in the database and need no rebuild
}

// Rebuild reloads in-memory indexes from the store. Database-backed indexes
// are maintained by the database and are left alone.
func (c *Corpus) Rebuild(ctx context.Context) (*RebuildReport, error) {
	return c.rebuild(ctx, true, nil)
}

// rebuild refills the in-memory lexical index, and the vector index when
// vectors is set. A non-nil fp collects every stored embedding on the way.
func (c *Corpus) rebuild(ctx context.Context, vectors bool, fp *index.Fingerprint) (*RebuildReport, error) {
	report := &RebuildReport{}

	ti, lexicalInMemory := c.textIndexer()
	vi := c.VectorIndex()
	_, vectorInMemory := vi.(clearer)
	vectors = vectors && vectorInMemory

	if !lexicalInMemory && !vectors && fp == nil {
		report.Skipped = true
		return report, nil
	}
	if lexicalInMemory {
		if cl, ok := c.lexical.(clearer); ok {
			cl.Clear()
		}
	}
	if vectors {
		vi.(clearer).Clear()
	}

	if lexicalInMemory {
		var after int64
		for {
			page, err := c.store.ScanEntities(ctx, after, c.opts.PageSize)
			if err != nil {
				return report, fmt.Errorf("corpus: scan entities after %d: %w", after, err)
			}
			for _, e := range page {
				ti.IndexText(e.ID, storage.FieldName, e.DisplayName)
				report.Entities++
			}
			if len(page) < c.opts.PageSize {
				break
			}
			after = page[len(page)-1].ID
		}
	}

	var after int64
	for {
		page, err := c.store.ScanNarratives(ctx, after, c.opts.PageSize)
		if err != nil {
			return report, fmt.Errorf("corpus: scan narratives after %d: %w", after, err)
		}
		for _, n := range page {
			if lexicalInMemory {
				ti.IndexText(n.EntityID, storage.FieldNarrative, n.Text)
			}
			report.Narratives++
			if fp != nil && n.HasEmbedding() {
				fp.Add(n.EntityID, n.Embedding)
			}
			if vectors && n.HasEmbedding() {
				if err := vi.Upsert(ctx, n.EntityID, n.Embedding); err != nil {
					c.logger.Warn().Err(err).Int64("entity_id", n.EntityID).Msg("skipping unindexable embedding")
					continue
				}
				report.Vectors++
			}
		}
		if len(page) < c.opts.PageSize {
			break
		}
		after = page[len(page)-1].EntityID
	}

	c.logger.Info().
		Int("entities", report.Entities).
		Int("narratives", report.Narratives).
		Int("vectors", report.Vectors).
		Msg("indexes rebuilt")
	return report, nil
}

// Warm prepares the indexes at startup. A snapshot of the in-memory vector
// index is used only when its fingerprint matches the embeddings in the
// store, in which case just the lexical index is rebuilt. Otherwise
// everything is rebuilt from the store. Warm must run before the corpus
// serves queries.
func (c *Corpus) Warm(ctx context.Context) (*RebuildReport, error) {
	h, ok := c.VectorIndex().(*index.HNSW)
	if !ok || c.opts.SnapshotPath == "" {
		return c.Rebuild(ctx)
	}

	loaded, err := c.loadSnapshot(h.Dimension())
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.logger.Debug().Str("path", c.opts.SnapshotPath).Msg("no vector snapshot, rebuilding")
		return c.Rebuild(ctx)
	case err != nil:
		c.logger.Warn().Err(err).Str("path", c.opts.SnapshotPath).Msg("ignoring vector snapshot")
		return c.Rebuild(ctx)
	}

	var stored index.Fingerprint
	report, err := c.rebuild(ctx, false, &stored)
	if err != nil {
		return nil, err
	}
	if got, want := loaded.Fingerprint(), stored.String(); got != want {
		c.logger.Warn().
			Str("path", c.opts.SnapshotPath).
			Str("snapshot", got).
			Str("store", want).
			Msg("vector snapshot is stale, rebuilding")
		return c.Rebuild(ctx)
	}

	c.mu.Lock()
	c.vectors = loaded
	c.mu.Unlock()
	report.Vectors = loaded.Len()
	return report, nil
}

func (c *Corpus) loadSnapshot(dimension int) (*index.HNSW, error) {
	loaded, err := index.LoadHNSW(c.opts.SnapshotPath)
	if err != nil {
		return nil, err
	}
	if loaded.Dimension() != dimension {
		return nil, fmt.Errorf("snapshot dimension %d, configured %d", loaded.Dimension(), dimension)
	}
	return loaded, nil
}

// SaveSnapshot writes the in-memory vector index to SnapshotPath. It is a
// no-op for database-backed indexes or when no path is configured.
func (c *Corpus) SaveSnapshot() error {
	h, ok := c.VectorIndex().(*index.HNSW)
	if !ok || c.opts.SnapshotPath == "" {
		return nil
	}
	if err := h.Save(c.opts.SnapshotPath); err != nil {
		return fmt.Errorf("corpus: save snapshot: %w", err)
	}
	return nil
}

// Checkpoint flushes the store's write-ahead log after a bulk write. Stores
// without one ignore it.
func (c *Corpus) Checkpoint(ctx context.Context) error {
	if cp, ok := c.store.(checkpointer); ok {
		return cp.Checkpoint(ctx)
	}
	return nil
}

// Close closes the store.
func (c *Corpus) Close() error {
	return c.store.Close()
}
