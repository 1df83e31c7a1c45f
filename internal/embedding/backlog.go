package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/scrypster/riahunter/internal/logging"
	"github.com/scrypster/riahunter/internal/storage"
	"github.com/scrypster/riahunter/pkg/types"
)

// maxRecordedFailures caps Report.FailedIDs.
const maxRecordedFailures = 100

// BacklogSource is the slice of the corpus the processor needs. corpus.Corpus
// satisfies it, keeping the vector index in step with each write.
type BacklogSource interface {
	EmbeddingBacklog(ctx context.Context, opts storage.BacklogOptions) ([]*types.Narrative, error)
	SetEmbedding(ctx context.Context, update storage.EmbeddingUpdate) error
}

// Embedder is what the processor needs from a Generator.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]Result, error)
	Model() string
}

// ProcessorOptions tunes a BacklogProcessor.
type ProcessorOptions struct {
	// BatchSize is the backlog page size (default: 50).
	BatchSize int

	// PoolSize bounds concurrent provider calls (default: 4).
	PoolSize int

	Logger zerolog.Logger
}

// RunOptions selects the slice of the backlog one Run walks.
type RunOptions struct {
	Partition storage.Partition

	// After is the starting cursor; 0 starts from the beginning.
	After int64

	// MaxBatches stops the run after that many pages; 0 means no limit.
	MaxBatches int

	// OnPage is called before a page is processed, with the cursor before
	// the page and the last ID in it.
	OnPage func(after, last int64)
}

// Report summarises one Run.
type Report struct {
	Batches      int
	Embedded     int
	SkippedBlank int
	Stale        int
	Failed       int

	// FailedIDs lists entities whose embedding stays null (first 100).
	FailedIDs []int64

	// Cursor is the last entity ID visited.
	Cursor int64
}

func (r *Report) recordFailure(id int64) {
	r.Failed++
	if len(r.FailedIDs) < maxRecordedFailures {
		r.FailedIDs = append(r.FailedIDs, id)
	}
}

// BacklogProcessor fills in missing embeddings. Pages are read in ascending
// ID order behind a cursor so every run makes forward progress even when
// some narratives keep failing. Within a page, chunks are embedded in
// parallel on an ants pool.
type BacklogProcessor struct {
	embedder Embedder
	source   BacklogSource
	pool     *ants.Pool
	opts     ProcessorOptions
	logger   zerolog.Logger
}

// NewBacklogProcessor creates a processor. Call Release when done.
func NewBacklogProcessor(embedder Embedder, source BacklogSource, opts ProcessorOptions) (*BacklogProcessor, error) {
	if embedder == nil || source == nil {
		return nil, errors.New("embedding: embedder and backlog source are required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}

	logger := logging.Component(opts.Logger, "backlog")
	pool, err := ants.NewPool(opts.PoolSize, ants.WithPanicHandler(func(p interface{}) {
		logger.Error().Interface("panic", p).Msg("embedding task panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("embedding: create worker pool: %w", err)
	}

	return &BacklogProcessor{
		embedder: embedder,
		source:   source,
		pool:     pool,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Release frees the worker pool.
func (p *BacklogProcessor) Release() {
	p.pool.Release()
}

// Run walks the backlog of one partition until it is empty, MaxBatches is
// reached or ctx is done. Blank narratives are skipped without a provider
// call. A narrative that cannot be embedded is recorded and skipped; its
// embedding stays null.
func (p *BacklogProcessor) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if err := opts.Partition.Validate(); err != nil {
		return nil, err
	}

	report := &Report{Cursor: opts.After}
	for opts.MaxBatches == 0 || report.Batches < opts.MaxBatches {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		page, err := p.source.EmbeddingBacklog(ctx, storage.BacklogOptions{
			After:     report.Cursor,
			Limit:     p.opts.BatchSize,
			Partition: opts.Partition,
		})
		if err != nil {
			return report, fmt.Errorf("embedding: read backlog after %d: %w", report.Cursor, err)
		}
		if len(page) == 0 {
			break
		}

		last := page[len(page)-1].EntityID
		if opts.OnPage != nil {
			opts.OnPage(report.Cursor, last)
		}
		if err := p.processPage(ctx, page, report); err != nil {
			return report, err
		}
		report.Batches++
		report.Cursor = last

		p.logger.Debug().
			Str("partition", opts.Partition.String()).
			Int64("cursor", last).
			Int("embedded", report.Embedded).
			Int("failed", report.Failed).
			Msg("backlog page processed")
	}

	p.logger.Info().
		Str("partition", opts.Partition.String()).
		Int("batches", report.Batches).
		Int("embedded", report.Embedded).
		Int("skipped_blank", report.SkippedBlank).
		Int("stale", report.Stale).
		Int("failed", report.Failed).
		Msg("backlog pass finished")
	return report, nil
}

// processPage splits the non-blank narratives of a page into one chunk per
// pool worker and waits for all of them.
func (p *BacklogProcessor) processPage(ctx context.Context, page []*types.Narrative, report *Report) error {
	work := make([]*types.Narrative, 0, len(page))
	for _, n := range page {
		if n.IsBlank() {
			report.SkippedBlank++
			continue
		}
		work = append(work, n)
	}
	if len(work) == 0 {
		return nil
	}

	chunkSize := (len(work) + p.opts.PoolSize - 1) / p.opts.PoolSize

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	for start := 0; start < len(work); start += chunkSize {
		end := min(start+chunkSize, len(work))
		chunk := work[start:end]

		wg.Add(1)
		submitErr := p.pool.Submit(func() {
			defer wg.Done()
			err := p.processChunk(ctx, chunk, report, &mu)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			return fmt.Errorf("embedding: submit chunk: %w", submitErr)
		}
	}
	wg.Wait()
	return firstErr
}

func (p *BacklogProcessor) processChunk(ctx context.Context, chunk []*types.Narrative, report *Report, mu *sync.Mutex) error {
	texts := make([]string, len(chunk))
	for i, n := range chunk {
		texts[i] = n.Text
	}

	results, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	for i, n := range chunk {
		res := results[i]
		if res.Err != nil {
			p.logger.Warn().Err(res.Err).Int64("entity_id", n.EntityID).Msg("embedding failed, leaving it null")
			mu.Lock()
			report.recordFailure(n.EntityID)
			mu.Unlock()
			continue
		}

		err := p.source.SetEmbedding(ctx, storage.EmbeddingUpdate{
			EntityID: n.EntityID,
			Vector:   res.Vector,
			Model:    p.embedder.Model(),
			TextHash: n.TextHash,
		})

		mu.Lock()
		switch {
		case err == nil:
			report.Embedded++
		case errors.Is(err, storage.ErrStaleNarrative), errors.Is(err, storage.ErrNotFound):
			// Replaced or deleted while we were embedding; the next pass
			// picks up the new text.
			report.Stale++
		default:
			p.logger.Warn().Err(err).Int64("entity_id", n.EntityID).Msg("failed to store embedding")
			report.recordFailure(n.EntityID)
		}
		mu.Unlock()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return nil
}
