package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/scrypster/riahunter/internal/config"
	"github.com/scrypster/riahunter/internal/corpus"
	"github.com/scrypster/riahunter/internal/embedding"
	"github.com/scrypster/riahunter/internal/engine"
	"github.com/scrypster/riahunter/internal/index"
	"github.com/scrypster/riahunter/internal/storage"
	"github.com/scrypster/riahunter/internal/storage/postgres"
	"github.com/scrypster/riahunter/internal/storage/sqlite"
)

// app holds the components one command invocation needs.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	corpus    *corpus.Corpus
	generator *embedding.Generator
}

type openOptions struct {
	// resetDimension lets the postgres store retype the embedding column.
	resetDimension bool

	// needEmbedder builds the embedding generator.
	needEmbedder bool
}

// openApp opens the store and indexes and, if asked, the generator.
func openApp(cfg *config.Config, logger zerolog.Logger, opts openOptions) (*app, error) {
	store, vectors, lexical, err := openStore(cfg, logger, opts.resetDimension)
	if err != nil {
		return nil, err
	}

	c, err := corpus.New(store, vectors, lexical, corpus.Options{
		SnapshotPath: cfg.Index.SnapshotPath,
		Logger:       logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, corpus: c}
	if opts.needEmbedder {
		provider, err := embedding.NewProvider(cfg.Embedding)
		if err != nil {
			c.Close()
			return nil, err
		}
		a.generator, err = embedding.NewGenerator(provider, embedding.OptionsFromConfig(cfg.Embedding, logger))
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	return a, nil
}

func openStore(cfg *config.Config, logger zerolog.Logger, resetDimension bool) (storage.CorpusStore, storage.VectorIndex, storage.LexicalIndex, error) {
	dim := cfg.Embedding.Dimension
	hnsw := index.DefaultHNSWConfig()
	hnsw.M = cfg.Index.M
	hnsw.EfConstruction = cfg.Index.EfConstruction
	hnsw.EfSearch = cfg.Index.EfSearch
	hnsw.LevelMultiplier = 0

	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.NewCorpusStore(postgres.Options{
			DSN:            cfg.Storage.DSN,
			Dimension:      dim,
			ResetDimension: resetDimension,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Index.Backend == "native" {
			return store, postgres.NewVectorIndex(store), postgres.NewLexicalIndex(store), nil
		}
		return store, index.NewHNSW(dim, hnsw), index.NewTrigram(), nil

	default:
		if dir := filepath.Dir(cfg.Storage.DSN); cfg.Storage.DSN != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, nil, fmt.Errorf("create data directory %q: %w", dir, err)
			}
		}
		store, err := sqlite.NewCorpusStore(cfg.Storage.DSN, dim, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, index.NewHNSW(dim, hnsw), index.NewTrigram(), nil
	}
}

// warm loads the in-memory indexes before a query or embedding run.
func (a *app) warm(ctx context.Context) error {
	report, err := a.corpus.Warm(ctx)
	if err != nil {
		return fmt.Errorf("load indexes: %w", err)
	}
	a.logger.Debug().
		Int("entities", report.Entities).
		Int("narratives", report.Narratives).
		Int("vectors", report.Vectors).
		Msg("indexes ready")
	return nil
}

// flush checkpoints the store after a bulk write and persists the in-memory
// graph.
func (a *app) flush(ctx context.Context) {
	if err := a.corpus.Checkpoint(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to checkpoint corpus store")
	}
	a.saveSnapshot()
}

// saveSnapshot persists the in-memory graph when a snapshot path is set.
func (a *app) saveSnapshot() {
	if err := a.corpus.SaveSnapshot(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to save vector index snapshot")
	}
}

func (a *app) searcher() (*engine.Searcher, error) {
	eng, err := engine.New(a.corpus.Store(), a.corpus.VectorIndex(), a.corpus.LexicalIndex(),
		engine.ConfigFromSettings(a.cfg.Query), a.logger)
	if err != nil {
		return nil, err
	}
	return engine.NewSearcher(eng, a.generator, engine.SearcherOptions{
		CacheSize: a.cfg.Query.CacheSize,
		Timeout:   a.cfg.Query.Timeout,
		Logger:    a.logger,
	})
}

func (a *app) close() {
	if err := a.corpus.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close corpus")
	}
}
