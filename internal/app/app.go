// Package app wires configuration into a running ingestion and retrieval stack.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bull/evidence-rag/internal/chunker"
	"github.com/bull/evidence-rag/internal/config"
	"github.com/bull/evidence-rag/internal/embedding"
	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/markdown"
	"github.com/bull/evidence-rag/internal/retriever"
	"github.com/bull/evidence-rag/internal/search"
	"github.com/bull/evidence-rag/internal/storage"
)

// App holds the assembled components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Embedder  *embedding.Embedder
	Retriever *retriever.Retriever
	Indexer   *indexer.Orchestrator
	Search    *search.Service
	Metrics   *retriever.LogMetrics

	db *storage.BadgerDB
}

// New builds the stack. provider may be nil, in which case the OpenAI
// provider is created from cfg.
func New(ctx context.Context, cfg *config.Config, provider embedding.Provider, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = cfg.Logger()
	}
	a := &App{Config: cfg, Logger: logger}

	if provider == nil {
		p, err := embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:    cfg.Embedding.APIKey,
			BaseURL:   cfg.Embedding.BaseURL,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   cfg.Embedding.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding provider: %w", err)
		}
		provider = p
	}

	a.Embedder = embedding.NewEmbedder(provider,
		embedding.WithBatchSize(cfg.Embedding.BatchSize),
		embedding.WithMaxRetries(cfg.Embedding.MaxRetries),
		embedding.WithBaseDelay(cfg.Embedding.BaseDelay),
		embedding.WithBatchDelay(cfg.Embedding.BatchDelay),
		embedding.WithMaxDocumentLength(cfg.Embedding.MaxDocumentLength),
		embedding.WithLogger(logger),
	)

	if cfg.Badger.Configured() {
		db, err := storage.OpenBadgerDB(storage.BadgerConfig{
			Path:     cfg.Badger.Path,
			InMemory: cfg.Badger.InMemory,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("failed to open badger database, scan backend disabled", "path", cfg.Badger.Path, "err", err)
		} else {
			a.db = db
		}
	}

	a.Metrics = retriever.NewLogMetrics(logger)
	a.Retriever = retriever.New(ctx, retriever.Options{
		Mode:     cfg.Backend,
		Index:    a.indexFactory(),
		Scan:     a.scanFactory(),
		Embedder: a.Embedder,
		Metrics:  a.Metrics,
		Logger:   logger,
	})

	var statuses indexer.StatusStore
	if cfg.Ingestion.PersistStatus && a.db != nil {
		statuses = indexer.NewBadgerStatusStore(a.db)
	}

	orchestrator, err := indexer.New(
		chunker.New(
			chunker.WithChunkSize(cfg.Chunking.ChunkSizeTokens),
			chunker.WithOverlap(cfg.Chunking.ChunkOverlapTokens),
		),
		a.Embedder,
		a.Retriever,
		markdown.NewExtractor(),
		statuses,
		indexer.Config{
			Concurrency:    cfg.Ingestion.ReindexConcurrency,
			StoreBatchSize: cfg.Store.BatchSize,
		},
		logger,
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Indexer = orchestrator

	a.Search = search.NewService(a.Retriever, search.Defaults{
		TopK:                cfg.Search.TopK,
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		UseSemanticRanking:  cfg.Search.UseSemanticRanking,
	}, logger)

	return a, nil
}

func (a *App) indexFactory() retriever.Factory {
	q := a.Config.Qdrant
	if !q.Configured() {
		return nil
	}
	return func(ctx context.Context) (storage.VectorBackend, error) {
		s, err := storage.NewQdrantStorage(ctx, storage.QdrantConfig{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     q.APIKey,
			UseTLS:     q.UseTLS,
			Collection: q.Collection,
			Dimension:  a.Embedder.Dimension(),
			Hybrid:     a.Config.Search.UseHybridSearch,
			BatchSize:  a.Config.Store.BatchSize,
			BatchDelay: a.Config.Store.BatchDelay,
			Logger:     a.Logger,
		})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureCollection(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to ensure collection: %w", err)
		}
		return s, nil
	}
}

func (a *App) scanFactory() retriever.Factory {
	if a.db == nil {
		return nil
	}
	return func(ctx context.Context) (storage.VectorBackend, error) {
		return storage.NewBadgerStorage(a.db, storage.BadgerStorageConfig{
			Dimension:  a.Embedder.Dimension(),
			BatchSize:  a.Config.Store.BatchSize,
			BatchDelay: a.Config.Store.BatchDelay,
			Logger:     a.Logger,
		}), nil
	}
}

// Close stops ingestion and releases backends.
func (a *App) Close() error {
	var errs []error
	if a.Indexer != nil {
		a.Indexer.Close()
	}
	if a.Retriever != nil {
		if err := a.Retriever.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
