// Package retriever selects one vector backend at startup and exposes a
// single read/write surface over it. When no backend can be brought up the
// retriever stays usable and reports itself as not operational: reads return
// no results and writes return ErrNotOperational.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bull/evidence-rag/internal/embedding"
	"github.com/bull/evidence-rag/internal/storage"
)

var (
	// ErrNotOperational is returned by writes when no backend is active.
	ErrNotOperational = errors.New("no vector backend is operational")

	// ErrNotImplemented is returned when the active backend lacks an operation.
	ErrNotImplemented = errors.New("operation not implemented by active backend")
)

// DefaultHealthTTL is how long IsOperational reuses a backend health result.
const DefaultHealthTTL = 5 * time.Second

// Factory opens a backend. A nil Factory means the backend is not configured.
type Factory func(ctx context.Context) (storage.VectorBackend, error)

// QueryEmbedder turns query text into a vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) (*embedding.EmbeddingVector, error)
}

// Options configures backend selection.
type Options struct {
	// Mode is "index", "scan", "none" or empty for automatic selection.
	Mode string

	Index Factory
	Scan  Factory

	Embedder QueryEmbedder
	Metrics  MetricsRecorder
	Logger   *slog.Logger

	// HealthTTL defaults to DefaultHealthTTL.
	HealthTTL time.Duration
}

// Retriever routes reads and writes to the backend chosen at construction.
type Retriever struct {
	backend  storage.VectorBackend
	embedder QueryEmbedder
	metrics  MetricsRecorder
	logger   *slog.Logger

	healthMu  sync.Mutex
	healthy   bool
	checkedAt time.Time
	healthTTL time.Duration
	now       func() time.Time
}

// New selects a backend. Candidates are tried in preference order: the
// index backend first unless Mode is "scan". A candidate that is not
// configured, fails to open or fails its health check is skipped. If none
// succeeds the retriever runs with no backend.
func New(ctx context.Context, opts Options) *Retriever {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "retriever")

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewLogMetrics(logger)
	}

	ttl := opts.HealthTTL
	if ttl <= 0 {
		ttl = DefaultHealthTTL
	}

	r := &Retriever{
		embedder:  opts.Embedder,
		metrics:   metrics,
		logger:    logger,
		healthTTL: ttl,
		now:       time.Now,
	}

	type candidate struct {
		kind    storage.BackendKind
		factory Factory
	}
	index := candidate{storage.BackendIndex, opts.Index}
	scan := candidate{storage.BackendScan, opts.Scan}

	var candidates []candidate
	switch mode := strings.ToLower(strings.TrimSpace(opts.Mode)); mode {
	case string(storage.BackendNone):
		logger.Warn("vector backend explicitly disabled via configuration")
		return r
	case string(storage.BackendScan):
		candidates = []candidate{scan, index}
	case string(storage.BackendIndex), "":
		candidates = []candidate{index, scan}
	default:
		logger.Warn("unknown backend mode, using automatic selection", "mode", mode)
		candidates = []candidate{index, scan}
	}

	for _, c := range candidates {
		if c.factory == nil {
			logger.Debug("backend not configured", "backend", c.kind)
			continue
		}
		backend, err := c.factory(ctx)
		if err != nil {
			logger.Warn("backend initialization failed", "backend", c.kind, "err", err)
			continue
		}
		if err := backend.Health(ctx); err != nil {
			logger.Warn("backend health check failed", "backend", c.kind, "err", err)
			backend.Close()
			continue
		}
		r.backend = backend
		r.healthy, r.checkedAt = true, r.now()
		logger.Info("vector backend selected", "backend", backend.Kind())
		return r
	}

	logger.Warn("no vector backend operational, retrieval disabled")
	return r
}

// Kind returns the active backend kind, or BackendNone.
func (r *Retriever) Kind() storage.BackendKind {
	if r.backend == nil {
		return storage.BackendNone
	}
	return r.backend.Kind()
}

// Backend returns the active backend, or nil.
func (r *Retriever) Backend() storage.VectorBackend {
	return r.backend
}

// IsOperational reports whether a backend is active and healthy. A health
// result is reused for the configured TTL; changes are logged once.
func (r *Retriever) IsOperational(ctx context.Context) bool {
	if r.backend == nil {
		return false
	}

	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	if !r.checkedAt.IsZero() && r.now().Sub(r.checkedAt) < r.healthTTL {
		return r.healthy
	}

	err := r.backend.Health(ctx)
	healthy := err == nil
	switch {
	case !healthy && r.healthy:
		r.logger.Warn("backend not healthy", "backend", r.backend.Kind(), "err", err)
	case healthy && !r.healthy:
		r.logger.Info("backend healthy again", "backend", r.backend.Kind())
	}
	r.healthy, r.checkedAt = healthy, r.now()
	return healthy
}

// Request is a scoped retrieval query.
type Request struct {
	QueryText string
	// QueryVector is derived from QueryText when empty.
	QueryVector         []float32
	ScopeID             string
	TopK                int
	UseSemanticRanking  bool
	SimilarityThreshold float64
}

// Retrieve returns ranked, cited results for the query. With no active
// backend it returns an empty list and no error.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (results []*storage.RetrievalResult, err error) {
	start := time.Now()
	defer func() {
		ev := Event{
			Backend:     r.Kind(),
			QueryLength: len([]rune(req.QueryText)),
			ResultCount: len(results),
			Duration:    time.Since(start),
			Success:     err == nil,
		}
		if err != nil {
			ev.Error = err.Error()
		}
		r.record(ctx, ev)
	}()

	if strings.TrimSpace(req.ScopeID) == "" {
		return nil, storage.ErrScopeRequired
	}
	if r.backend == nil {
		return []*storage.RetrievalResult{}, nil
	}

	vector := req.QueryVector
	if len(vector) == 0 {
		if r.embedder == nil {
			return nil, fmt.Errorf("no query vector and no embedder configured")
		}
		emb, err := r.embedder.EmbedQuery(ctx, req.QueryText)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		vector = emb.Vector
	}

	results, err = r.backend.Search(ctx, &storage.SearchRequest{
		QueryVector:         vector,
		QueryText:           req.QueryText,
		ScopeID:             req.ScopeID,
		TopK:                req.TopK,
		UseSemanticRanking:  req.UseSemanticRanking,
		SimilarityThreshold: req.SimilarityThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("%s search failed: %w", r.backend.Kind(), err)
	}

	storage.SortByRank(results)
	storage.AssignCitations(results)
	return results, nil
}

func (r *Retriever) record(ctx context.Context, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("metrics recorder panicked", "panic", p)
		}
	}()
	if err := r.metrics.Record(ctx, ev); err != nil {
		r.logger.Warn("failed to record metrics", "err", err)
	}
}

// IngestDocuments writes records to the active backend.
func (r *Retriever) IngestDocuments(ctx context.Context, records []*storage.StoredChunkRecord) (*storage.BatchResult, error) {
	if r.backend == nil {
		return nil, ErrNotOperational
	}
	return r.backend.Upsert(ctx, records)
}

// DeleteStatus describes the outcome of a delete.
type DeleteStatus string

const (
	DeleteStatusDeleted        DeleteStatus = "deleted"
	DeleteStatusNotImplemented DeleteStatus = "not_implemented"
	DeleteStatusNotOperational DeleteStatus = "not_operational"
)

// DeleteResult reports how many chunks a delete removed.
type DeleteResult struct {
	Deleted int          `json:"deleted"`
	Status  DeleteStatus `json:"status"`
}

// DeleteDocuments removes one document's chunks, or the whole scope when
// documentID is empty. Unsupported combinations return a not_implemented
// status together with ErrNotImplemented.
func (r *Retriever) DeleteDocuments(ctx context.Context, scopeID, documentID string) (*DeleteResult, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, storage.ErrScopeRequired
	}
	if r.backend == nil {
		return &DeleteResult{Status: DeleteStatusNotOperational}, ErrNotOperational
	}

	var (
		deleted int
		err     error
	)
	if documentID == "" {
		deleter, ok := r.backend.(storage.ScopeDeleter)
		if !ok {
			return &DeleteResult{Status: DeleteStatusNotImplemented}, ErrNotImplemented
		}
		deleted, err = deleter.DeleteByScope(ctx, scopeID)
	} else {
		deleter, ok := r.backend.(storage.DocumentDeleter)
		if !ok {
			return &DeleteResult{Status: DeleteStatusNotImplemented}, ErrNotImplemented
		}
		deleted, err = deleter.DeleteByDocument(ctx, scopeID, documentID)
	}
	if err != nil {
		return &DeleteResult{Deleted: deleted, Status: DeleteStatusDeleted}, err
	}

	r.logger.Info("deleted chunks", "scope_id", scopeID, "document_id", documentID, "count", deleted)
	return &DeleteResult{Deleted: deleted, Status: DeleteStatusDeleted}, nil
}

// Count returns the number of chunks stored for the scope.
func (r *Retriever) Count(ctx context.Context, scopeID string) (int, error) {
	if strings.TrimSpace(scopeID) == "" {
		return 0, storage.ErrScopeRequired
	}
	if r.backend == nil {
		return 0, ErrNotOperational
	}
	counter, ok := r.backend.(storage.Counter)
	if !ok {
		return 0, ErrNotImplemented
	}
	return counter.Count(ctx, scopeID)
}

// Close releases the active backend.
func (r *Retriever) Close() error {
	if r.backend == nil {
		return nil
	}
	return r.backend.Close()
}
