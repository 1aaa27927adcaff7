package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"golang.org/x/sync/errgroup"
)

// parallelScanThreshold is the partition size above which similarity is
// computed across CPUs.
const parallelScanThreshold = 2048

// BadgerConfig configures the embedded BadgerDB database.
type BadgerConfig struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// BadgerDB manages the Badger database connection. It is shared by the scan
// backend and the persistent ingestion status store.
type BadgerDB struct {
	store     *badgerhold.Store
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// badgerLoggerAdapter adapts slog.Logger to the badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadgerDB opens the database at cfg.Path, creating the directory if
// needed, or an in-memory database when cfg.InMemory is set.
func OpenBadgerDB(cfg BadgerConfig) (*BadgerDB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badger")

	options := badgerhold.DefaultOptions
	if cfg.InMemory {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: badger path not configured", ErrBackendUnavailable)
		}
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		options.Dir = cfg.Path
		options.ValueDir = cfg.Path
	}
	options.Logger = &badgerLoggerAdapter{logger: logger}

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug("badger database opened", "path", cfg.Path, "in_memory", cfg.InMemory)
	return &BadgerDB{store: store, logger: logger}, nil
}

// Store returns the underlying badgerhold store.
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Close closes the database. Safe to call more than once.
func (b *BadgerDB) Close() error {
	b.closeOnce.Do(func() {
		if b.store != nil {
			b.closeErr = b.store.Close()
		}
	})
	return b.closeErr
}

// BadgerStorageConfig configures the scan backend.
type BadgerStorageConfig struct {
	Dimension  int
	BatchSize  int
	BatchDelay time.Duration
	Logger     *slog.Logger
}

// BadgerStorage is the scan backend: records partitioned by scope in an
// embedded key-value store, searched by brute-force cosine similarity.
type BadgerStorage struct {
	db         *BadgerDB
	dimension  int
	batchSize  int
	batchDelay time.Duration
	logger     *slog.Logger
}

var (
	_ VectorBackend   = (*BadgerStorage)(nil)
	_ DocumentDeleter = (*BadgerStorage)(nil)
	_ ScopeDeleter    = (*BadgerStorage)(nil)
	_ Counter         = (*BadgerStorage)(nil)
)

// NewBadgerStorage creates a scan backend over an open database.
func NewBadgerStorage(db *BadgerDB, cfg BadgerStorageConfig) *BadgerStorage {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultStoreBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BadgerStorage{
		db:         db,
		dimension:  cfg.Dimension,
		batchSize:  cfg.BatchSize,
		batchDelay: cfg.BatchDelay,
		logger:     cfg.Logger.With("component", "scan_store"),
	}
}

// Kind reports BackendScan.
func (s *BadgerStorage) Kind() BackendKind { return BackendScan }

// Health reports whether the database is open.
func (s *BadgerStorage) Health(ctx context.Context) error {
	if s.db == nil || s.db.store == nil || s.db.store.Badger().IsClosed() {
		return fmt.Errorf("%w: badger database closed", ErrBackendUnavailable)
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

// Upsert writes each record under its id, collecting per-item failures.
func (s *BadgerStorage) Upsert(ctx context.Context, records []*StoredChunkRecord) (*BatchResult, error) {
	result := &BatchResult{}
	limiter := newBatchLimiter(s.batchDelay)

	for i := 0; i < len(records); i += s.batchSize {
		end := min(i+s.batchSize, len(records))
		if err := limiter.Wait(ctx); err != nil {
			return result, err
		}

		for _, r := range records[i:end] {
			if err := s.upsertOne(r); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", recordLabel(r), err))
				continue
			}
			result.Successful++
		}
	}
	return result, nil
}

func (s *BadgerStorage) upsertOne(r *StoredChunkRecord) error {
	if err := validateRecord(r); err != nil {
		return err
	}
	if s.dimension > 0 && len(r.Vector) != s.dimension {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(r.Vector), s.dimension)
	}
	if r.ID == "" {
		r.ID = RecordID(r.ScopeID, r.DocumentID, r.ChunkIndex)
	}
	if err := s.db.Store().Upsert(r.ID, r); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Search loads every record of the scope and ranks them by cosine similarity
// against the query vector.
func (s *BadgerStorage) Search(ctx context.Context, req *SearchRequest) ([]*RetrievalResult, error) {
	if req.ScopeID == "" {
		return nil, ErrScopeRequired
	}
	if len(req.QueryVector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", ErrDimensionMismatch)
	}
	if s.dimension > 0 && len(req.QueryVector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(req.QueryVector), s.dimension)
	}
	if req.TopK <= 0 {
		return []*RetrievalResult{}, nil
	}

	records, err := s.findScope(req.ScopeID, "")
	if err != nil {
		return nil, err
	}

	scores, err := s.score(ctx, records, req.QueryVector)
	if err != nil {
		return nil, err
	}

	results := make([]*RetrievalResult, 0, len(records))
	for i, r := range records {
		if scores[i] < req.SimilarityThreshold {
			continue
		}
		results = append(results, &RetrievalResult{
			DocumentID:      r.DocumentID,
			ChunkIndex:      r.ChunkIndex,
			Content:         r.Text,
			Filename:        r.Filename,
			SimilarityScore: scores[i],
			BackendUsed:     BackendScan,
		})
	}

	SortByRank(results)
	if len(results) > req.TopK {
		results = results[:req.TopK]
	}

	s.logger.Debug("scan search", "scope_id", req.ScopeID, "scanned", len(records), "results", len(results))
	return results, nil
}

// score computes the similarity of every record to query. Large partitions
// are split across CPUs.
func (s *BadgerStorage) score(ctx context.Context, records []StoredChunkRecord, query []float32) ([]float64, error) {
	scores := make([]float64, len(records))
	if len(records) < parallelScanThreshold {
		for i := range records {
			scores[i] = CosineSimilarity(query, records[i].Vector)
		}
		return scores, nil
	}

	workers := runtime.NumCPU()
	size := (len(records) + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%256 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				scores[i] = CosineSimilarity(query, records[i].Vector)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (s *BadgerStorage) findScope(scopeID, documentID string) ([]StoredChunkRecord, error) {
	query := badgerhold.Where("ScopeID").Eq(scopeID).Index("ScopeID")
	if documentID != "" {
		query = query.And("DocumentID").Eq(documentID)
	}

	var records []StoredChunkRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to load scope %s: %w", scopeID, err)
	}
	return records, nil
}

// DeleteByDocument removes the chunks of one document within the scope.
func (s *BadgerStorage) DeleteByDocument(ctx context.Context, scopeID, documentID string) (int, error) {
	if scopeID == "" {
		return 0, ErrScopeRequired
	}
	if documentID == "" {
		return 0, fmt.Errorf("%w: document id is required", ErrInvalidRecord)
	}
	records, err := s.findScope(scopeID, documentID)
	if err != nil {
		return 0, err
	}
	return s.deleteRecords(ctx, records)
}

// DeleteByScope removes every chunk of the scope.
func (s *BadgerStorage) DeleteByScope(ctx context.Context, scopeID string) (int, error) {
	if scopeID == "" {
		return 0, ErrScopeRequired
	}
	records, err := s.findScope(scopeID, "")
	if err != nil {
		return 0, err
	}
	return s.deleteRecords(ctx, records)
}

// deleteRecords deletes in paced batches. Records already gone count as
// neither deleted nor failed.
func (s *BadgerStorage) deleteRecords(ctx context.Context, records []StoredChunkRecord) (int, error) {
	limiter := newBatchLimiter(s.batchDelay)
	deleted := 0
	var errs []error

	for i := 0; i < len(records); i += s.batchSize {
		end := min(i+s.batchSize, len(records))
		if err := limiter.Wait(ctx); err != nil {
			return deleted, err
		}

		for _, r := range records[i:end] {
			err := s.db.Store().Delete(r.ID, &StoredChunkRecord{})
			switch {
			case err == nil:
				deleted++
			case errors.Is(err, badgerhold.ErrNotFound):
			default:
				errs = append(errs, fmt.Errorf("record %s: %w", r.ID, err))
			}
		}
	}

	if len(errs) > 0 {
		return deleted, fmt.Errorf("failed to delete %d records: %w", len(errs), errors.Join(errs...))
	}
	return deleted, nil
}

// Count returns the number of chunks in the scope.
func (s *BadgerStorage) Count(ctx context.Context, scopeID string) (int, error) {
	if scopeID == "" {
		return 0, ErrScopeRequired
	}
	count, err := s.db.Store().Count(&StoredChunkRecord{}, badgerhold.Where("ScopeID").Eq(scopeID).Index("ScopeID"))
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return int(count), nil
}
