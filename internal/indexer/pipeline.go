package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/bull/evidence-rag/internal/chunker"
	"github.com/bull/evidence-rag/internal/embedding"
	"github.com/bull/evidence-rag/internal/retriever"
	"github.com/bull/evidence-rag/internal/storage"
)

const (
	// DefaultConcurrency bounds documents in flight during a reindex.
	DefaultConcurrency = 3
	// DefaultStoreBatchSize is the number of records per backend write.
	DefaultStoreBatchSize = 100
)

var ErrInvalidInput = errors.New("invalid ingestion input")

// Extractor turns raw file content into plain text.
type Extractor interface {
	Extract(ctx context.Context, filename string, content []byte) (string, error)
}

// ChunkStore is the write side of the retriever.
type ChunkStore interface {
	IsOperational(ctx context.Context) bool
	IngestDocuments(ctx context.Context, records []*storage.StoredChunkRecord) (*storage.BatchResult, error)
	DeleteDocuments(ctx context.Context, scopeID, documentID string) (*retriever.DeleteResult, error)
}

// Document is one source document to ingest. Text wins over Content; when
// Text is empty, Content is run through the Extractor.
type Document struct {
	DocumentID string            `json:"document_id"`
	ScopeID    string            `json:"scope_id"`
	Filename   string            `json:"filename"`
	UploadedBy string            `json:"uploaded_by,omitempty"`
	Text       string            `json:"text,omitempty"`
	Content    []byte            `json:"content,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (d *Document) validate() error {
	switch {
	case strings.TrimSpace(d.DocumentID) == "":
		return fmt.Errorf("%w: document id is required", ErrInvalidInput)
	case strings.TrimSpace(d.ScopeID) == "":
		return fmt.Errorf("%w: scope id is required", ErrInvalidInput)
	case strings.TrimSpace(d.Text) == "" && len(d.Content) == 0:
		return fmt.Errorf("%w: document %s has no text", ErrInvalidInput, d.DocumentID)
	}
	return nil
}

// Config tunes the orchestrator.
type Config struct {
	Concurrency    int
	StoreBatchSize int
}

// Orchestrator runs documents through extract, chunk, embed and store,
// tracking an IngestionStatus per document.
type Orchestrator struct {
	chunker   *chunker.Chunker
	embedder  *embedding.Embedder
	store     ChunkStore
	extractor Extractor
	statuses  StatusStore
	locks     *keyedLock
	pool      *ants.Pool
	batchSize int
	pending   sync.WaitGroup
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an orchestrator. extractor may be nil when callers always
// supply text; statuses defaults to a MemoryStatusStore.
func New(
	chk *chunker.Chunker,
	embedder *embedding.Embedder,
	store ChunkStore,
	extractor Extractor,
	statuses StatusStore,
	cfg Config,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if chk == nil || embedder == nil || store == nil {
		return nil, fmt.Errorf("%w: chunker, embedder and store are required", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if statuses == nil {
		statuses = NewMemoryStatusStore()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.StoreBatchSize <= 0 {
		cfg.StoreBatchSize = DefaultStoreBatchSize
	}

	logger = logger.With("component", "orchestrator")
	pool, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(p any) {
		logger.Error("ingestion task panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Orchestrator{
		chunker:   chk,
		embedder:  embedder,
		store:     store,
		extractor: extractor,
		statuses:  statuses,
		locks:     newKeyedLock(),
		pool:      pool,
		batchSize: cfg.StoreBatchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close waits for submitted ingestions and releases the worker pool.
func (o *Orchestrator) Close() {
	o.pending.Wait()
	o.pool.Release()
}

// Status returns the latest ingestion status of a document.
func (o *Orchestrator) Status(ctx context.Context, documentID string) (*IngestionStatus, error) {
	return o.statuses.Get(ctx, documentID)
}

// ClearStatus forgets the stored status of a document.
func (o *Orchestrator) ClearStatus(ctx context.Context, documentID string) error {
	return o.statuses.Clear(ctx, documentID)
}

// PruneStatuses drops terminal statuses that completed more than
// retention ago.
func (o *Orchestrator) PruneStatuses(ctx context.Context, retention time.Duration) (int, error) {
	n, err := o.statuses.Prune(ctx, o.now().Add(-retention))
	if err != nil {
		return n, fmt.Errorf("prune statuses: %w", err)
	}
	if n > 0 {
		o.logger.Info("pruned ingestion statuses", "count", n)
	}
	return n, nil
}

// IngestDocument ingests one document synchronously and returns its final
// status. Pipeline failures are reported in the status, not as an error;
// the error is reserved for invalid input.
func (o *Orchestrator) IngestDocument(ctx context.Context, doc Document) (*IngestionStatus, error) {
	st, err := o.begin(ctx, &doc)
	if err != nil {
		return nil, err
	}
	return o.safeRun(ctx, doc, st), nil
}

// Submit starts ingestion in the background and returns the pending status.
// Progress is visible through Status.
func (o *Orchestrator) Submit(ctx context.Context, doc Document) (*IngestionStatus, error) {
	st, err := o.begin(ctx, &doc)
	if err != nil {
		return nil, err
	}
	pending := st.clone()

	runCtx := context.WithoutCancel(ctx)
	o.pending.Add(1)
	go func() {
		err := o.pool.Submit(func() {
			defer o.pending.Done()
			o.safeRun(runCtx, doc, st)
		})
		if err != nil {
			defer o.pending.Done()
			o.fail(runCtx, st, fmt.Errorf("failed to schedule ingestion: %w", err))
		}
	}()
	return pending, nil
}

// Reindex replaces the contents of a scope with docs. Existing records are
// deleted first on a best-effort basis, then documents are ingested through
// the bounded worker pool. Every document gets an entry in the returned map.
func (o *Orchestrator) Reindex(ctx context.Context, scopeID string, docs []Document) (map[string]*IngestionStatus, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, fmt.Errorf("%w: scope id is required", ErrInvalidInput)
	}
	seen := make(map[string]bool, len(docs))
	for i := range docs {
		docs[i].ScopeID = scopeID
		if err := docs[i].validate(); err != nil {
			return nil, err
		}
		if seen[docs[i].DocumentID] {
			return nil, fmt.Errorf("%w: duplicate document id %s", ErrInvalidInput, docs[i].DocumentID)
		}
		seen[docs[i].DocumentID] = true
	}

	start := time.Now()
	if res, err := o.store.DeleteDocuments(ctx, scopeID, ""); err != nil {
		o.logger.Warn("failed to clear scope before reindex, continuing", "scope_id", scopeID, "err", err)
	} else {
		o.logger.Info("cleared scope for reindex", "scope_id", scopeID, "deleted", res.Deleted)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]*IngestionStatus, len(docs))
	)
	setResult := func(st *IngestionStatus) {
		mu.Lock()
		results[st.DocumentID] = st
		mu.Unlock()
	}

	for _, doc := range docs {
		st, err := o.begin(ctx, &doc)
		if err != nil {
			setResult(&IngestionStatus{
				DocumentID: doc.DocumentID,
				ScopeID:    scopeID,
				Status:     StateFailed,
				Error:      err.Error(),
				StartedAt:  o.now(),
			})
			continue
		}

		wg.Add(1)
		err = o.pool.Submit(func() {
			defer wg.Done()
			setResult(o.safeRun(ctx, doc, st))
		})
		if err != nil {
			wg.Done()
			setResult(o.fail(ctx, st, fmt.Errorf("failed to schedule ingestion: %w", err)))
		}
	}
	wg.Wait()

	completed := 0
	for _, st := range results {
		if st.Status == StateCompleted {
			completed++
		}
	}
	o.logger.Info("reindex complete",
		"scope_id", scopeID,
		"documents", len(docs),
		"completed", completed,
		"duration", time.Since(start),
	)
	return results, nil
}

// begin validates the document and records a fresh pending status.
func (o *Orchestrator) begin(ctx context.Context, doc *Document) (*IngestionStatus, error) {
	if err := doc.validate(); err != nil {
		return nil, err
	}
	st := &IngestionStatus{
		DocumentID: doc.DocumentID,
		ScopeID:    doc.ScopeID,
		RunID:      uuid.NewString(),
		Status:     StatePending,
		StartedAt:  o.now(),
	}
	if err := o.statuses.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to record status: %w", err)
	}
	return st, nil
}

// safeRun is run with panics converted into a failed status.
func (o *Orchestrator) safeRun(ctx context.Context, doc Document, st *IngestionStatus) (result *IngestionStatus) {
	defer func() {
		if p := recover(); p != nil {
			result = o.fail(ctx, st, fmt.Errorf("ingestion panicked: %v", p))
		}
	}()
	return o.run(ctx, doc, st)
}

// run executes the pipeline for one document. Runs for the same document id
// are serialized; a later run waits for the earlier one and its writes win.
func (o *Orchestrator) run(ctx context.Context, doc Document, st *IngestionStatus) *IngestionStatus {
	logger := o.logger.With("document_id", doc.DocumentID, "scope_id", doc.ScopeID)

	unlock, err := o.locks.Lock(ctx, doc.DocumentID)
	if err != nil {
		return o.fail(ctx, st, err)
	}
	defer unlock()

	if !o.store.IsOperational(ctx) {
		st.Error = retriever.ErrNotOperational.Error()
		o.finish(ctx, st, StateSkipped)
		logger.Warn("ingestion skipped, retrieval not operational")
		return st
	}

	if err := st.advance(StateProcessing, o.now()); err != nil {
		return o.fail(ctx, st, err)
	}
	st.TotalChunks = 0
	o.save(ctx, st)

	text, err := o.extract(ctx, doc)
	if err != nil {
		return o.fail(ctx, st, err)
	}
	text = o.embedder.TruncateDocument(doc.DocumentID, text)

	chunks, err := o.chunker.Chunk(doc.DocumentID, text)
	if err != nil {
		return o.fail(ctx, st, fmt.Errorf("chunk: %w", err))
	}
	if len(chunks) == 0 {
		return o.fail(ctx, st, fmt.Errorf("document %s produced no chunks", doc.DocumentID))
	}
	st.TotalChunks = len(chunks)
	o.save(ctx, st)

	vectors, err := o.embedder.Embed(ctx, chunks, doc.DocumentID)
	if err != nil {
		return o.fail(ctx, st, fmt.Errorf("embeddings: %w", err))
	}

	// Drop the previous version's chunks so a shorter document leaves no tail.
	if _, err := o.store.DeleteDocuments(ctx, doc.ScopeID, doc.DocumentID); err != nil {
		logger.Warn("failed to remove previous chunks", "err", err)
	}

	records := o.toRecords(doc, vectors)
	for i := 0; i < len(records); i += o.batchSize {
		end := min(i+o.batchSize, len(records))
		res, err := o.store.IngestDocuments(ctx, records[i:end])
		if err != nil {
			st.BatchErrors = append(st.BatchErrors, fmt.Sprintf("batch %d-%d: %v", i, end, err))
		}
		if res != nil {
			st.ChunksProcessed += res.Successful
			st.BatchErrors = append(st.BatchErrors, res.Errors...)
		}
		o.save(ctx, st)
	}

	if st.ChunksProcessed == 0 {
		reason := "backend stored no chunks"
		if len(st.BatchErrors) > 0 {
			reason = fmt.Sprintf("%s: %s", reason, st.BatchErrors[0])
		}
		return o.fail(ctx, st, errors.New(reason))
	}

	o.finish(ctx, st, StateCompleted)
	logger.Info("indexed document",
		"chunks", st.TotalChunks,
		"stored", st.ChunksProcessed,
		"errors", len(st.BatchErrors),
	)
	return st
}

func (o *Orchestrator) extract(ctx context.Context, doc Document) (string, error) {
	if strings.TrimSpace(doc.Text) != "" {
		return doc.Text, nil
	}
	if o.extractor == nil {
		return "", fmt.Errorf("no extractor configured for %s", doc.Filename)
	}
	text, err := o.extractor.Extract(ctx, doc.Filename, doc.Content)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text extraction returned no content for %s", doc.Filename)
	}
	return text, nil
}

func (o *Orchestrator) toRecords(doc Document, vectors []embedding.EmbeddingVector) []*storage.StoredChunkRecord {
	uploadedAt := o.now()
	records := make([]*storage.StoredChunkRecord, len(vectors))
	for i, v := range vectors {
		metadata := make(map[string]string, len(doc.Metadata))
		for k, val := range doc.Metadata {
			metadata[k] = val
		}
		records[i] = &storage.StoredChunkRecord{
			ID:          storage.RecordID(doc.ScopeID, doc.DocumentID, v.Chunk.ChunkIndex),
			ScopeID:     doc.ScopeID,
			DocumentID:  doc.DocumentID,
			ChunkIndex:  v.Chunk.ChunkIndex,
			Text:        v.Chunk.Text,
			Vector:      v.Vector,
			Filename:    doc.Filename,
			UploadedBy:  doc.UploadedBy,
			UploadedAt:  uploadedAt,
			ModelID:     v.ModelID,
			TokenCount:  v.Chunk.EstimatedTokenCount,
			StartOffset: v.Chunk.StartOffset,
			EndOffset:   v.Chunk.EndOffset,
			Metadata:    metadata,
		}
	}
	return records
}

func (o *Orchestrator) fail(ctx context.Context, st *IngestionStatus, err error) *IngestionStatus {
	st.Error = err.Error()
	o.finish(ctx, st, StateFailed)
	o.logger.Warn("ingestion failed", "document_id", st.DocumentID, "err", err)
	return st
}

func (o *Orchestrator) finish(ctx context.Context, st *IngestionStatus, to State) {
	if err := st.advance(to, o.now()); err != nil {
		o.logger.Warn("status transition rejected", "document_id", st.DocumentID, "err", err)
		return
	}
	o.save(ctx, st)
}

func (o *Orchestrator) save(ctx context.Context, st *IngestionStatus) {
	err := o.statuses.Save(context.WithoutCancel(ctx), st)
	switch {
	case errors.Is(err, ErrSuperseded):
		o.logger.Debug("status superseded by newer run", "document_id", st.DocumentID, "run_id", st.RunID)
	case err != nil:
		o.logger.Warn("failed to save status", "document_id", st.DocumentID, "err", err)
	}
}
