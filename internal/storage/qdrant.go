package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/time/rate"
)

// Payload field names.
const (
	fieldScopeID     = "scope_id"
	fieldDocumentID  = "document_id"
	fieldChunkIndex  = "chunk_index"
	fieldText        = "text"
	fieldFilename    = "filename"
	fieldUploadedBy  = "uploaded_by"
	fieldUploadedAt  = "uploaded_at"
	fieldModelID     = "model_id"
	fieldTokenCount  = "token_count"
	fieldStartOffset = "start_offset"
	fieldEndOffset   = "end_offset"
	fieldMetadata    = "metadata"
)

const (
	DefaultStoreBatchSize  = 100
	DefaultStoreBatchDelay = 50 * time.Millisecond
)

// QdrantConfig configures the index backend.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int

	// Hybrid adds a keyword query over the text field to every search.
	Hybrid bool

	BatchSize  int
	BatchDelay time.Duration
	Logger     *slog.Logger
}

// QdrantStorage is the index backend: a Qdrant collection with a dense
// cosine vector, a keyword-indexed scope field and a full-text indexed
// content field.
type QdrantStorage struct {
	client     *qdrant.Client
	collection string
	dimension  int
	hybrid     bool
	batchSize  int
	batchDelay time.Duration
	logger     *slog.Logger
}

var (
	_ VectorBackend   = (*QdrantStorage)(nil)
	_ DocumentDeleter = (*QdrantStorage)(nil)
	_ ScopeDeleter    = (*QdrantStorage)(nil)
	_ Counter         = (*QdrantStorage)(nil)
)

// NewQdrantStorage creates a Qdrant client and validates connectivity.
// It retries the health check with exponential backoff and fails if Qdrant
// stays unreachable.
func NewQdrantStorage(ctx context.Context, cfg QdrantConfig) (*QdrantStorage, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: qdrant host not configured", ErrBackendUnavailable)
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollectionName
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultStoreBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStorage{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		hybrid:     cfg.Hybrid,
		batchSize:  cfg.BatchSize,
		batchDelay: cfg.BatchDelay,
		logger:     cfg.Logger.With("component", "qdrant", "collection", cfg.Collection),
	}

	if err := s.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	return s, nil
}

func newRetryBackOff(ctx context.Context) backoff.BackOff {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(exponentialBackoff, ctx)
}

// healthCheckWithRetry: initial interval 500ms, max interval 10s, max elapsed 30s.
func (s *QdrantStorage) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, newRetryBackOff(ctx))
}

// Kind reports BackendIndex.
func (s *QdrantStorage) Kind() BackendKind { return BackendIndex }

// Health performs a single health check against Qdrant.
func (s *QdrantStorage) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the collection and its payload indexes if missing.
// An existing collection must use the configured vector dimension.
// Idempotent.
func (s *QdrantStorage) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return s.checkDimension(ctx)
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			VectorName: {
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	if err := s.createPayloadIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}
	s.logger.Info("created collection", "dimension", s.dimension)
	return nil
}

func (s *QdrantStorage) checkDimension(ctx context.Context) error {
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()[VectorName]
	if params == nil {
		return fmt.Errorf("collection %s has no %q vector", s.collection, VectorName)
	}
	if s.dimension > 0 && params.GetSize() != uint64(s.dimension) {
		return fmt.Errorf("%w: collection has %d dimensions, expected %d",
			ErrDimensionMismatch, params.GetSize(), s.dimension)
	}
	return nil
}

// createPayloadIndexes indexes the filter fields as keywords and the chunk
// text for full-text matching.
func (s *QdrantStorage) createPayloadIndexes(ctx context.Context) error {
	indexes := []struct {
		field string
		kind  qdrant.FieldType
	}{
		{fieldScopeID, qdrant.FieldType_FieldTypeKeyword},
		{fieldDocumentID, qdrant.FieldType_FieldTypeKeyword},
		{fieldText, qdrant.FieldType_FieldTypeText},
	}

	for _, idx := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      idx.field,
			FieldType:      idx.kind.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", idx.field, err)
		}
	}
	return nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *QdrantStorage) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	}
	return backoff.Retry(operation, newRetryBackOff(ctx))
}

// Upsert writes records in batches of the configured size, pacing batches by
// the batch delay. Invalid records and failed batches are reported per item.
func (s *QdrantStorage) Upsert(ctx context.Context, records []*StoredChunkRecord) (*BatchResult, error) {
	result := &BatchResult{}
	if len(records) == 0 {
		return result, nil
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if err := s.validate(r); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", recordLabel(r), err))
			continue
		}
		points = append(points, toPoint(r))
		ids = append(ids, r.ID)
	}

	limiter := newBatchLimiter(s.batchDelay)
	for i := 0; i < len(points); i += s.batchSize {
		end := min(i+s.batchSize, len(points))

		if err := limiter.Wait(ctx); err != nil {
			return result, err
		}

		if err := s.upsertWithRetry(ctx, points[i:end]); err != nil {
			s.logger.Warn("upsert batch failed", "from", i, "to", end, "err", err)
			for _, id := range ids[i:end] {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", id, err))
			}
			continue
		}
		result.Successful += end - i
	}

	return result, nil
}

func (s *QdrantStorage) validate(r *StoredChunkRecord) error {
	if err := validateRecord(r); err != nil {
		return err
	}
	if s.dimension > 0 && len(r.Vector) != s.dimension {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(r.Vector), s.dimension)
	}
	return nil
}

func toPoint(r *StoredChunkRecord) *qdrant.PointStruct {
	id := r.ID
	if id == "" {
		id = RecordID(r.ScopeID, r.DocumentID, r.ChunkIndex)
	}

	metadata := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		metadata[k] = v
	}

	return &qdrant.PointStruct{
		Id: qdrant.NewIDUUID(id),
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
			VectorName: qdrant.NewVector(r.Vector...),
		}),
		Payload: qdrant.NewValueMap(map[string]any{
			fieldScopeID:     r.ScopeID,
			fieldDocumentID:  r.DocumentID,
			fieldChunkIndex:  r.ChunkIndex,
			fieldText:        r.Text,
			fieldFilename:    r.Filename,
			fieldUploadedBy:  r.UploadedBy,
			fieldUploadedAt:  r.UploadedAt.UTC().Format(time.RFC3339),
			fieldModelID:     r.ModelID,
			fieldTokenCount:  r.TokenCount,
			fieldStartOffset: r.StartOffset,
			fieldEndOffset:   r.EndOffset,
			fieldMetadata:    metadata,
		}),
	}
}

// Search runs a dense vector query restricted to the scope. With hybrid search
// enabled and query text present, a second dense query restricted to chunks
// that mention a query term runs alongside it. With semantic ranking the two
// lists are fused with reciprocal rank fusion and results carry a reranker
// score and highlights; otherwise they are merged by similarity.
func (s *QdrantStorage) Search(ctx context.Context, req *SearchRequest) ([]*RetrievalResult, error) {
	if req.ScopeID == "" {
		return nil, ErrScopeRequired
	}
	if s.dimension > 0 && len(req.QueryVector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(req.QueryVector), s.dimension)
	}
	if req.TopK <= 0 {
		return []*RetrievalResult{}, nil
	}

	scope := qdrant.NewMatch(fieldScopeID, req.ScopeID)
	// Over-fetch when fusing so the fused top K has candidates from both lists.
	limit := req.TopK
	if s.hybrid {
		limit = req.TopK * 2
	}

	dense, err := s.query(ctx, req, &qdrant.Filter{Must: []*qdrant.Condition{scope}}, limit)
	if err != nil {
		return nil, err
	}

	lists := [][]*RetrievalResult{dense}
	if terms := QueryTerms(req.QueryText); s.hybrid && len(terms) > 0 {
		should := make([]*qdrant.Condition, len(terms))
		for i, term := range terms {
			should[i] = qdrant.NewMatchText(fieldText, term)
		}
		keyword, err := s.query(ctx, req, &qdrant.Filter{
			Must:   []*qdrant.Condition{scope},
			Should: should,
		}, limit)
		if err != nil {
			return nil, err
		}
		lists = append(lists, keyword)
	}

	var results []*RetrievalResult
	if req.UseSemanticRanking {
		results = FuseRRF(DefaultRRFConstant, lists...)
		for _, r := range results {
			r.Highlights = Highlights(r.Content, req.QueryText)
		}
	} else {
		results = MergeUnique(lists...)
	}

	if len(results) > req.TopK {
		results = results[:req.TopK]
	}
	return results, nil
}

func (s *QdrantStorage) query(ctx context.Context, req *SearchRequest, filter *qdrant.Filter, limit int) ([]*RetrievalResult, error) {
	vectorName := VectorName
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(req.QueryVector...),
		Using:          &vectorName,
		Filter:         filter,
		ScoreThreshold: qdrant.PtrOf(float32(req.SimilarityThreshold)),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	results := make([]*RetrievalResult, 0, len(points))
	for _, p := range points {
		score := float64(p.GetScore())
		// Guard against float32 rounding at the threshold boundary.
		if score < req.SimilarityThreshold {
			continue
		}
		payload := p.GetPayload()
		results = append(results, &RetrievalResult{
			DocumentID:      payload[fieldDocumentID].GetStringValue(),
			ChunkIndex:      int(payload[fieldChunkIndex].GetIntegerValue()),
			Content:         payload[fieldText].GetStringValue(),
			Filename:        payload[fieldFilename].GetStringValue(),
			SimilarityScore: score,
			BackendUsed:     BackendIndex,
		})
	}
	return results, nil
}

// DeleteByFilter removes every record matching the filter and returns how
// many were removed.
func (s *QdrantStorage) DeleteByFilter(ctx context.Context, f Filter) (int, error) {
	filter, err := toQdrantFilter(f)
	if err != nil {
		return 0, err
	}

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete points: %w", err)
	}

	s.logger.Debug("deleted points", "scope_id", f.ScopeID, "document_id", f.DocumentID, "count", count)
	return int(count), nil
}

// DeleteByDocument removes the chunks of one document.
func (s *QdrantStorage) DeleteByDocument(ctx context.Context, scopeID, documentID string) (int, error) {
	if documentID == "" {
		return 0, fmt.Errorf("%w: document id is required", ErrInvalidRecord)
	}
	return s.DeleteByFilter(ctx, Filter{ScopeID: scopeID, DocumentID: documentID})
}

// DeleteByScope removes every chunk of the scope.
func (s *QdrantStorage) DeleteByScope(ctx context.Context, scopeID string) (int, error) {
	return s.DeleteByFilter(ctx, Filter{ScopeID: scopeID})
}

// Count returns the number of chunks in the scope.
func (s *QdrantStorage) Count(ctx context.Context, scopeID string) (int, error) {
	filter, err := toQdrantFilter(Filter{ScopeID: scopeID})
	if err != nil {
		return 0, err
	}
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(count), nil
}

func toQdrantFilter(f Filter) (*qdrant.Filter, error) {
	if strings.TrimSpace(f.ScopeID) == "" {
		return nil, ErrScopeRequired
	}
	must := []*qdrant.Condition{qdrant.NewMatch(fieldScopeID, f.ScopeID)}
	if f.DocumentID != "" {
		must = append(must, qdrant.NewMatch(fieldDocumentID, f.DocumentID))
	}
	return &qdrant.Filter{Must: must}, nil
}

// newBatchLimiter spaces consecutive batches by delay; the first batch runs
// immediately.
func newBatchLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func recordLabel(r *StoredChunkRecord) string {
	if r == nil {
		return "<nil>"
	}
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%s#%d", r.DocumentID, r.ChunkIndex)
}
