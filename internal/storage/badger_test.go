package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBadgerStorage(t *testing.T, dimension int) *BadgerStorage {
	t.Helper()
	db, err := OpenBadgerDB(BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewBadgerStorage(db, BadgerStorageConfig{
		Dimension:  dimension,
		BatchSize:  10,
		BatchDelay: 0,
	})
}

func record(scope, doc string, idx int, vector ...float32) *StoredChunkRecord {
	return &StoredChunkRecord{
		ID:         RecordID(scope, doc, idx),
		ScopeID:    scope,
		DocumentID: doc,
		ChunkIndex: idx,
		Text:       fmt.Sprintf("%s chunk %d", doc, idx),
		Vector:     vector,
		Filename:   doc + ".pdf",
		UploadedBy: "analyst@example.com",
		UploadedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ModelID:    "mock-embedding",
		Metadata:   map[string]string{"source": "upload"},
	}
}

func TestBadgerStorage_UpsertAndSearch(t *testing.T) {
	s := setupBadgerStorage(t, 3)
	ctx := context.Background()

	res, err := s.Upsert(ctx, []*StoredChunkRecord{
		record("eng-1", "doc-a", 0, 1, 0, 0),
		record("eng-1", "doc-a", 1, 0.9, 0.1, 0),
		record("eng-1", "doc-b", 0, 0, 1, 0),
		record("eng-2", "doc-c", 0, 1, 0, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Successful)
	assert.Empty(t, res.Errors)

	results, err := s.Search(ctx, &SearchRequest{
		QueryVector:         []float32{1, 0, 0},
		ScopeID:             "eng-1",
		TopK:                5,
		SimilarityThreshold: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "doc-a", results[0].DocumentID)
	assert.Equal(t, 0, results[0].ChunkIndex)
	assert.InDelta(t, 1.0, results[0].SimilarityScore, 1e-6)
	assert.Equal(t, "doc-a.pdf", results[0].Filename)
	assert.Equal(t, BackendScan, results[0].BackendUsed)
	assert.Equal(t, 1, results[1].ChunkIndex)

	for _, r := range results {
		assert.GreaterOrEqual(t, r.SimilarityScore, 0.5)
	}
}

func TestBadgerStorage_SearchTopKAndIsolation(t *testing.T) {
	s := setupBadgerStorage(t, 2)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []*StoredChunkRecord{
		record("eng-1", "doc-a", 0, 1, 0),
		record("eng-1", "doc-a", 1, 1, 0.2),
		record("eng-1", "doc-a", 2, 1, 0.4),
		record("eng-2", "doc-x", 0, 1, 0),
	})
	require.NoError(t, err)

	results, err := s.Search(ctx, &SearchRequest{QueryVector: []float32{1, 0}, ScopeID: "eng-1", TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].ChunkIndex)

	results, err = s.Search(ctx, &SearchRequest{QueryVector: []float32{1, 0}, ScopeID: "eng-3", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = s.Search(ctx, &SearchRequest{QueryVector: []float32{1, 0}, TopK: 5})
	assert.ErrorIs(t, err, ErrScopeRequired)
}

func TestBadgerStorage_UpsertPartialFailure(t *testing.T) {
	s := setupBadgerStorage(t, 2)
	ctx := context.Background()

	records := make([]*StoredChunkRecord, 0, 25)
	for i := 0; i < 24; i++ {
		records = append(records, record("eng-1", "doc-a", i, 1, float32(i)))
	}
	records = append(records, record("eng-1", "doc-a", 24, 1, 2, 3))

	res, err := s.Upsert(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 24, res.Successful)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "dimension mismatch")

	count, err := s.Count(ctx, "eng-1")
	require.NoError(t, err)
	assert.Equal(t, 24, count)
}

func TestBadgerStorage_UpsertOverwrites(t *testing.T) {
	s := setupBadgerStorage(t, 2)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []*StoredChunkRecord{record("eng-1", "doc-a", 0, 1, 0)})
	require.NoError(t, err)

	updated := record("eng-1", "doc-a", 0, 0, 1)
	updated.Text = "revised"
	_, err = s.Upsert(ctx, []*StoredChunkRecord{updated})
	require.NoError(t, err)

	count, err := s.Count(ctx, "eng-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := s.Search(ctx, &SearchRequest{QueryVector: []float32{0, 1}, ScopeID: "eng-1", TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "revised", results[0].Content)
}

func TestBadgerStorage_Delete(t *testing.T) {
	s := setupBadgerStorage(t, 2)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []*StoredChunkRecord{
		record("eng-1", "doc-a", 0, 1, 0),
		record("eng-1", "doc-a", 1, 1, 0),
		record("eng-1", "doc-b", 0, 1, 0),
		record("eng-2", "doc-a", 0, 1, 0),
	})
	require.NoError(t, err)

	deleted, err := s.DeleteByDocument(ctx, "eng-1", "doc-a")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// Already deleted is not an error.
	deleted, err = s.DeleteByDocument(ctx, "eng-1", "doc-a")
	require.NoError(t, err)
	assert.Zero(t, deleted)

	// The same document id in another scope is untouched.
	count, err := s.Count(ctx, "eng-2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	deleted, err = s.DeleteByScope(ctx, "eng-1")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	count, err = s.Count(ctx, "eng-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = s.DeleteByScope(ctx, "")
	assert.ErrorIs(t, err, ErrScopeRequired)
}

func TestBadgerStorage_ParallelScan(t *testing.T) {
	s := setupBadgerStorage(t, 2)
	s.batchSize = 500
	ctx := context.Background()

	n := parallelScanThreshold + 10
	records := make([]*StoredChunkRecord, n)
	for i := range records {
		records[i] = record("big", "doc", i, 1, float32(i))
	}
	res, err := s.Upsert(ctx, records)
	require.NoError(t, err)
	require.Equal(t, n, res.Successful)

	results, err := s.Search(ctx, &SearchRequest{QueryVector: []float32{1, 0}, ScopeID: "big", TopK: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 0, results[0].ChunkIndex)
	assert.Equal(t, 1, results[1].ChunkIndex)
	assert.Equal(t, 2, results[2].ChunkIndex)
}

func TestBadgerStorage_Health(t *testing.T) {
	s := setupBadgerStorage(t, 2)
	require.NoError(t, s.Health(context.Background()))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Health(context.Background()), ErrBackendUnavailable)
	// Second close is a no-op.
	assert.NoError(t, s.Close())
}

func TestBadgerStorage_SearchDimensionMismatch(t *testing.T) {
	s := setupBadgerStorage(t, 4)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []*StoredChunkRecord{record("eng-1", "doc-a", 0, 1, 0, 0, 0)})
	require.NoError(t, err)

	results, err := s.Search(ctx, &SearchRequest{
		QueryVector: []float32{1, 0},
		ScopeID:     "eng-1",
		TopK:        5,
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Empty(t, results)
}
