package retriever

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/evidence-rag/internal/embedding"
	"github.com/bull/evidence-rag/internal/embedding/mock"
	"github.com/bull/evidence-rag/internal/storage"
)

// fakeBackend implements only the required VectorBackend methods.
type fakeBackend struct {
	kind      storage.BackendKind
	healthErr error
	results   []*storage.RetrievalResult
	searchErr error
	lastReq   *storage.SearchRequest
	upserted  int
	closed    bool
	checks    int
}

func (f *fakeBackend) Kind() storage.BackendKind { return f.kind }

func (f *fakeBackend) Upsert(ctx context.Context, records []*storage.StoredChunkRecord) (*storage.BatchResult, error) {
	f.upserted += len(records)
	return &storage.BatchResult{Successful: len(records)}, nil
}

func (f *fakeBackend) Search(ctx context.Context, req *storage.SearchRequest) ([]*storage.RetrievalResult, error) {
	f.lastReq = req
	return f.results, f.searchErr
}

func (f *fakeBackend) Health(ctx context.Context) error {
	f.checks++
	return f.healthErr
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

// deletingBackend adds the optional delete and count operations.
type deletingBackend struct {
	fakeBackend
	deletedScope string
	deletedDoc   string
}

func (d *deletingBackend) DeleteByDocument(ctx context.Context, scopeID, documentID string) (int, error) {
	d.deletedScope, d.deletedDoc = scopeID, documentID
	return 2, nil
}

func (d *deletingBackend) DeleteByScope(ctx context.Context, scopeID string) (int, error) {
	d.deletedScope = scopeID
	return 5, nil
}

func (d *deletingBackend) Count(ctx context.Context, scopeID string) (int, error) {
	return 7, nil
}

func factoryFor(b storage.VectorBackend) Factory {
	return func(ctx context.Context) (storage.VectorBackend, error) { return b, nil }
}

func failingFactory(ctx context.Context) (storage.VectorBackend, error) {
	return nil, errors.New("connection refused")
}

func TestNew_Selection(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers index when configured", func(t *testing.T) {
		index := &fakeBackend{kind: storage.BackendIndex}
		scan := &fakeBackend{kind: storage.BackendScan}
		r := New(ctx, Options{Index: factoryFor(index), Scan: factoryFor(scan)})
		assert.Equal(t, storage.BackendIndex, r.Kind())
		assert.True(t, r.IsOperational(ctx))
	})

	t.Run("falls back to scan when index fails to open", func(t *testing.T) {
		scan := &fakeBackend{kind: storage.BackendScan}
		r := New(ctx, Options{Index: failingFactory, Scan: factoryFor(scan)})
		assert.Equal(t, storage.BackendScan, r.Kind())
	})

	t.Run("falls back to scan when index is unhealthy", func(t *testing.T) {
		index := &fakeBackend{kind: storage.BackendIndex, healthErr: errors.New("down")}
		scan := &fakeBackend{kind: storage.BackendScan}
		r := New(ctx, Options{Index: factoryFor(index), Scan: factoryFor(scan)})
		assert.Equal(t, storage.BackendScan, r.Kind())
		assert.True(t, index.closed)
	})

	t.Run("scan mode prefers scan", func(t *testing.T) {
		index := &fakeBackend{kind: storage.BackendIndex}
		scan := &fakeBackend{kind: storage.BackendScan}
		r := New(ctx, Options{Mode: "scan", Index: factoryFor(index), Scan: factoryFor(scan)})
		assert.Equal(t, storage.BackendScan, r.Kind())
	})

	t.Run("none mode disables retrieval", func(t *testing.T) {
		index := &fakeBackend{kind: storage.BackendIndex}
		r := New(ctx, Options{Mode: "none", Index: factoryFor(index)})
		assert.Equal(t, storage.BackendNone, r.Kind())
		assert.False(t, r.IsOperational(ctx))
	})

	t.Run("nothing usable", func(t *testing.T) {
		r := New(ctx, Options{Index: failingFactory})
		assert.Equal(t, storage.BackendNone, r.Kind())
		assert.False(t, r.IsOperational(ctx))

		results, err := r.Retrieve(ctx, Request{QueryText: "firewall", ScopeID: "eng-1", TopK: 5})
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.NotNil(t, results)
	})
}

func TestRetrieve_EmbedsQueryAndCites(t *testing.T) {
	ctx := context.Background()
	high := 0.95
	backend := &fakeBackend{
		kind: storage.BackendIndex,
		results: []*storage.RetrievalResult{
			{DocumentID: "d2", Filename: "b.pdf", SimilarityScore: 0.81},
			{DocumentID: "d1", Filename: "a.pdf", SimilarityScore: 0.7, RerankerScore: &high},
		},
	}
	provider := mock.NewProvider(8)
	embedder := embedding.NewEmbedder(provider, embedding.WithBatchDelay(0))

	r := New(ctx, Options{Index: factoryFor(backend), Embedder: embedder})
	results, err := r.Retrieve(ctx, Request{
		QueryText:           "network segmentation",
		ScopeID:             "eng-1",
		TopK:                2,
		UseSemanticRanking:  true,
		SimilarityThreshold: 0.6,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.CallCount())
	assert.Equal(t, mock.Vector("network segmentation", 8), backend.lastReq.QueryVector)
	assert.Equal(t, "eng-1", backend.lastReq.ScopeID)
	assert.Equal(t, 0.6, backend.lastReq.SimilarityThreshold)

	require.Len(t, results, 2)
	assert.Equal(t, "d1", results[0].DocumentID)
	assert.Equal(t, "[1] a.pdf", results[0].Citation)
	assert.Equal(t, "[2] b.pdf", results[1].Citation)
}

func TestRetrieve_UsesSuppliedVector(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{kind: storage.BackendScan}
	provider := mock.NewProvider(4)
	r := New(ctx, Options{Scan: factoryFor(backend), Embedder: embedding.NewEmbedder(provider)})

	_, err := r.Retrieve(ctx, Request{QueryVector: []float32{1, 2, 3, 4}, ScopeID: "eng-1", TopK: 1})
	require.NoError(t, err)
	assert.Zero(t, provider.CallCount())
	assert.Equal(t, []float32{1, 2, 3, 4}, backend.lastReq.QueryVector)
}

func TestRetrieve_RequiresScope(t *testing.T) {
	r := New(context.Background(), Options{Scan: factoryFor(&fakeBackend{kind: storage.BackendScan})})
	_, err := r.Retrieve(context.Background(), Request{QueryVector: []float32{1}, TopK: 1})
	assert.ErrorIs(t, err, storage.ErrScopeRequired)
}

type recorderFunc func(ctx context.Context, ev Event) error

func (f recorderFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }

func TestRetrieve_MetricsNeverAffectResults(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{
		kind:    storage.BackendScan,
		results: []*storage.RetrievalResult{{DocumentID: "d1", Filename: "a.pdf", SimilarityScore: 0.9}},
	}

	t.Run("panic", func(t *testing.T) {
		r := New(ctx, Options{
			Scan:    factoryFor(backend),
			Metrics: recorderFunc(func(context.Context, Event) error { panic("metrics sink gone") }),
		})
		results, err := r.Retrieve(ctx, Request{QueryVector: []float32{1}, ScopeID: "eng-1", TopK: 1})
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("error", func(t *testing.T) {
		r := New(ctx, Options{
			Scan:    factoryFor(backend),
			Metrics: recorderFunc(func(context.Context, Event) error { return errors.New("full") }),
		})
		results, err := r.Retrieve(ctx, Request{QueryVector: []float32{1}, ScopeID: "eng-1", TopK: 1})
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}

func TestRetrieve_RecordsEvents(t *testing.T) {
	ctx := context.Background()
	metrics := NewLogMetrics(nil)
	backend := &fakeBackend{
		kind:    storage.BackendScan,
		results: []*storage.RetrievalResult{{DocumentID: "d1"}, {DocumentID: "d2"}},
	}
	r := New(ctx, Options{Scan: factoryFor(backend), Metrics: metrics})

	_, err := r.Retrieve(ctx, Request{QueryVector: []float32{1}, ScopeID: "eng-1", TopK: 2})
	require.NoError(t, err)

	backend.searchErr = errors.New("timeout")
	_, err = r.Retrieve(ctx, Request{QueryVector: []float32{1}, ScopeID: "eng-1", TopK: 2})
	require.Error(t, err)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.Queries)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(2), snap.Results)

	t.Run("no backend", func(t *testing.T) {
		var events []Event
		r := New(ctx, Options{
			Mode: "none",
			Metrics: recorderFunc(func(_ context.Context, ev Event) error {
				events = append(events, ev)
				return nil
			}),
		})

		_, err := r.Retrieve(ctx, Request{QueryText: "firewall", ScopeID: "eng-1", TopK: 2})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, storage.BackendNone, events[0].Backend)
		assert.True(t, events[0].Success)
		assert.Zero(t, events[0].ResultCount)
		assert.Equal(t, len("firewall"), events[0].QueryLength)

		_, err = r.Retrieve(ctx, Request{QueryText: "firewall", TopK: 2})
		require.ErrorIs(t, err, storage.ErrScopeRequired)
		require.Len(t, events, 2)
		assert.False(t, events[1].Success)
		assert.NotEmpty(t, events[1].Error)
	})
}

func TestIsOperational_CachesHealth(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{kind: storage.BackendIndex}
	r := New(ctx, Options{Index: factoryFor(backend), HealthTTL: time.Minute})
	require.Equal(t, 1, backend.checks)

	now := time.Now()
	r.now = func() time.Time { return now }
	r.checkedAt = now

	assert.True(t, r.IsOperational(ctx))
	assert.True(t, r.IsOperational(ctx))
	assert.Equal(t, 1, backend.checks)

	backend.healthErr = errors.New("connection reset")
	now = now.Add(2 * time.Minute)
	assert.False(t, r.IsOperational(ctx))
	assert.False(t, r.IsOperational(ctx))
	assert.Equal(t, 2, backend.checks)

	backend.healthErr = nil
	now = now.Add(2 * time.Minute)
	assert.True(t, r.IsOperational(ctx))
	assert.Equal(t, 3, backend.checks)
}

func TestDeleteDocuments(t *testing.T) {
	ctx := context.Background()

	t.Run("document and scope", func(t *testing.T) {
		backend := &deletingBackend{fakeBackend: fakeBackend{kind: storage.BackendScan}}
		r := New(ctx, Options{Scan: factoryFor(backend)})

		res, err := r.DeleteDocuments(ctx, "eng-1", "doc-a")
		require.NoError(t, err)
		assert.Equal(t, &DeleteResult{Deleted: 2, Status: DeleteStatusDeleted}, res)
		assert.Equal(t, "doc-a", backend.deletedDoc)

		res, err = r.DeleteDocuments(ctx, "eng-1", "")
		require.NoError(t, err)
		assert.Equal(t, 5, res.Deleted)

		count, err := r.Count(ctx, "eng-1")
		require.NoError(t, err)
		assert.Equal(t, 7, count)
	})

	t.Run("not implemented", func(t *testing.T) {
		r := New(ctx, Options{Index: factoryFor(&fakeBackend{kind: storage.BackendIndex})})

		res, err := r.DeleteDocuments(ctx, "eng-1", "")
		assert.ErrorIs(t, err, ErrNotImplemented)
		assert.Equal(t, DeleteStatusNotImplemented, res.Status)

		_, err = r.Count(ctx, "eng-1")
		assert.ErrorIs(t, err, ErrNotImplemented)
	})

	t.Run("not operational", func(t *testing.T) {
		r := New(ctx, Options{Mode: "none"})

		res, err := r.DeleteDocuments(ctx, "eng-1", "doc-a")
		assert.ErrorIs(t, err, ErrNotOperational)
		assert.Equal(t, DeleteStatusNotOperational, res.Status)

		_, err = r.IngestDocuments(ctx, nil)
		assert.ErrorIs(t, err, ErrNotOperational)
	})

	t.Run("scope required", func(t *testing.T) {
		r := New(ctx, Options{Mode: "none"})
		_, err := r.DeleteDocuments(ctx, " ", "doc-a")
		assert.ErrorIs(t, err, storage.ErrScopeRequired)
	})
}
