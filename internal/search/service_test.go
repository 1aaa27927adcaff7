package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/evidence-rag/internal/chunker"
	"github.com/bull/evidence-rag/internal/embedding"
	"github.com/bull/evidence-rag/internal/embedding/mock"
	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/retriever"
	"github.com/bull/evidence-rag/internal/storage"
)

const document = "The assessment team reviewed the network segmentation controls today. " +
	"Firewall rules were documented and approved by the security lead. " +
	"Remaining gaps will be tracked in the remediation roadmap."

// newPipeline wires a scan backend, retriever, orchestrator and search service
// over an in-memory database and a deterministic embedding provider.
func newPipeline(t *testing.T) (*indexer.Orchestrator, *retriever.Retriever, *Service) {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenBadgerDB(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)

	provider := mock.NewProvider(8)
	embedder := embedding.NewEmbedder(provider, embedding.WithBatchDelay(0))

	r := retriever.New(ctx, retriever.Options{
		Scan: func(ctx context.Context) (storage.VectorBackend, error) {
			return storage.NewBadgerStorage(db, storage.BadgerStorageConfig{Dimension: 8}), nil
		},
		Embedder: embedder,
	})
	t.Cleanup(func() { r.Close() })

	o, err := indexer.New(
		chunker.New(chunker.WithChunkSize(20), chunker.WithOverlap(5)),
		embedder, r, nil, nil, indexer.Config{}, nil,
	)
	require.NoError(t, err)
	t.Cleanup(o.Close)

	svc := NewService(r, Defaults{TopK: 5, SimilarityThreshold: 0.7, UseSemanticRanking: true}, nil)
	return o, r, svc
}

func TestSearch_EndToEnd(t *testing.T) {
	ctx := context.Background()
	o, r, svc := newPipeline(t)

	st, err := o.IngestDocument(ctx, indexer.Document{
		DocumentID: "doc-1",
		ScopeID:    "eng-1",
		Filename:   "assessment.pdf",
		Text:       document,
	})
	require.NoError(t, err)
	require.Equal(t, indexer.StateCompleted, st.Status)
	require.Equal(t, 3, st.TotalChunks)

	chunks, err := chunker.Chunk(document, "doc-1", 20, 5)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	// The first chunk's own vector finds that chunk first.
	results, err := r.Retrieve(ctx, retriever.Request{
		QueryVector: mock.Vector(chunks[0].Text, 8),
		ScopeID:     "eng-1",
		TopK:        1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].ChunkIndex)
	assert.InDelta(t, 1.0, results[0].SimilarityScore, 1e-6)
	assert.Equal(t, "[1] assessment.pdf", results[0].Citation)

	zero := 0.0
	resp, err := svc.Search(ctx, Request{Query: chunks[0].Text, ScopeID: "eng-1", TopK: 3, SimilarityThreshold: &zero})
	require.NoError(t, err)
	assert.True(t, resp.Operational)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, 0, resp.Results[0].ChunkIndex)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].SimilarityScore, resp.Results[i].SimilarityScore)
	}
	assert.True(t, strings.HasPrefix(resp.Context, "[1] assessment.pdf:\n"+chunks[0].Text+"\n[2] assessment.pdf:\n"))

	// Another scope sees nothing.
	resp, err = svc.Search(ctx, Request{Query: chunks[0].Text, ScopeID: "eng-2"})
	require.NoError(t, err)
	assert.True(t, resp.Operational)
	assert.Empty(t, resp.Results)
}

func TestSearch_ThresholdFiltering(t *testing.T) {
	ctx := context.Background()
	o, _, svc := newPipeline(t)

	_, err := o.IngestDocument(ctx, indexer.Document{DocumentID: "doc-1", ScopeID: "eng-1", Filename: "a.pdf", Text: document})
	require.NoError(t, err)

	threshold := 0.999
	resp, err := svc.Search(ctx, Request{Query: "unrelated query about encryption keys", ScopeID: "eng-1", SimilarityThreshold: &threshold})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.GreaterOrEqual(t, r.SimilarityScore, threshold)
	}
}

type fakeRetriever struct {
	operational bool
	results     []*storage.RetrievalResult
	err         error
	lastReq     retriever.Request
}

func (f *fakeRetriever) IsOperational(ctx context.Context) bool { return f.operational }

func (f *fakeRetriever) Retrieve(ctx context.Context, req retriever.Request) ([]*storage.RetrievalResult, error) {
	f.lastReq = req
	return f.results, f.err
}

func TestSearch_NotOperational(t *testing.T) {
	svc := NewService(&fakeRetriever{}, Defaults{}, nil)

	resp, err := svc.Search(context.Background(), Request{Query: "firewall", ScopeID: "eng-1"})
	require.NoError(t, err)
	assert.False(t, resp.Operational)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestSearch_RetrievalFailureIsNotAnError(t *testing.T) {
	svc := NewService(&fakeRetriever{operational: true, err: errors.New("embedding provider down")}, Defaults{}, nil)

	resp, err := svc.Search(context.Background(), Request{Query: "firewall", ScopeID: "eng-1"})
	require.NoError(t, err)
	assert.False(t, resp.Operational)
	assert.Empty(t, resp.Results)
}

func TestSearch_AppliesDefaults(t *testing.T) {
	fake := &fakeRetriever{operational: true}
	svc := NewService(fake, Defaults{TopK: 7, SimilarityThreshold: 0.6, UseSemanticRanking: true}, nil)

	_, err := svc.Search(context.Background(), Request{Query: "firewall", ScopeID: "eng-1"})
	require.NoError(t, err)
	assert.Equal(t, 7, fake.lastReq.TopK)
	assert.Equal(t, 0.6, fake.lastReq.SimilarityThreshold)
	assert.True(t, fake.lastReq.UseSemanticRanking)
}

func TestSearch_InvalidInput(t *testing.T) {
	svc := NewService(&fakeRetriever{operational: true}, Defaults{}, nil)

	_, err := svc.Search(context.Background(), Request{Query: " ", ScopeID: "eng-1"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = svc.Search(context.Background(), Request{Query: "firewall"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = svc.Search(context.Background(), Request{Query: "firewall", ScopeID: "eng-1", TopK: -1})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestFormatForContext(t *testing.T) {
	long := strings.Repeat("evidence ", 80)
	results := []*storage.RetrievalResult{
		{Filename: "policy.pdf", Content: "Passwords rotate every 90 days."},
		{Filename: "network.md", Content: long},
	}

	out := FormatForContext(results)
	assert.True(t, strings.HasPrefix(out, "[1] policy.pdf:\nPasswords rotate every 90 days.\n[2] network.md:\n"))

	second := strings.TrimPrefix(out, "[1] policy.pdf:\nPasswords rotate every 90 days.\n[2] network.md:\n")
	assert.True(t, strings.HasSuffix(second, "...\n"))
	assert.LessOrEqual(t, len([]rune(strings.TrimSuffix(second, "...\n"))), MaxContextChars)

	assert.Empty(t, FormatForContext(nil))
}
