package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/evidence-rag/internal/chunker"
	"github.com/bull/evidence-rag/internal/embedding"
	"github.com/bull/evidence-rag/internal/embedding/mock"
	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/markdown"
	"github.com/bull/evidence-rag/internal/retriever"
	"github.com/bull/evidence-rag/internal/search"
	"github.com/bull/evidence-rag/internal/storage"
)

const evidenceText = "The assessment team reviewed the network segmentation controls today. " +
	"Firewall rules were documented and approved by the security lead. " +
	"Remaining gaps will be tracked in the remediation roadmap."

func newTestServer(t *testing.T, withBackend bool) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	provider := mock.NewProvider(8)
	embedder := embedding.NewEmbedder(provider, embedding.WithBatchDelay(0))

	opts := retriever.Options{Embedder: embedder, Mode: "none"}
	if withBackend {
		db, err := storage.OpenBadgerDB(storage.BadgerConfig{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		opts.Mode = "scan"
		opts.Scan = func(ctx context.Context) (storage.VectorBackend, error) {
			return storage.NewBadgerStorage(db, storage.BadgerStorageConfig{Dimension: 8}), nil
		}
	}
	r := retriever.New(ctx, opts)

	o, err := indexer.New(
		chunker.New(chunker.WithChunkSize(20), chunker.WithOverlap(5)),
		embedder, r, markdown.NewExtractor(), nil, indexer.Config{}, nil,
	)
	require.NoError(t, err)
	t.Cleanup(o.Close)

	h := NewHandler(Config{
		Search:   search.NewService(r, search.Defaults{TopK: 5, SimilarityThreshold: 0}, nil),
		Ingestor: o,
		Store:    r,
	})
	server := httptest.NewServer(h.Routes())
	t.Cleanup(server.Close)
	return server
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAPI_IngestSearchDelete(t *testing.T) {
	server := newTestServer(t, true)

	var st indexer.IngestionStatus
	code := do(t, http.MethodPost, server.URL+"/v1/ingest", IngestRequest{
		DocumentID: "doc-1",
		ScopeID:    "eng-1",
		Filename:   "assessment.pdf",
		Text:       evidenceText,
	}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, indexer.StateCompleted, st.Status)
	assert.Equal(t, 3, st.ChunksProcessed)

	code = do(t, http.MethodGet, server.URL+"/v1/status/doc-1", nil, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, indexer.StateCompleted, st.Status)

	code = do(t, http.MethodDelete, server.URL+"/v1/status/doc-1", nil, nil)
	require.Equal(t, http.StatusNoContent, code)
	code = do(t, http.MethodGet, server.URL+"/v1/status/doc-1", nil, nil)
	require.Equal(t, http.StatusNotFound, code)

	var resp search.Response
	code = do(t, http.MethodPost, server.URL+"/v1/search", search.Request{Query: "firewall rules", ScopeID: "eng-1", TopK: 2}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Operational)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "[1] assessment.pdf", resp.Results[0].Citation)
	assert.Equal(t, "[2] assessment.pdf", resp.Results[1].Citation)

	var stats StatsResponse
	code = do(t, http.MethodGet, server.URL+"/v1/scopes/eng-1/stats", nil, &stats)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatsResponse{ScopeID: "eng-1", Backend: "scan", Chunks: 3}, stats)

	var del retriever.DeleteResult
	code = do(t, http.MethodDelete, server.URL+"/v1/scopes/eng-1/documents/doc-1", nil, &del)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, retriever.DeleteResult{Deleted: 3, Status: retriever.DeleteStatusDeleted}, del)

	code = do(t, http.MethodGet, server.URL+"/v1/scopes/eng-1/stats", nil, &stats)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, stats.Chunks)
}

func TestAPI_IngestMarkdownContent(t *testing.T) {
	server := newTestServer(t, true)

	var st indexer.IngestionStatus
	code := do(t, http.MethodPost, server.URL+"/v1/ingest", IngestRequest{
		DocumentID: "policy",
		ScopeID:    "eng-1",
		Filename:   "policy.md",
		Content:    []byte("# Encryption Policy\n\nAll laptops use full disk encryption.\n"),
	}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, indexer.StateCompleted, st.Status)
	assert.Positive(t, st.TotalChunks)
}

func TestAPI_AsyncIngest(t *testing.T) {
	server := newTestServer(t, true)

	var st indexer.IngestionStatus
	code := do(t, http.MethodPost, server.URL+"/v1/ingest", IngestRequest{
		DocumentID: "doc-async",
		ScopeID:    "eng-1",
		Filename:   "a.pdf",
		Text:       evidenceText,
		Async:      true,
	}, &st)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, indexer.StatePending, st.Status)

	assert.Eventually(t, func() bool {
		var polled indexer.IngestionStatus
		do(t, http.MethodGet, server.URL+"/v1/status/doc-async", nil, &polled)
		return polled.Status == indexer.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAPI_Reindex(t *testing.T) {
	server := newTestServer(t, true)

	var results map[string]*indexer.IngestionStatus
	code := do(t, http.MethodPost, server.URL+"/v1/reindex", ReindexRequest{
		ScopeID: "eng-1",
		Documents: []IngestRequest{
			{DocumentID: "a", Filename: "a.txt", Text: evidenceText},
			{DocumentID: "b", Filename: "b.txt", Text: "A single short sentence."},
		},
	}, &results)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, results, 2)
	assert.Equal(t, indexer.StateCompleted, results["a"].Status)
	assert.Equal(t, indexer.StateCompleted, results["b"].Status)
	assert.Equal(t, "eng-1", results["b"].ScopeID)
}

func TestAPI_InputErrors(t *testing.T) {
	server := newTestServer(t, true)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"ingest without scope", http.MethodPost, "/v1/ingest", IngestRequest{DocumentID: "d", Text: "x"}, http.StatusBadRequest},
		{"search without query", http.MethodPost, "/v1/search", search.Request{ScopeID: "eng-1"}, http.StatusBadRequest},
		{"reindex without scope", http.MethodPost, "/v1/reindex", ReindexRequest{}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/v1/search", "not an object", http.StatusBadRequest},
		{"unknown status", http.MethodGet, "/v1/status/missing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e errorResponse
			code := do(t, tt.method, server.URL+tt.path, tt.body, &e)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestAPI_NoBackend(t *testing.T) {
	server := newTestServer(t, false)

	var health HealthResponse
	code := do(t, http.MethodGet, server.URL+"/health", nil, &health)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "none", health.Backend)
	assert.False(t, health.Operational)

	var resp search.Response
	code = do(t, http.MethodPost, server.URL+"/v1/search", search.Request{Query: "firewall", ScopeID: "eng-1"}, &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Operational)
	assert.Empty(t, resp.Results)

	var st indexer.IngestionStatus
	code = do(t, http.MethodPost, server.URL+"/v1/ingest", IngestRequest{DocumentID: "d", ScopeID: "eng-1", Text: evidenceText}, &st)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, indexer.StateSkipped, st.Status)

	var del retriever.DeleteResult
	code = do(t, http.MethodDelete, server.URL+"/v1/scopes/eng-1/documents", nil, &del)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, retriever.DeleteStatusNotOperational, del.Status)

	var e errorResponse
	code = do(t, http.MethodGet, server.URL+"/v1/scopes/eng-1/stats", nil, &e)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestAPI_Health(t *testing.T) {
	server := newTestServer(t, true)

	var health HealthResponse
	code := do(t, http.MethodGet, server.URL+"/health", nil, &health)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "scan", health.Backend)
	assert.True(t, health.Operational)
}
