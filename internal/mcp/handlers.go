package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/retriever"
	"github.com/bull/evidence-rag/internal/search"
)

// makeSearchHandler creates the search_evidence tool handler. Retrieval
// failures come back as a non-operational result rather than a tool error.
func makeSearchHandler(searcher Searcher) func(
	context.Context, *mcp.CallToolRequest, SearchEvidenceInput,
) (*mcp.CallToolResult, SearchEvidenceOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchEvidenceInput) (
		*mcp.CallToolResult, SearchEvidenceOutput, error,
	) {
		resp, err := searcher.Search(ctx, search.Request{
			Query:               input.Query,
			ScopeID:             input.ScopeID,
			TopK:                input.TopK,
			SimilarityThreshold: input.SimilarityThreshold,
		})
		if err != nil {
			return nil, SearchEvidenceOutput{}, err
		}

		out := SearchEvidenceOutput{
			Results:     make([]Evidence, 0, len(resp.Results)),
			Operational: resp.Operational,
			Context:     resp.Context,
		}
		for _, r := range resp.Results {
			out.Results = append(out.Results, Evidence{
				Citation:      r.Citation,
				DocumentID:    r.DocumentID,
				Filename:      r.Filename,
				ChunkIndex:    r.ChunkIndex,
				Content:       r.Content,
				Score:         r.SimilarityScore,
				RerankerScore: r.RerankerScore,
				Highlights:    r.Highlights,
				Backend:       string(r.BackendUsed),
			})
		}

		switch {
		case !resp.Operational:
			out.Message = "Evidence search is not available right now."
		case len(out.Results) == 0:
			out.Message = "No matching evidence found. Try broader search terms."
		}
		return nil, out, nil
	}
}

// makeIngestHandler creates the ingest_document tool handler.
func makeIngestHandler(ingestor Ingestor) func(
	context.Context, *mcp.CallToolRequest, IngestDocumentInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input IngestDocumentInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		doc := indexer.Document{
			DocumentID: input.DocumentID,
			ScopeID:    input.ScopeID,
			Filename:   input.Filename,
			UploadedBy: input.UploadedBy,
			Text:       input.Text,
		}

		var (
			st  *indexer.IngestionStatus
			err error
		)
		if input.Async {
			st, err = ingestor.Submit(ctx, doc)
		} else {
			st, err = ingestor.IngestDocument(ctx, doc)
		}
		if err != nil {
			return nil, StatusOutput{}, err
		}
		return nil, toStatusOutput(st), nil
	}
}

// makeStatusHandler creates the ingestion_status tool handler.
func makeStatusHandler(ingestor Ingestor) func(
	context.Context, *mcp.CallToolRequest, IngestionStatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input IngestionStatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		st, err := ingestor.Status(ctx, input.DocumentID)
		if errors.Is(err, indexer.ErrStatusNotFound) {
			return nil, StatusOutput{Found: false, DocumentID: input.DocumentID}, nil
		}
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("failed to load status: %w", err)
		}
		return nil, toStatusOutput(st), nil
	}
}

// makeDeleteHandler creates the delete_documents tool handler.
func makeDeleteHandler(store Deleter) func(
	context.Context, *mcp.CallToolRequest, DeleteDocumentsInput,
) (*mcp.CallToolResult, DeleteDocumentsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input DeleteDocumentsInput) (
		*mcp.CallToolResult, DeleteDocumentsOutput, error,
	) {
		res, err := store.DeleteDocuments(ctx, input.ScopeID, input.DocumentID)
		if err != nil && !errors.Is(err, retriever.ErrNotImplemented) && !errors.Is(err, retriever.ErrNotOperational) {
			return nil, DeleteDocumentsOutput{}, fmt.Errorf("failed to delete documents: %w", err)
		}
		return nil, DeleteDocumentsOutput{Deleted: res.Deleted, Status: string(res.Status)}, nil
	}
}

func toStatusOutput(st *indexer.IngestionStatus) StatusOutput {
	out := StatusOutput{
		Found:           true,
		DocumentID:      st.DocumentID,
		ScopeID:         st.ScopeID,
		Status:          string(st.Status),
		ChunksProcessed: st.ChunksProcessed,
		TotalChunks:     st.TotalChunks,
		Error:           st.Error,
		BatchErrors:     st.BatchErrors,
		StartedAt:       st.StartedAt.Format(time.RFC3339),
	}
	if st.CompletedAt != nil {
		out.CompletedAt = st.CompletedAt.Format(time.RFC3339)
	}
	return out
}
