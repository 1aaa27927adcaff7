package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/retriever"
	"github.com/bull/evidence-rag/internal/search"
)

// Searcher answers evidence queries.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Ingestor runs and reports document ingestion.
type Ingestor interface {
	IngestDocument(ctx context.Context, doc indexer.Document) (*indexer.IngestionStatus, error)
	Submit(ctx context.Context, doc indexer.Document) (*indexer.IngestionStatus, error)
	Status(ctx context.Context, documentID string) (*indexer.IngestionStatus, error)
}

// Deleter removes stored chunks.
type Deleter interface {
	DeleteDocuments(ctx context.Context, scopeID, documentID string) (*retriever.DeleteResult, error)
}

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
}

// Config holds server dependencies.
type Config struct {
	Search   Searcher
	Ingestor Ingestor
	Store    Deleter
	Version  string
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "evidence-rag",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_evidence",
		Description: "Search ingested engagement evidence within one scope. Returns ranked chunks with numbered citations and a context block ready for answer generation.",
	}, makeSearchHandler(cfg.Search))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_document",
		Description: "Chunk, embed and store a document's text in a scope. Re-ingesting a document replaces its previous chunks.",
	}, makeIngestHandler(cfg.Ingestor))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingestion_status",
		Description: "Report the latest ingestion status of a document.",
	}, makeStatusHandler(cfg.Ingestor))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_documents",
		Description: "Delete one document's chunks from a scope, or every chunk in the scope when no document is given.",
	}, makeDeleteHandler(cfg.Store))

	return &Server{server: server}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
