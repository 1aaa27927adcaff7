// Package api exposes ingestion, search and deletion over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/retriever"
	"github.com/bull/evidence-rag/internal/search"
	"github.com/bull/evidence-rag/internal/storage"
)

// maxBodyBytes caps request bodies, including base64 document content.
const maxBodyBytes = 32 << 20

// Searcher answers evidence queries.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Ingestor runs document ingestion.
type Ingestor interface {
	IngestDocument(ctx context.Context, doc indexer.Document) (*indexer.IngestionStatus, error)
	Submit(ctx context.Context, doc indexer.Document) (*indexer.IngestionStatus, error)
	Reindex(ctx context.Context, scopeID string, docs []indexer.Document) (map[string]*indexer.IngestionStatus, error)
	Status(ctx context.Context, documentID string) (*indexer.IngestionStatus, error)
	ClearStatus(ctx context.Context, documentID string) error
}

// Store is the management side of the retriever.
type Store interface {
	Kind() storage.BackendKind
	IsOperational(ctx context.Context) bool
	DeleteDocuments(ctx context.Context, scopeID, documentID string) (*retriever.DeleteResult, error)
	Count(ctx context.Context, scopeID string) (int, error)
}

// Config holds handler dependencies.
type Config struct {
	Search   Searcher
	Ingestor Ingestor
	Store    Store
	Logger   *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	search   Searcher
	ingestor Ingestor
	store    Store
	logger   *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		search:   cfg.Search,
		ingestor: cfg.Ingestor,
		store:    cfg.Store,
		logger:   logger.With("component", "api"),
	}
}

// Register mounts all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/ingest", h.handleIngest)
	mux.HandleFunc("POST /v1/reindex", h.handleReindex)
	mux.HandleFunc("GET /v1/status/{document_id...}", h.handleStatus)
	mux.HandleFunc("DELETE /v1/status/{document_id...}", h.handleClearStatus)
	mux.HandleFunc("POST /v1/search", h.handleSearch)
	mux.HandleFunc("DELETE /v1/scopes/{scope_id}/documents", h.handleDelete)
	mux.HandleFunc("DELETE /v1/scopes/{scope_id}/documents/{document_id...}", h.handleDelete)
	mux.HandleFunc("GET /v1/scopes/{scope_id}/stats", h.handleStats)
	mux.HandleFunc("GET /health", NewHealthHandler(h.store))
}

// Routes returns a mux with every API route plus the landing page.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /{$}", NewLandingHandler())
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, indexer.ErrInvalidInput),
		errors.Is(err, search.ErrInvalidQuery),
		errors.Is(err, storage.ErrScopeRequired):
		return http.StatusBadRequest
	case errors.Is(err, indexer.ErrStatusNotFound):
		return http.StatusNotFound
	case errors.Is(err, retriever.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, retriever.ErrNotOperational):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
