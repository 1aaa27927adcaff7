package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/retriever"
	"github.com/bull/evidence-rag/internal/search"
)

var errBadRequest = errors.New("bad request")

// IngestRequest is the body of POST /v1/ingest. Content is base64 in JSON
// and is only read when Text is empty.
type IngestRequest struct {
	DocumentID string            `json:"document_id"`
	ScopeID    string            `json:"scope_id"`
	Text       string            `json:"text,omitempty"`
	Content    []byte            `json:"content,omitempty"`
	Filename   string            `json:"filename,omitempty"`
	UploadedBy string            `json:"uploaded_by,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Async      bool              `json:"async,omitempty"`
}

func (r *IngestRequest) document() indexer.Document {
	return indexer.Document{
		DocumentID: r.DocumentID,
		ScopeID:    r.ScopeID,
		Filename:   r.Filename,
		UploadedBy: r.UploadedBy,
		Text:       r.Text,
		Content:    r.Content,
		Metadata:   r.Metadata,
	}
}

// ReindexRequest is the body of POST /v1/reindex.
type ReindexRequest struct {
	ScopeID   string          `json:"scope_id"`
	Documents []IngestRequest `json:"documents"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	if req.Async {
		st, err := h.ingestor.Submit(r.Context(), req.document())
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusAccepted, st)
		return
	}

	st, err := h.ingestor.IngestDocument(r.Context(), req.document())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req ReindexRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	docs := make([]indexer.Document, len(req.Documents))
	for i := range req.Documents {
		docs[i] = req.Documents[i].document()
	}

	results, err := h.ingestor.Reindex(r.Context(), req.ScopeID, docs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.ingestor.Status(r.Context(), r.PathValue("document_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleClearStatus(w http.ResponseWriter, r *http.Request) {
	if err := h.ingestor.ClearStatus(r.Context(), r.PathValue("document_id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.search.Search(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.DeleteDocuments(r.Context(), r.PathValue("scope_id"), r.PathValue("document_id"))
	switch {
	case errors.Is(err, retriever.ErrNotImplemented), errors.Is(err, retriever.ErrNotOperational):
		// The outcome is carried in the status field.
		h.writeJSON(w, http.StatusOK, res)
	case err != nil:
		h.writeError(w, err)
	default:
		h.writeJSON(w, http.StatusOK, res)
	}
}

// StatsResponse is the body of GET /v1/scopes/{scope_id}/stats.
type StatsResponse struct {
	ScopeID string `json:"scope_id"`
	Backend string `json:"backend"`
	Chunks  int    `json:"chunks"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	scopeID := r.PathValue("scope_id")
	n, err := h.store.Count(r.Context(), scopeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, StatsResponse{
		ScopeID: scopeID,
		Backend: string(h.store.Kind()),
		Chunks:  n,
	})
}
