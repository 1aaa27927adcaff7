package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bull/evidence-rag/internal/storage"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Backend     string `json:"backend"`
	Operational bool   `json:"operational"`
	Timestamp   string `json:"timestamp"`
}

// HealthChecker reports which backend is active and whether it answers.
type HealthChecker interface {
	Kind() storage.BackendKind
	IsOperational(ctx context.Context) bool
}

// NewHealthHandler reports 200 when the retrieval backend is operational
// and 503 otherwise, including when no backend is configured.
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		response := HealthResponse{
			Backend:     string(checker.Kind()),
			Operational: checker.IsOperational(ctx),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}

		status := http.StatusOK
		response.Status = "healthy"
		if !response.Operational {
			status = http.StatusServiceUnavailable
			response.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}
}
