package api

import "net/http"

const landingHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Evidence RAG</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif; background: #0f172a; color: #e2e8f0; min-height: 100vh; display: flex; align-items: center; justify-content: center; }
  .card { max-width: 640px; width: 90%; background: #1e293b; border-radius: 12px; padding: 2.5rem; }
  h1 { font-size: 1.75rem; margin-bottom: 0.5rem; color: #f8fafc; }
  .subtitle { color: #94a3b8; margin-bottom: 1.75rem; }
  .section-title { font-size: 0.75rem; text-transform: uppercase; letter-spacing: 0.1em; color: #64748b; margin: 1.25rem 0 0.5rem; }
  .endpoint { font-family: "SF Mono", Menlo, monospace; font-size: 0.9rem; color: #a5b4fc; }
  a { color: #38bdf8; text-decoration: none; }
</style>
</head>
<body>
<div class="card">
  <h1>Evidence RAG</h1>
  <p class="subtitle">Scoped ingestion and retrieval of engagement evidence with numbered citations.</p>

  <div class="section-title">HTTP API</div>
  <p class="endpoint">POST /v1/ingest</p>
  <p class="endpoint">POST /v1/reindex</p>
  <p class="endpoint">GET /v1/status/{document_id}</p>
  <p class="endpoint">POST /v1/search</p>
  <p class="endpoint">DELETE /v1/scopes/{scope_id}/documents[/{document_id}]</p>
  <p class="endpoint">GET /v1/scopes/{scope_id}/stats</p>

  <div class="section-title">Other</div>
  <p><a href="/mcp" class="endpoint">/mcp</a> MCP Streamable HTTP</p>
  <p><a href="/health" class="endpoint">/health</a> Health check</p>
</div>
</body>
</html>`

// NewLandingHandler serves the landing page.
func NewLandingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(landingHTML))
	}
}
