package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/photomentor/pmv/internal/critique"
	"github.com/photomentor/pmv/internal/ratelimit"
	"github.com/photomentor/pmv/internal/retrieval"
	"github.com/photomentor/pmv/internal/session"
	"github.com/photomentor/pmv/internal/storage"
)

// Deps holds the dependencies for the HTTP API.
type Deps struct {
	Critiques *critique.Service
	Store     *storage.Store
	Limiter   *ratelimit.Limiter
	Embedder  *retrieval.Embedder
	Token     string // admin bearer token; empty disables admin routes
}

// NewHandler returns the root HTTP handler for the service.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(session.Middleware)
		r.Post("/critique", handleCritique(deps))
		r.Post("/critique/refine", handleRefine(deps))
		r.Get("/history", handleHistory(deps))
		r.Get("/search", handleSearch(deps))
	})

	if deps.Token != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))
			r.Post("/ingest", handleIngest(deps))
			r.Get("/docs", handleListDocs(deps))
		})
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
