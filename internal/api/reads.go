package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/photomentor/pmv/internal/session"
	"github.com/photomentor/pmv/internal/storage"
)

const (
	historyLimit = 50
	searchTopK   = 10
)

type historyItem struct {
	ID          int64           `json:"id"`
	Critique    string          `json:"critique"`
	Description string          `json:"description"`
	Rubric      json.RawMessage `json:"rubric,omitempty"`
	Version     int             `json:"version"`
	ParentID    *int64          `json:"parentId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func toHistoryItem(c storage.Critique) historyItem {
	item := historyItem{
		ID:          c.ID,
		Critique:    c.Critique,
		Description: c.ImageDescription,
		Version:     c.Version,
		ParentID:    c.ParentID,
		CreatedAt:   c.CreatedAt,
	}
	if c.RubricJSON != "" {
		item.Rubric = json.RawMessage(c.RubricJSON)
	}
	return item
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := session.FromContext(r.Context())

		critiques, err := deps.Store.ListBySession(r.Context(), sessionID, historyLimit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list critiques: %v", err)
			return
		}

		items := make([]historyItem, len(critiques))
		for i, c := range critiques {
			items[i] = toHistoryItem(c)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"items": items})
	}
}

type searchResult struct {
	historyItem
	Distance float32 `json:"distance"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q parameter is required")
			return
		}

		vec, err := deps.Embedder.Embed(r.Context(), query)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "embedding query: %v", err)
			return
		}

		sessionID := session.FromContext(r.Context())
		matches, err := deps.Store.SearchBySession(r.Context(), sessionID, vec, searchTopK)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		results := make([]searchResult, len(matches))
		for i, m := range matches {
			results[i] = searchResult{
				historyItem: toHistoryItem(m.Critique),
				Distance:    m.Distance,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}
}
