package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/photomentor/pmv/internal/critique"
)

// streamEvents writes a critique event stream as server-sent events until
// the channel closes. Write failures stop the loop; the producer notices via
// request context cancellation.
func streamEvents(w http.ResponseWriter, r *http.Request, events <-chan critique.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if err := critique.WriteEvent(w, ev); err != nil {
			slog.Debug("client disconnected mid-stream", "error", err)
			return
		}
		flusher.Flush()
	}
}

type syncResult struct {
	Critique string `json:"critique"`
	SavedID  *int64 `json:"savedId,omitempty"`
	Version  *int   `json:"version,omitempty"`
}

func writeSyncResult(w http.ResponseWriter, text string, saved *critique.Saved) {
	res := syncResult{Critique: text}
	if saved != nil {
		res.SavedID = &saved.ID
		res.Version = &saved.Version
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// writeCollectedResult drains an event stream and responds with the blocking
// JSON shape.
func writeCollectedResult(w http.ResponseWriter, events <-chan critique.Event) {
	text, saved, err := critique.Collect(events)
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "critique failed: %v", err)
		return
	}
	writeSyncResult(w, text, saved)
}
