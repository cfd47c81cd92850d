package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/photomentor/pmv/internal/ratelimit"
	"github.com/photomentor/pmv/internal/session"
	"github.com/photomentor/pmv/internal/storage"
)

const maxImageBytes = 10 << 20 // 10MB

func handleCritique(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxImageBytes); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}

		file, header, err := r.FormFile("image")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image file is required")
			return
		}
		defer file.Close()

		image, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading image: %v", err)
			return
		}
		if len(image) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image file is empty")
			return
		}

		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(image)
		}
		if !strings.HasPrefix(mimeType, "image/") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported content type %q", mimeType)
			return
		}

		ok, err := deps.Limiter.Admit(r.Context(), ratelimit.ClientKey(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rate limit check failed: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "critique limit reached, try again later")
			return
		}

		sessionID := session.FromContext(r.Context())

		if wantsJSON(r) {
			text, saved, err := deps.Critiques.CritiqueSync(r.Context(), sessionID, image, mimeType)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "critique failed: %v", err)
				return
			}
			writeSyncResult(w, text, saved)
			return
		}

		events, err := deps.Critiques.Critique(r.Context(), sessionID, image, mimeType)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "critique failed: %v", err)
			return
		}
		streamEvents(w, r, events)
	}
}

type refineRequest struct {
	ID           int64  `json:"id"`
	Instructions string `json:"instructions"`
}

func handleRefine(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		defer r.Body.Close()

		var req refineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ID <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
			return
		}

		ok, err := deps.Limiter.Admit(r.Context(), ratelimit.ClientKey(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rate limit check failed: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "critique limit reached, try again later")
			return
		}

		sessionID := session.FromContext(r.Context())

		events, err := deps.Critiques.Refine(r.Context(), sessionID, req.ID, req.Instructions)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "critique %d not found", req.ID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "refine failed: %v", err)
			return
		}

		if wantsJSON(r) {
			writeCollectedResult(w, events)
			return
		}
		streamEvents(w, r, events)
	}
}

// wantsJSON reports whether the client asked for a blocking JSON response
// instead of an event stream.
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream")
}
