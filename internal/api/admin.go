package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/photomentor/pmv/internal/ingest"
	"github.com/photomentor/pmv/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB

// IngestRequest adds a document to the photography knowledge base. Content
// is plain text, or base64-encoded PDF bytes when type is "pdf".
type IngestRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Source  string `json:"source"`
	Type    string `json:"type"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.Source == "" {
			req.Source = "admin"
		}
		if req.Type == "" {
			req.Type = "text"
		}

		content := req.Content
		if req.Type == "pdf" {
			raw, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			content, err = ingest.ExtractPDF(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting pdf: %v", err)
				return
			}
		}

		docID := uuid.New().String()
		doc := storage.KnowledgeDoc{
			ID:        docID,
			Title:     req.Title,
			Content:   content,
			Source:    req.Source,
			Status:    "queued",
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.SaveKnowledgeDoc(r.Context(), doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		payload, err := json.Marshal(ingest.Payload{DocID: docID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        ingest.JobType,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(r.Context(), job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     docID,
			"status": "queued",
		})
	}
}

func handleListDocs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.ListKnowledgeDocs(r.Context(), 100)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		if docs == nil {
			docs = []storage.KnowledgeDoc{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(docs)
	}
}
