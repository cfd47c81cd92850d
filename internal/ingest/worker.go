package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/photomentor/pmv/internal/retrieval"
	"github.com/photomentor/pmv/internal/storage"
)

// JobType is the queue type for knowledge document embedding jobs.
const JobType = "embed_doc"

// JobStore abstracts the job queue and document operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, jobType string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	GetKnowledgeDoc(ctx context.Context, id string) (storage.KnowledgeDoc, error)
	MarkDocEmbedded(ctx context.Context, id string, chunks int) error
}

// ChunkEmbedder generates embeddings for batches of text chunks.
type ChunkEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorInserter inserts records into the knowledge vector store.
type VectorInserter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
}

// Worker processes embed_doc jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	embedder  ChunkEmbedder
	vectors   VectorInserter
	chunkSize int
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ChunkEmbedder, vectors VectorInserter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		embedder:  embedder,
		vectors:   vectors,
		chunkSize: DefaultChunkSize,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_doc job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, JobType)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// Payload is the JSON payload of an embed_doc job.
type Payload struct {
	DocID string `json:"doc_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetKnowledgeDoc(ctx, payload.DocID)
	if err != nil {
		return fmt.Errorf("loading doc %s: %w", payload.DocID, err)
	}

	chunks := Chunk(doc.Content, w.chunkSize)
	if len(chunks) == 0 {
		return fmt.Errorf("doc %s has no content to embed", doc.ID)
	}

	vecs, err := w.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = retrieval.Record{
			ID:        uuid.New().String(),
			SourceID:  doc.ID,
			TextChunk: chunk,
			Embedding: vecs[i],
			CreatedAt: now,
		}
	}

	if err := w.vectors.Insert(ctx, records); err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}

	if err := w.store.MarkDocEmbedded(ctx, doc.ID, len(chunks)); err != nil {
		return fmt.Errorf("marking doc embedded: %w", err)
	}

	return nil
}
