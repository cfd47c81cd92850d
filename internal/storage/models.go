package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist, or exists
// under a different session than the caller's.
var ErrNotFound = errors.New("not found")

// Critique is one stored critique version. Rows are append-only: refinement
// inserts a new row with Version = parent.Version+1 and ParentID set, it
// never mutates an existing row.
type Critique struct {
	ID               int64
	SessionID        string
	ImageDescription string
	Critique         string
	RubricJSON       string // JSON object, "" when scoring was skipped or failed
	Embedding        []float32
	Version          int
	ParentID         *int64
	CreatedAt        time.Time
}

// CritiqueMatch is a Critique with its vector distance to a search query,
// lower is closer.
type CritiqueMatch struct {
	Critique
	Distance float32
}

// KnowledgeDoc is a reference document ingested into the knowledge base.
// Its text is chunked and embedded asynchronously by the ingest worker.
type KnowledgeDoc struct {
	ID        string
	Title     string
	Content   string
	Source    string
	Status    string // "queued", "embedded", "failed"
	Chunks    int
	CreatedAt time.Time
}

// Job is one unit of asynchronous work, currently only doc embedding.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
