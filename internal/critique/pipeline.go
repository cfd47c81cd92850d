// Package critique implements the generation pipeline: vision description,
// optional knowledge retrieval, streamed critique generation, and post-stream
// persistence with embedding and best-effort scoring.
package critique

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/photomentor/pmv/internal/engine"
	"github.com/photomentor/pmv/internal/prompt"
	"github.com/photomentor/pmv/internal/retrieval"
	"github.com/photomentor/pmv/internal/storage"
)

// Store is the slice of the record store the pipeline needs.
type Store interface {
	InsertCritique(ctx context.Context, c storage.Critique) (int64, error)
	GetCritique(ctx context.Context, id int64, sessionID string) (storage.Critique, error)
}

// Config carries the model names and retrieval depth for the pipeline.
type Config struct {
	VisionModel   string
	CritiqueModel string
	EmbedModel    string
	TopK          int
}

// Service runs the critique pipeline. Stateless between requests; all
// durable state lives in the store.
type Service struct {
	engine    engine.Engine
	retriever retrieval.Retriever
	store     Store
	cfg       Config
}

// NewService wires the pipeline. retriever must be non-nil; pass
// retrieval.Disabled{} when no knowledge base is configured.
func NewService(e engine.Engine, retriever retrieval.Retriever, store Store, cfg Config) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Service{engine: e, retriever: retriever, store: store, cfg: cfg}
}

// Critique runs the full pipeline for a fresh upload and returns the event
// stream. The channel is closed after the terminal frame. If ctx is
// cancelled mid-stream (client disconnect), forwarding stops and the partial
// result is not persisted.
func (s *Service) Critique(ctx context.Context, sessionID string, image []byte, mimeType string) (<-chan Event, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("missing session")
	}

	events := make(chan Event)
	go func() {
		defer close(events)

		description, err := s.engine.Describe(ctx, s.cfg.VisionModel, prompt.VisionInstruction, image, mimeType)
		if err != nil {
			slog.Error("vision description failed", "error", err)
			s.emit(ctx, events, Event{Kind: KindError, Err: "Failed to generate critique"})
			return
		}

		passages := s.retrieve(ctx, description)
		s.run(ctx, events, generation{
			sessionID:   sessionID,
			description: description,
			messages:    prompt.Critique(description, passages),
			version:     1,
			score:       true,
		})
	}()
	return events, nil
}

// Refine re-runs generation conditioned on a prior critique. The prior is
// loaded scoped to sessionID; a missing or foreign id fails with
// storage.ErrNotFound before any stream starts.
func (s *Service) Refine(ctx context.Context, sessionID string, priorID int64, instructions string) (<-chan Event, error) {
	prior, err := s.store.GetCritique(ctx, priorID, sessionID)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		parentID := prior.ID
		s.run(ctx, events, generation{
			sessionID:   sessionID,
			description: prior.ImageDescription,
			messages:    prompt.Refine(prior.Critique, prior.ImageDescription, instructions),
			version:     prior.Version + 1,
			parentID:    &parentID,
		})
	}()
	return events, nil
}

// Saved identifies a persisted critique version.
type Saved struct {
	ID      int64
	Version int
}

// CritiqueSync is the blocking shape of Critique: it runs the same pipeline
// and returns the full text once generation completes. saved is nil when
// persistence failed (the text is still valid and delivered).
func (s *Service) CritiqueSync(ctx context.Context, sessionID string, image []byte, mimeType string) (string, *Saved, error) {
	events, err := s.Critique(ctx, sessionID, image, mimeType)
	if err != nil {
		return "", nil, err
	}
	return Collect(events)
}

// Collect drains an event stream into its blocking result: the full text and
// the persisted version, or the stream's terminal error.
func Collect(events <-chan Event) (string, *Saved, error) {
	var full strings.Builder
	var saved *Saved
	for ev := range events {
		switch ev.Kind {
		case KindDelta:
			full.WriteString(ev.Delta)
		case KindSaved:
			saved = &Saved{ID: ev.SavedID, Version: ev.Version}
		case KindError:
			return "", nil, fmt.Errorf("%s", ev.Err)
		}
	}
	return full.String(), saved, nil
}

// generation is one pass through the stream-then-persist core, shared by
// fresh critiques and refinements.
type generation struct {
	sessionID   string
	description string
	messages    []engine.Message
	version     int
	parentID    *int64
	score       bool
}

// run streams the generation and, on clean completion, persists the result.
// The full critique text is the concatenation of all emitted deltas in
// order; the persisted record matches it byte for byte.
func (s *Service) run(ctx context.Context, events chan<- Event, g generation) {
	var full strings.Builder

	err := s.engine.ChatStream(ctx, s.cfg.CritiqueModel, g.messages, func(delta string) error {
		full.WriteString(delta)
		if !s.emit(ctx, events, Event{Kind: KindDelta, Delta: delta}) {
			return context.Canceled
		}
		return nil
	})
	if err != nil {
		// Already-emitted deltas stand; the error frame is the single
		// terminal. An incomplete critique is never persisted.
		slog.Error("critique generation failed mid-stream", "error", err, "version", g.version)
		s.emit(ctx, events, Event{Kind: KindError, Err: "Failed to generate critique"})
		return
	}

	if saved := s.persist(ctx, g, full.String()); saved != nil {
		if !s.emit(ctx, events, Event{Kind: KindSaved, SavedID: saved.ID, Version: saved.Version}) {
			return
		}
	}

	s.emit(ctx, events, Event{Kind: KindDone})
}

// retrieve fetches supporting passages for the prompt. Retrieval failure
// degrades to empty context; it never aborts generation.
func (s *Service) retrieve(ctx context.Context, description string) []string {
	passages, err := s.retriever.Retrieve(ctx, description, s.cfg.TopK)
	if err != nil {
		slog.Warn("knowledge retrieval failed, generating without context", "error", err)
		return nil
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	return texts
}

// emit sends one event unless ctx is done. Returns false when the consumer
// is gone, so callers stop producing.
func (s *Service) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
