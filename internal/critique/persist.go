package critique

import (
	"context"
	"log/slog"
	"time"

	"github.com/photomentor/pmv/internal/storage"
)

// persist runs only after the full critique text is assembled. It embeds the
// image description (not the critique text, so refinement versions of one
// lineage stay neighbors in vector space), optionally scores a rubric, and
// inserts the record. Returns nil on store failure: the stream already
// delivered the text, so persistence failure is soft — logged, no saved
// frame, and the client sees the absence of savedId as non-persistence.
func (s *Service) persist(ctx context.Context, g generation, fullText string) *Saved {
	embedding, err := s.engine.Embed(ctx, s.cfg.EmbedModel, g.description)
	if err != nil {
		// Stored with a null embedding: still in history, absent from search.
		slog.Warn("description embedding failed", "error", err)
		embedding = nil
	}

	var rubricJSON string
	if g.score {
		rubricJSON = s.scoreRubric(ctx, g.description, fullText)
	}

	id, err := s.store.InsertCritique(ctx, storage.Critique{
		SessionID:        g.sessionID,
		ImageDescription: g.description,
		Critique:         fullText,
		RubricJSON:       rubricJSON,
		Embedding:        embedding,
		Version:          g.version,
		ParentID:         g.parentID,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("failed to persist critique", "error", err, "session", g.sessionID, "version", g.version)
		return nil
	}
	return &Saved{ID: id, Version: g.version}
}
