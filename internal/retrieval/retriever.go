package retrieval

import (
	"context"
)

// Passage is a retrieved context fragment with its similarity score.
type Passage struct {
	ID    string
	Text  string
	Score float32
}

// Retriever fetches supporting context passages for a query. It is selected
// at startup: a configured knowledge base gets a VectorRetriever, otherwise
// Disabled stands in and returns empty context deterministically. Downstream
// code never nil-checks a retriever.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Passage, error)
}

// VectorRetriever combines embedding and vector search over the knowledge base.
type VectorRetriever struct {
	embedder *Embedder
	store    *SQLiteStore
}

// NewVectorRetriever creates a Retriever backed by the given Embedder and store.
func NewVectorRetriever(embedder *Embedder, store *SQLiteStore) *VectorRetriever {
	return &VectorRetriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the top-K most similar passages.
func (r *VectorRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, err
	}

	passages := make([]Passage, len(scored))
	for i, s := range scored {
		passages[i] = Passage{ID: s.ID, Text: s.TextChunk, Score: s.Score}
	}
	return passages, nil
}

// Disabled is the absent-knowledge-base variant.
type Disabled struct{}

// Retrieve always returns empty context and no error.
func (Disabled) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	return nil, nil
}
