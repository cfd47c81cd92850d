package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/photomentor/pmv/internal/engine"
)

// vocabEngine embeds known texts to fixed vectors so retrieval order is
// deterministic.
type vocabEngine struct {
	vectors map[string][]float32
}

func (v *vocabEngine) Describe(ctx context.Context, model, instruction string, image []byte, mimeType string) (string, error) {
	return "", nil
}

func (v *vocabEngine) Chat(ctx context.Context, model string, messages []engine.Message) (string, error) {
	return "", nil
}

func (v *vocabEngine) ChatStream(ctx context.Context, model string, messages []engine.Message, onDelta func(string) error) error {
	return nil
}

func (v *vocabEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if vec, ok := v.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestVectorRetrieverRetrieve(t *testing.T) {
	vs := openTestStore(t)
	eng := &vocabEngine{vectors: map[string][]float32{
		"portrait lighting": {1, 0, 0},
	}}
	embedder := NewEmbedder(eng, "embed-model")

	insertRecords(t, vs, []Record{
		{ID: "lighting", SourceID: "d", TextChunk: "soften light with a diffuser", Embedding: []float32{0.9, 0.1, 0}, CreatedAt: time.Now().UTC()},
		{ID: "exposure", SourceID: "d", TextChunk: "expose for the highlights", Embedding: []float32{0, 1, 0}, CreatedAt: time.Now().UTC()},
	})

	r := NewVectorRetriever(embedder, vs)
	passages, err := r.Retrieve(context.Background(), "portrait lighting", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(passages) != 1 {
		t.Fatalf("got %d passages, want 1", len(passages))
	}
	if passages[0].Text != "soften light with a diffuser" {
		t.Errorf("passage = %q", passages[0].Text)
	}
	if passages[0].Score <= 0 {
		t.Errorf("score = %v, want positive", passages[0].Score)
	}
}

func TestDisabledRetriever(t *testing.T) {
	passages, err := Disabled{}.Retrieve(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Disabled.Retrieve: %v", err)
	}
	if passages != nil {
		t.Fatalf("Disabled.Retrieve returned %d passages, want none", len(passages))
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	eng := &vocabEngine{vectors: map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
	}}
	embedder := NewEmbedder(eng, "embed-model")

	vecs, err := embedder.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("batch order not preserved: %v", vecs)
	}
}
