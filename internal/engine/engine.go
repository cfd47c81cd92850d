package engine

import "context"

// Engine abstracts an inference backend (OpenAI or a local Ollama instance).
// The critique pipeline, embedder, and scorer use this interface instead of
// depending on a concrete client. Implementations carry no retry logic of
// their own; retries, if any, belong to the underlying client's policy.
type Engine interface {
	// Describe sends the image inline with a text instruction to a
	// multimodal model and returns the raw text response.
	Describe(ctx context.Context, model, instruction string, image []byte, mimeType string) (string, error)

	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// ChatStream sends messages to the given model configured for incremental
	// output, invoking onDelta for each text chunk in emission order. A non-nil
	// error from onDelta aborts the stream. Returns a non-nil error on
	// mid-stream failure; chunks already delivered stand.
	ChatStream(ctx context.Context, model string, messages []Message, onDelta func(delta string) error) error

	// Embed returns the embedding vector for the given text using the
	// specified model. The dimensionality is fixed per model.
	Embed(ctx context.Context, model, text string) ([]float32, error)
}
