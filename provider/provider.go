// Package provider defines the two external-provider adapter contracts the
// engine depends on: embedding (text to vector) and completion (prompt to
// text). Both are treated as cancellable, bounded-time operations; every
// failure has a documented degradation path in the engine, so provider
// outages never propagate to callers.
package provider

import "context"

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local all-MiniLM-L6-v2).
//
// Output dimensionality is fixed per deployment; the engine rejects an
// embedder whose Dimensions disagree with its configuration at construction.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Completer maps a prompt to natural-language output. The engine uses one
// Completer for four distinct prompt templates: chunk boundaries, context
// labels, conflict detection, and recall synthesis.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
