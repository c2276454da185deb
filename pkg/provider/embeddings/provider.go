// Package embeddings defines the interface for text embedding backends.
//
// Embeddings drive two things here: semantic lookup over the internal
// knowledge base (pgvector cosine search) and the embedding-similarity
// scorer that ranks excerpts when no cross-encoder is reachable. Query text
// flows through the backend, so HIPAA deployments configure a local model.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// Every vector a single Provider returns has length Dimensions(), and
// vectors from different providers or models must never meet in the same
// similarity computation. Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for one text. Text is passed to the model
	// verbatim; any model-specific prefixing is the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one backend call, preserving order. On
	// error no partial results are returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed vector length for this provider's model.
	Dimensions() int

	// ModelID names the underlying embeddings model.
	ModelID() string
}
