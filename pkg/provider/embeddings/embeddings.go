// Package embeddings defines the text-embedding seam used by the vector
// memory store. Implementations live in subpackages (openai) plus a
// mock for tests.
package embeddings

import "context"

// Provider converts text into dense vectors. Vectors returned by the
// same provider always have Dimensions() elements.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}
