// Package embedding provides the text embedding providers and an LRU cache decorator.
package embedding

import (
	"context"
	"errors"
)

// Embedder produces vector embeddings for text. Vectors from one Embedder all have
// Dimensions() entries; they are not required to be normalized.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// ModelName identifies the vector space; indexes built by different models are incompatible.
	ModelName() string
	Close() error
}

// ErrUnknownText is returned by StaticEmbedder for a text it has no vector for.
var ErrUnknownText = errors.New("no embedding for text")
