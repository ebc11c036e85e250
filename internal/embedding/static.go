package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/shirabe/internal/models"
)

// StaticEmbedder returns fixed vectors for known texts. Texts without a vector fail with
// ErrUnknownText. It lets tests state exact geometry.
type StaticEmbedder struct {
	dimensions int
	vectors    map[string][]float32
}

// NewStaticEmbedder builds an embedder from text -> vector. Every vector must have the
// given dimensions.
func NewStaticEmbedder(dimensions int, vectors map[string][]float32) (*StaticEmbedder, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	e := &StaticEmbedder{dimensions: dimensions, vectors: make(map[string][]float32, len(vectors))}
	for text, v := range vectors {
		if len(v) != dimensions {
			return nil, fmt.Errorf("vector for %q: %w", text, &models.DimensionMismatchError{Got: len(v), Want: dimensions})
		}
		e.vectors[text] = append([]float32(nil), v...)
	}
	return e, nil
}

// Embed returns a copy of the vector registered for text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := e.vectors[text]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownText, text)
	}
	return append([]float32(nil), v...), nil
}

// EmbedBatch calls Embed for each text.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *StaticEmbedder) Dimensions() int { return e.dimensions }

func (e *StaticEmbedder) ModelName() string { return "static" }

func (e *StaticEmbedder) Close() error { return nil }
