// Package vector provides the fixed-dimension vector index and its binary snapshot format.
package vector

import "io"

// VectorIndex is an ordered collection of same-width vectors scored by inner product.
// Position i is the i-th appended vector; positions never change.
type VectorIndex interface {
	// Append adds vectors at the end. Fails with ErrDimensionMismatch, leaving the index unchanged,
	// if any vector has the wrong width.
	Append(vectors [][]float32) error
	// ScoreAll returns the inner product of query with every vector at positions, in the order
	// given. A nil positions slice scores the whole index in position order.
	ScoreAll(query []float32, positions []int) ([]Scored, error)
	// Vector returns a copy of the vector at pos.
	Vector(pos int) ([]float32, error)
	Dimensions() int
	Size() int
	Type() string
	// WriteTo writes the binary snapshot of the index.
	WriteTo(w io.Writer) (int64, error)
	Close() error
}

// Scored is the similarity of one stored vector to a query.
type Scored struct {
	Position int
	Score    float64 // inner product; cosine similarity for normalized vectors
}
