package vector

import (
	"fmt"
	"sync"

	"github.com/hyperjump/shirabe/internal/models"
)

// MemoryIndex is an in-memory vector index using brute-force inner product search.
// Vectors are stored row-major in one contiguous slice.
type MemoryIndex struct {
	dimensions int
	data       []float32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{dimensions: dimensions}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeFlat)
}

// Dimensions returns the width of every stored vector.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Append adds vectors at the end of the index. All vectors are checked before any is stored.
func (m *MemoryIndex) Append(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != m.dimensions {
			return &models.DimensionMismatchError{Got: len(v), Want: m.dimensions}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	grown := make([]float32, len(m.data), len(m.data)+len(vectors)*m.dimensions)
	copy(grown, m.data)
	for _, v := range vectors {
		grown = append(grown, v...)
	}
	m.data = grown
	return nil
}

// ScoreAll scores query against the vectors at positions (all vectors when positions is nil).
func (m *MemoryIndex) ScoreAll(query []float32, positions []int) ([]Scored, error) {
	if len(query) != m.dimensions {
		return nil, &models.DimensionMismatchError{Got: len(query), Want: m.dimensions}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.data) / m.dimensions
	if positions == nil {
		out := make([]Scored, n)
		for p := 0; p < n; p++ {
			out[p] = Scored{Position: p, Score: InnerProduct(query, m.row(p))}
		}
		return out, nil
	}
	out := make([]Scored, len(positions))
	for i, p := range positions {
		if p < 0 || p >= n {
			return nil, fmt.Errorf("%w: vector %d (size %d)", models.ErrOutOfRange, p, n)
		}
		out[i] = Scored{Position: p, Score: InnerProduct(query, m.row(p))}
	}
	return out, nil
}

// Vector returns a copy of the vector at pos.
func (m *MemoryIndex) Vector(pos int) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.data) / m.dimensions
	if pos < 0 || pos >= n {
		return nil, fmt.Errorf("%w: vector %d (size %d)", models.ErrOutOfRange, pos, n)
	}
	out := make([]float32, m.dimensions)
	copy(out, m.row(pos))
	return out, nil
}

// row returns the stored slice for position p. Caller holds the lock.
func (m *MemoryIndex) row(p int) []float32 {
	return m.data[p*m.dimensions : (p+1)*m.dimensions]
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data) / m.dimensions
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
