package vector

import "fmt"

// IndexType names a vector index implementation.
type IndexType string

const (
	// IndexTypeFlat is exact exhaustive inner-product search over an in-memory array.
	IndexTypeFlat IndexType = "flat"
	// IndexTypeMemory is an alias of IndexTypeFlat.
	IndexTypeMemory IndexType = "memory"
)

// NewVectorIndex creates an empty vector index of the specified type.
// Only exact search is implemented; approximate types (hnsw, ivf, ...) are rejected.
func NewVectorIndex(indexType string, dimensions int) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeFlat, IndexTypeMemory, "":
		return NewMemoryIndex(dimensions)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: flat)", indexType)
	}
}
