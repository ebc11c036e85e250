// Package snapshot persists the vector index and the metadata store as one pair of artifacts.
package snapshot

import (
	"github.com/hyperjump/shirabe/internal/metadata"
	"github.com/hyperjump/shirabe/internal/vector"
)

// Paths locates the two artifacts of a snapshot.
type Paths struct {
	Index    string
	Metadata string
}

func backupPath(p string) string { return p + ".bak" }

func tmpPath(p string) string { return p + ".tmp" }

// Snapshot is a loaded, positionally aligned (index, metadata) pair. Index is nil for a fresh
// snapshot whose dimension is not known yet.
type Snapshot struct {
	Index vector.VectorIndex
	Store *metadata.Store
}

// Size returns the number of indexed chunks.
func (s *Snapshot) Size() int {
	if s == nil || s.Store == nil {
		return 0
	}
	return s.Store.Size()
}

// Dimensions returns the vector width, or 0 when no index exists yet.
func (s *Snapshot) Dimensions() int {
	if s == nil || s.Index == nil {
		return 0
	}
	return s.Index.Dimensions()
}

// Close releases the index and the filter index.
func (s *Snapshot) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.Index != nil {
		err = s.Index.Close()
	}
	if s.Store != nil {
		if cerr := s.Store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
