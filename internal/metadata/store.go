// Package metadata provides the Metadata Store: the ordered chunk rows aligned with the
// vector index, their dedup lookups, attribute filter indexes and on-disk codecs.
package metadata

import (
	"fmt"
	"sync"

	"github.com/hyperjump/shirabe/internal/models"
)

// Store is an append-only table of chunks. Row i describes vector i of the index.
type Store struct {
	mu           sync.RWMutex
	rows         []*models.Chunk
	ids          map[string]int
	fingerprints map[string]int
	filter       FilterIndex
}

// Option configures a Store.
type Option func(*Store)

// WithFilterIndex sets the secondary attribute index used by Filter.
func WithFilterIndex(f FilterIndex) Option {
	return func(s *Store) {
		s.filter = f
	}
}

// NewStore creates an empty store. Without WithFilterIndex an in-memory inverted index is used.
func NewStore(opts ...Option) *Store {
	s := &Store{
		ids:          make(map[string]int),
		fingerprints: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.filter == nil {
		s.filter = NewMemoryFilter()
	}
	return s
}

// Append adds rows at the end and returns the position of the first one, so the rows
// occupy [first, first+len(rows)). Rows are validated before any is stored; a repeated
// chunk_id is rejected.
func (s *Store) Append(rows []*models.Chunk) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := len(s.rows)
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if r == nil {
			return first, fmt.Errorf("%w: nil row", models.ErrInvalidChunk)
		}
		if err := r.Validate(); err != nil {
			return first, err
		}
		if _, ok := s.ids[r.ChunkID]; ok {
			return first, fmt.Errorf("%w: duplicate chunk_id %s", models.ErrInvalidChunk, r.ChunkID)
		}
		if _, ok := seen[r.ChunkID]; ok {
			return first, fmt.Errorf("%w: duplicate chunk_id %s", models.ErrInvalidChunk, r.ChunkID)
		}
		seen[r.ChunkID] = struct{}{}
	}

	stored := make([]*models.Chunk, len(rows))
	for i, r := range rows {
		stored[i] = r.Clone()
	}
	if err := s.filter.Add(first, stored); err != nil {
		return first, fmt.Errorf("index attributes: %w", err)
	}
	for i, r := range stored {
		s.ids[r.ChunkID] = first + i
		if r.Fingerprint != "" {
			if _, ok := s.fingerprints[r.Fingerprint]; !ok {
				s.fingerprints[r.Fingerprint] = first + i
			}
		}
	}
	s.rows = append(s.rows, stored...)
	return first, nil
}

// Get returns a copy of the row at pos.
func (s *Store) Get(pos int) (*models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos < 0 || pos >= len(s.rows) {
		return nil, fmt.Errorf("%w: metadata row %d (size %d)", models.ErrOutOfRange, pos, len(s.rows))
	}
	return s.rows[pos].Clone(), nil
}

// Size returns the number of rows.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// HasChunkID reports whether a row with the chunk id exists.
func (s *Store) HasChunkID(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// HasFingerprint reports whether a row with the content fingerprint exists.
func (s *Store) HasFingerprint(fp string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fingerprints[fp]
	return ok
}

// Filter returns the ascending positions whose attributes equal every filter value,
// ignoring case. An empty filter set matches every row.
func (s *Store) Filter(filters map[string]string) ([]int, error) {
	for name, value := range filters {
		if !models.IsFilterable(name) {
			return nil, fmt.Errorf("%w: unknown filter attribute %q", models.ErrInvalidQuery, name)
		}
		if value == "" {
			return nil, fmt.Errorf("%w: empty value for filter %q", models.ErrInvalidQuery, name)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(filters) == 0 {
		all := make([]int, len(s.rows))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	return s.filter.Lookup(filters)
}

// Chunks returns the rows in position order. The chunks must not be modified.
func (s *Store) Chunks() []*models.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Chunk, len(s.rows))
	copy(out, s.rows)
	return out
}

// FilterType names the secondary index backing Filter.
func (s *Store) FilterType() string {
	return s.filter.Type()
}

// Close releases the filter index.
func (s *Store) Close() error {
	return s.filter.Close()
}
