package metadata

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hyperjump/shirabe/internal/models"
)

// Filter index types.
const (
	FilterScan   = "scan"
	FilterMemory = "memory"
	FilterBleve  = "bleve"
)

// FilterIndex maps attribute values to row positions. Implementations are not safe for
// concurrent writes; the Store serializes access.
type FilterIndex interface {
	// Add indexes rows stored at positions [start, start+len(rows)).
	Add(start int, rows []*models.Chunk) error
	// Lookup returns ascending positions matching all filters, values compared case-insensitively.
	Lookup(filters map[string]string) ([]int, error)
	Type() string
	Close() error
}

// NewFilterIndex creates an empty filter index of the given type ("" means memory).
func NewFilterIndex(kind string) (FilterIndex, error) {
	switch kind {
	case FilterMemory, "":
		return NewMemoryFilter(), nil
	case FilterScan:
		return NewScanFilter(), nil
	case FilterBleve:
		return NewBleveFilter()
	default:
		return nil, fmt.Errorf("unknown filter index: %s (supported: memory, scan, bleve)", kind)
	}
}

func foldValue(s string) string {
	return strings.ToLower(s)
}

// ScanFilter compares every row on each lookup.
type ScanFilter struct {
	rows []*models.Chunk
}

// NewScanFilter creates a filter that scans all rows.
func NewScanFilter() *ScanFilter {
	return &ScanFilter{}
}

func (f *ScanFilter) Add(start int, rows []*models.Chunk) error {
	if start != len(f.rows) {
		return fmt.Errorf("non-contiguous add at %d (size %d)", start, len(f.rows))
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *ScanFilter) Lookup(filters map[string]string) ([]int, error) {
	var out []int
	for pos, row := range f.rows {
		if matchesAll(row, filters) {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (f *ScanFilter) Type() string { return FilterScan }

func (f *ScanFilter) Close() error { return nil }

func matchesAll(row *models.Chunk, filters map[string]string) bool {
	for name, want := range filters {
		got, ok := row.Attribute(name)
		if !ok || foldValue(got) != foldValue(want) {
			return false
		}
	}
	return true
}

// MemoryFilter is an inverted index: attribute -> folded value -> ascending positions.
// It is maintained incrementally on Add.
type MemoryFilter struct {
	postings map[string]map[string][]int
	size     int
}

// NewMemoryFilter creates an empty inverted index.
func NewMemoryFilter() *MemoryFilter {
	return &MemoryFilter{postings: make(map[string]map[string][]int)}
}

func (f *MemoryFilter) Add(start int, rows []*models.Chunk) error {
	if start != f.size {
		return fmt.Errorf("non-contiguous add at %d (size %d)", start, f.size)
	}
	for i, row := range rows {
		for _, name := range models.FilterableAttributes {
			v, _ := row.Attribute(name)
			byValue := f.postings[name]
			if byValue == nil {
				byValue = make(map[string][]int)
				f.postings[name] = byValue
			}
			key := foldValue(v)
			byValue[key] = append(byValue[key], start+i)
		}
	}
	f.size += len(rows)
	return nil
}

func (f *MemoryFilter) Lookup(filters map[string]string) ([]int, error) {
	lists := make([][]int, 0, len(filters))
	for name, value := range filters {
		list := f.postings[name][foldValue(value)]
		if len(list) == 0 {
			return nil, nil
		}
		lists = append(lists, list)
	}
	if len(lists) == 0 {
		return nil, nil
	}
	sort.Slice(lists, func(i, j int) bool { return len(lists[i]) < len(lists[j]) })
	out := append([]int(nil), lists[0]...)
	for _, list := range lists[1:] {
		out = intersectSorted(out, list)
		if len(out) == 0 {
			return nil, nil
		}
	}
	return out, nil
}

func (f *MemoryFilter) Type() string { return FilterMemory }

func (f *MemoryFilter) Close() error { return nil }

// intersectSorted intersects two ascending lists into a (reused) prefix of a.
func intersectSorted(a, b []int) []int {
	out := a[:0]
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}
