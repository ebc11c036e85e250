// Package batch reads externally produced chunk batches from disk.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hyperjump/shirabe/internal/models"
)

// Extensions lists the batch file types ReadFile understands.
var Extensions = []string{".jsonl", ".ndjson", ".json", ".csv", ".xlsx", ".parquet"}

// Supported reports whether path has a batch file extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Expand resolves patterns to a sorted, de-duplicated list of batch files. A pattern may be
// a file, a directory (searched recursively for supported files) or a doublestar glob such
// as "inbox/**/*.jsonl".
func Expand(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, pattern := range patterns {
		if !hasMeta(pattern) {
			info, err := os.Stat(pattern)
			if err != nil {
				return nil, fmt.Errorf("batch input %s: %w", pattern, err)
			}
			if !info.IsDir() {
				add(filepath.Clean(pattern))
				continue
			}
			pattern = filepath.Join(pattern, "**", "*")
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if Supported(m) {
				add(filepath.Clean(m))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// ReadFile reads every chunk of the batch file at path. The format follows the extension.
// Records missing chunk_id, document_id or text, and unknown fields or columns, fail the
// whole file with models.ErrInvalidChunk.
func ReadFile(path string) ([]*models.Chunk, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return readJSONL(path)
	case ".json":
		return readJSON(path)
	case ".csv":
		return readCSV(path)
	case ".xlsx":
		return readXLSX(path)
	case ".parquet":
		return readParquet(path)
	default:
		return nil, fmt.Errorf("unsupported batch file %s (supported: %s)", path, strings.Join(Extensions, ", "))
	}
}

// ReadFiles reads the files in order and concatenates their chunks.
func ReadFiles(paths []string) ([]*models.Chunk, error) {
	var out []*models.Chunk
	for _, p := range paths {
		chunks, err := ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
	}
	return out, nil
}

func invalid(path string, record int, err error) error {
	return fmt.Errorf("%s: record %d: %w", path, record, err)
}
