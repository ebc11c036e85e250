package batch

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hyperjump/shirabe/internal/models"
)

// columnAliases maps upstream column names to chunk fields.
var columnAliases = map[string]string{
	"article_id":        "document_id",
	"chunk_text":        "text",
	"chunk_fingerprint": "content_fingerprint",
	"topic_country":     "topic",
}

// ignoredColumns are upstream columns with no chunk field.
var ignoredColumns = map[string]bool{
	"chunk_ord": true,
	"source":    true,
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

// header resolves column names to chunk fields.
type header []string

func parseHeader(cols []string) (header, error) {
	h := make(header, len(cols))
	seen := make(map[string]bool, len(cols))
	for i, col := range cols {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if ignoredColumns[name] || strings.HasPrefix(name, "__index_level_") {
			continue
		}
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		if !knownColumn(name) {
			return nil, fmt.Errorf("%w: unknown column %q", models.ErrInvalidChunk, col)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate column %q", models.ErrInvalidChunk, name)
		}
		seen[name] = true
		h[i] = name
	}
	for _, required := range []string{"chunk_id", "document_id", "text"} {
		if !seen[required] {
			return nil, fmt.Errorf("%w: missing column %q", models.ErrInvalidChunk, required)
		}
	}
	return h, nil
}

func knownColumn(name string) bool {
	switch name {
	case "text", "content_fingerprint", "published_at":
		return true
	}
	return models.IsFilterable(name)
}

// chunk builds a chunk from one row. Missing trailing cells are empty and ignored columns
// have an empty name.
func (h header) chunk(row []string) (*models.Chunk, error) {
	c := &models.Chunk{}
	for i, name := range h {
		var v string
		if i < len(row) {
			v = strings.TrimSpace(row[i])
		}
		switch name {
		case "chunk_id":
			c.ChunkID = v
		case "document_id":
			c.DocumentID = v
		case "text":
			c.Text = v
		case "content_fingerprint":
			c.Fingerprint = v
		case "title":
			c.Title = v
		case "section":
			c.Section = v
		case "authors":
			c.Authors = v
		case "keywords":
			c.Keywords = v
		case "publication":
			c.Publication = v
		case "pillar":
			c.Pillar = v
		case "topic":
			c.Topic = v
		case "url":
			c.URL = v
		case "published_at":
			t, err := parseTime(v)
			if err != nil {
				return nil, err
			}
			c.PublishedAt = t
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized published_at %q", models.ErrInvalidChunk, v)
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// fromRows converts a header row plus data rows. Record numbers count the header as 1.
func fromRows(path string, rows [][]string) ([]*models.Chunk, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	h, err := parseHeader(rows[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := make([]*models.Chunk, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		c, err := h.chunk(row)
		if err != nil {
			return nil, invalid(path, i+2, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func readCSV(path string) ([]*models.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", path, models.ErrInvalidChunk, err)
		}
		rows = append(rows, row)
	}
	return fromRows(path, rows)
}
