// Package models defines core data structures for chunks, queries, and search results.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// chunkIDSeparator joins the document id and the ordinal in a chunk id.
const chunkIDSeparator = "__"

// Chunk is the smallest retrievable unit: a piece of text plus the descriptive
// attributes of the document it came from. The attribute set is fixed.
type Chunk struct {
	ChunkID     string    `json:"chunk_id"`
	DocumentID  string    `json:"document_id"`
	Text        string    `json:"text"`
	Fingerprint string    `json:"content_fingerprint,omitempty"`
	Title       string    `json:"title,omitempty"`
	Section     string    `json:"section,omitempty"`
	Authors     string    `json:"authors,omitempty"`
	Keywords    string    `json:"keywords,omitempty"`
	Publication string    `json:"publication,omitempty"`
	Pillar      string    `json:"pillar,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	URL         string    `json:"url,omitempty"`
}

// Filterable attribute names accepted by attribute filters.
const (
	AttrChunkID     = "chunk_id"
	AttrDocumentID  = "document_id"
	AttrTitle       = "title"
	AttrSection     = "section"
	AttrAuthors     = "authors"
	AttrKeywords    = "keywords"
	AttrPublication = "publication"
	AttrPillar      = "pillar"
	AttrTopic       = "topic"
	AttrURL         = "url"
)

// FilterableAttributes lists every attribute name that can appear in a filter.
var FilterableAttributes = []string{
	AttrChunkID, AttrDocumentID, AttrTitle, AttrSection, AttrAuthors,
	AttrKeywords, AttrPublication, AttrPillar, AttrTopic, AttrURL,
}

// Attribute returns the value of a filterable attribute. ok is false for unknown names.
func (c *Chunk) Attribute(name string) (value string, ok bool) {
	switch name {
	case AttrChunkID:
		return c.ChunkID, true
	case AttrDocumentID:
		return c.DocumentID, true
	case AttrTitle:
		return c.Title, true
	case AttrSection:
		return c.Section, true
	case AttrAuthors:
		return c.Authors, true
	case AttrKeywords:
		return c.Keywords, true
	case AttrPublication:
		return c.Publication, true
	case AttrPillar:
		return c.Pillar, true
	case AttrTopic:
		return c.Topic, true
	case AttrURL:
		return c.URL, true
	default:
		return "", false
	}
}

// IsFilterable reports whether name is a known filter attribute.
func IsFilterable(name string) bool {
	for _, a := range FilterableAttributes {
		if a == name {
			return true
		}
	}
	return false
}

// Validate checks the required fields. It does not compute the fingerprint.
func (c *Chunk) Validate() error {
	if strings.TrimSpace(c.ChunkID) == "" {
		return fmt.Errorf("%w: chunk_id is required", ErrInvalidChunk)
	}
	if strings.TrimSpace(c.DocumentID) == "" {
		return fmt.Errorf("%w: document_id is required (chunk %s)", ErrInvalidChunk, c.ChunkID)
	}
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("%w: text is empty (chunk %s)", ErrInvalidChunk, c.ChunkID)
	}
	return nil
}

// Clone returns a copy of c.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	return &cp
}

// NewChunkID builds the chunk id for the ordinal-th chunk of a document.
func NewChunkID(documentID string, ordinal int) string {
	return documentID + chunkIDSeparator + strconv.Itoa(ordinal)
}

// ParseChunkID splits a chunk id produced by NewChunkID. The document id may itself
// contain the separator; the ordinal is taken after the last one.
func ParseChunkID(chunkID string) (documentID string, ordinal int, err error) {
	i := strings.LastIndex(chunkID, chunkIDSeparator)
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed chunk id %q", chunkID)
	}
	ordinal, err = strconv.Atoi(chunkID[i+len(chunkIDSeparator):])
	if err != nil || ordinal < 0 {
		return "", 0, fmt.Errorf("malformed chunk id %q: bad ordinal", chunkID)
	}
	return chunkID[:i], ordinal, nil
}
