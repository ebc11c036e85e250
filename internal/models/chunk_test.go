package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestChunkIDRoundTrip(t *testing.T) {
	tests := []struct {
		doc     string
		ordinal int
	}{
		{"sport/2024/jan/01/match-report", 0},
		{"a__b", 7},
		{"x", 12},
	}
	for _, tt := range tests {
		id := NewChunkID(tt.doc, tt.ordinal)
		doc, ord, err := ParseChunkID(id)
		if err != nil {
			t.Fatalf("ParseChunkID(%q): %v", id, err)
		}
		if doc != tt.doc || ord != tt.ordinal {
			t.Errorf("ParseChunkID(%q) = %q, %d", id, doc, ord)
		}
	}
}

func TestParseChunkID_Malformed(t *testing.T) {
	for _, id := range []string{"", "nodelimiter", "__3", "doc__", "doc__x", "doc__-1"} {
		if _, _, err := ParseChunkID(id); err == nil {
			t.Errorf("ParseChunkID(%q) should fail", id)
		}
	}
}

func TestChunk_Validate(t *testing.T) {
	tests := []struct {
		name  string
		chunk Chunk
		ok    bool
	}{
		{"complete", Chunk{ChunkID: "d__0", DocumentID: "d", Text: "hello"}, true},
		{"missing id", Chunk{DocumentID: "d", Text: "hello"}, false},
		{"missing document", Chunk{ChunkID: "d__0", Text: "hello"}, false},
		{"blank text", Chunk{ChunkID: "d__0", DocumentID: "d", Text: " \n\t"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.chunk.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidChunk) {
				t.Errorf("expected ErrInvalidChunk, got %v", err)
			}
		})
	}
}

func TestChunk_Attribute(t *testing.T) {
	c := &Chunk{ChunkID: "d__0", DocumentID: "d", Section: "Sport", Topic: "uk"}
	for _, name := range FilterableAttributes {
		if _, ok := c.Attribute(name); !ok {
			t.Errorf("attribute %q should be known", name)
		}
	}
	if v, _ := c.Attribute(AttrSection); v != "Sport" {
		t.Errorf("section = %q", v)
	}
	if _, ok := c.Attribute("text"); ok {
		t.Error("text is not filterable")
	}
}

func TestTypedErrorsMatchKinds(t *testing.T) {
	var err error = &CorruptIndexError{Artifact: ArtifactVectors, Path: "/x", Reason: "bad magic"}
	if !errors.Is(fmt.Errorf("load: %w", err), ErrCorruptIndex) {
		t.Error("CorruptIndexError should match ErrCorruptIndex")
	}
	var cie *CorruptIndexError
	if !errors.As(err, &cie) || cie.Artifact != ArtifactVectors {
		t.Error("errors.As should expose the artifact")
	}
	err = &DimensionMismatchError{Got: 4, Want: 3}
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Error("DimensionMismatchError should match ErrDimensionMismatch")
	}
}
