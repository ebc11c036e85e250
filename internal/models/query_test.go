package models

import (
	"errors"
	"math"
	"testing"
)

func TestSearchQuery_Validate(t *testing.T) {
	defaults := QueryDefaults{TopK: 5, MaxTopK: 100, ScoreThreshold: 0.3, Diversify: true}
	tests := []struct {
		name    string
		query   *SearchQuery
		wantErr bool
	}{
		{"empty query", &SearchQuery{Query: ""}, true},
		{"blank query", &SearchQuery{Query: "   "}, true},
		{"valid query", &SearchQuery{Query: "hello"}, false},
		{"negative top_k", &SearchQuery{Query: "x", TopK: -1}, true},
		{"sets default top_k", &SearchQuery{Query: "x", TopK: 0}, false},
		{"caps top_k at max", &SearchQuery{Query: "x", TopK: 500}, false},
		{"unknown filter", &SearchQuery{Query: "x", Filters: map[string]string{"colour": "red"}}, true},
		{"known filter", &SearchQuery{Query: "x", Filters: map[string]string{"section": "Sport"}}, false},
		{"nan threshold", &SearchQuery{Query: "x", ScoreThreshold: ptr(math.NaN())}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate(defaults)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidQuery) {
					t.Errorf("error should be ErrInvalidQuery, got %v", err)
				}
				return
			}
			if tt.query.TopK <= 0 || tt.query.TopK > 100 {
				t.Errorf("top_k not normalized: %d", tt.query.TopK)
			}
			if tt.query.ScoreThreshold == nil || *tt.query.ScoreThreshold != 0.3 {
				t.Errorf("expected default threshold 0.3, got %v", tt.query.ScoreThreshold)
			}
			if !tt.query.DiversifyOrDefault(false) {
				t.Error("expected diversify default from QueryDefaults")
			}
		})
	}
}

func TestSearchQuery_ValidateKeepsExplicitValues(t *testing.T) {
	q := &SearchQuery{Query: "x", TopK: 2, ScoreThreshold: ptr(1.1), Diversify: ptr(false)}
	if err := q.Validate(QueryDefaults{TopK: 5, ScoreThreshold: 0.3, Diversify: true}); err != nil {
		t.Fatal(err)
	}
	if q.TopK != 2 || q.Threshold() != 1.1 || q.DiversifyOrDefault(true) {
		t.Errorf("explicit values overwritten: %+v", q)
	}
}

func ptr[T any](v T) *T { return &v }
