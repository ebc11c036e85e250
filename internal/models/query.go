package models

import (
	"fmt"
	"math"
	"strings"
)

// SearchQuery is a retrieval request.
type SearchQuery struct {
	Query          string            `json:"query"`
	TopK           int               `json:"top_k,omitempty"`
	ScoreThreshold *float64          `json:"score_threshold,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
	Diversify      *bool             `json:"diversify,omitempty"` // MMR reranking
}

// QueryDefaults supplies values for fields left unset in a SearchQuery.
type QueryDefaults struct {
	TopK           int
	MaxTopK        int
	ScoreThreshold float64
	Diversify      bool
}

// Validate checks the query and fills unset fields from d.
func (q *SearchQuery) Validate(d QueryDefaults) error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrInvalidQuery)
	}
	if q.TopK < 0 {
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidQuery)
	}
	if q.TopK == 0 {
		q.TopK = d.TopK
	}
	if q.TopK <= 0 {
		q.TopK = 5
	}
	if d.MaxTopK > 0 && q.TopK > d.MaxTopK {
		q.TopK = d.MaxTopK
	}
	if q.ScoreThreshold == nil {
		t := d.ScoreThreshold
		q.ScoreThreshold = &t
	} else if math.IsNaN(*q.ScoreThreshold) || math.IsInf(*q.ScoreThreshold, 0) {
		return fmt.Errorf("%w: score_threshold must be a finite number", ErrInvalidQuery)
	}
	if q.Diversify == nil {
		v := d.Diversify
		q.Diversify = &v
	}
	for name := range q.Filters {
		if !IsFilterable(name) {
			return fmt.Errorf("%w: unknown filter attribute %q", ErrInvalidQuery, name)
		}
	}
	return nil
}

// Threshold returns the score threshold, or 0 when unset.
func (q *SearchQuery) Threshold() float64 {
	if q.ScoreThreshold == nil {
		return 0
	}
	return *q.ScoreThreshold
}

// DiversifyOrDefault returns whether MMR reranking is requested; def applies when unset.
func (q *SearchQuery) DiversifyOrDefault(def bool) bool {
	if q.Diversify != nil {
		return *q.Diversify
	}
	return def
}
