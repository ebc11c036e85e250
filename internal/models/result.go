package models

// SearchResult is a retrieved chunk joined with its similarity score.
// The chunk attributes are flattened into the JSON object.
type SearchResult struct {
	Chunk
	Score    float64 `json:"score"` // inner product, rounded to 4 decimals
	Rank     int     `json:"rank"`
	Position int     `json:"-"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
	Query     string          `json:"query"`
}
