// Package retriever answers similarity queries against a loaded snapshot.
package retriever

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/snapshot"
	"github.com/hyperjump/shirabe/internal/vector"
	"github.com/hyperjump/shirabe/pkg/utils"
	"go.uber.org/zap"
)

const (
	defaultLambda     = 0.5
	defaultPoolFactor = 3
	scoreDigits       = 4
)

// Retriever runs exhaustive similarity search with optional MMR diversification.
// The snapshot is read-only for the lifetime of the Retriever.
type Retriever struct {
	snap       *snapshot.Snapshot
	embedder   embedding.Embedder
	normalize  bool
	defaults   models.QueryDefaults
	lambda     float64
	poolFactor int
	logger     *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) {
		r.logger = l
	}
}

// WithLambda overrides the MMR relevance weight.
func WithLambda(lambda float64) Option {
	return func(r *Retriever) {
		r.lambda = lambda
	}
}

// Stats describes the snapshot a Retriever serves.
type Stats struct {
	Vectors      int    `json:"vectors"`
	MetadataRows int    `json:"metadata_rows"`
	Dimensions   int    `json:"dimensions"`
	IndexType    string `json:"index_type"`
	FilterIndex  string `json:"filter_index"`
	Model        string `json:"model"`
}

// New creates a Retriever over snap. cfg supplies the query defaults and the normalize flag.
func New(snap *snapshot.Snapshot, embedder embedding.Embedder, cfg *config.Config, opts ...Option) (*Retriever, error) {
	if snap == nil || snap.Store == nil {
		return nil, fmt.Errorf("retriever requires a loaded snapshot")
	}
	if embedder == nil {
		return nil, fmt.Errorf("retriever requires an embedder")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Retriever{
		snap:       snap,
		embedder:   embedder,
		normalize:  cfg.Index.NormalizeOrDefault(),
		lambda:     defaultLambda,
		poolFactor: cfg.Search.PoolFactor,
		defaults: models.QueryDefaults{
			TopK:    cfg.Search.DefaultTopK,
			MaxTopK: cfg.Search.MaxTopK,
		},
	}
	if cfg.Search.ScoreThreshold != nil {
		r.defaults.ScoreThreshold = *cfg.Search.ScoreThreshold
	}
	if cfg.Search.Diversify != nil {
		r.defaults.Diversify = *cfg.Search.Diversify
	}
	if cfg.Search.MMRLambda != nil {
		r.lambda = *cfg.Search.MMRLambda
	}
	if r.poolFactor <= 0 {
		r.poolFactor = defaultPoolFactor
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lambda < 0 || r.lambda > 1 {
		return nil, fmt.Errorf("mmr lambda must be in [0,1], got %v", r.lambda)
	}
	return r, nil
}

// Search returns at most query.TopK chunks ordered by relevance (or by MMR when diversifying).
// A filter that matches nothing yields an empty response, not an error.
func (r *Retriever) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := query.Validate(r.defaults); err != nil {
		return nil, err
	}
	if r.snap.Index == nil || r.snap.Index.Size() == 0 {
		return nil, models.ErrEmptyIndex
	}

	q, err := r.embedder.Embed(ctx, query.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrEncoding, err)
	}
	if len(q) != r.snap.Index.Dimensions() {
		return nil, &models.DimensionMismatchError{Got: len(q), Want: r.snap.Index.Dimensions()}
	}
	if r.normalize {
		q = utils.NormalizedCopy(q)
	}

	response := &models.SearchResponse{Results: []*models.SearchResult{}, Query: query.Query}

	var candidates []int
	if len(query.Filters) > 0 {
		candidates, err = r.snap.Store.Filter(query.Filters)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			response.QueryTime = time.Since(startTime).Milliseconds()
			return response, nil
		}
	}

	scored, err := r.snap.Index.ScoreAll(q, candidates)
	if err != nil {
		return nil, fmt.Errorf("score candidates: %w", err)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Position < scored[j].Position
	})

	// Compare by division: TopK*poolFactor can overflow when no max_top_k caps TopK.
	poolSize := len(scored)
	if query.TopK < (len(scored)+r.poolFactor-1)/r.poolFactor {
		poolSize = query.TopK * r.poolFactor
	}
	pool := scored[:poolSize]

	var selected []vector.Scored
	if query.DiversifyOrDefault(r.defaults.Diversify) && len(pool) > 1 {
		selected, err = r.rerank(pool, query.TopK)
		if err != nil {
			return nil, err
		}
	} else {
		k := query.TopK
		if k > len(pool) {
			k = len(pool)
		}
		selected = pool[:k]
	}

	threshold := query.Threshold()
	for _, s := range selected {
		if s.Score < threshold {
			continue
		}
		chunk, err := r.snap.Store.Get(s.Position)
		if err != nil {
			return nil, err
		}
		response.Results = append(response.Results, &models.SearchResult{
			Chunk:    *chunk,
			Score:    utils.Round(s.Score, scoreDigits),
			Rank:     len(response.Results) + 1,
			Position: s.Position,
		})
	}
	response.Total = len(response.Results)
	response.QueryTime = time.Since(startTime).Milliseconds()

	if r.logger != nil {
		r.logger.Debug("search",
			zap.String("query", utils.Truncate(query.Query, 80)),
			zap.Int("candidates", len(scored)),
			zap.Int("pool", len(pool)),
			zap.Int("results", response.Total),
			zap.Int64("query_time_ms", response.QueryTime))
	}
	return response, nil
}

// rerank applies MMR to the pool, which is ordered by descending score.
func (r *Retriever) rerank(pool []vector.Scored, k int) ([]vector.Scored, error) {
	relevance := make([]float64, len(pool))
	vectors := make([][]float32, len(pool))
	for i, s := range pool {
		v, err := r.snap.Index.Vector(s.Position)
		if err != nil {
			return nil, err
		}
		relevance[i] = s.Score
		vectors[i] = v
	}
	order := MMR(relevance, vectors, r.lambda, k)
	out := make([]vector.Scored, len(order))
	for i, idx := range order {
		out[i] = pool[idx]
	}
	return out, nil
}

// Stats reports the size and configuration of the served snapshot.
func (r *Retriever) Stats() Stats {
	st := Stats{
		MetadataRows: r.snap.Store.Size(),
		Dimensions:   r.snap.Dimensions(),
		FilterIndex:  r.snap.Store.FilterType(),
		Model:        r.embedder.ModelName(),
	}
	if r.snap.Index != nil {
		st.Vectors = r.snap.Index.Size()
		st.IndexType = r.snap.Index.Type()
	}
	return st
}

// Close releases the snapshot. The embedder belongs to the caller.
func (r *Retriever) Close() error {
	return r.snap.Close()
}
