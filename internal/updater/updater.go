// Package updater merges new chunks into the persisted snapshot.
package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/ledger"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/snapshot"
	"github.com/hyperjump/shirabe/internal/vector"
	"github.com/hyperjump/shirabe/pkg/utils"
	"go.uber.org/zap"
)

const defaultBatchSize = 64

// ProgressFunc is called after each embedding batch with the number of chunks embedded so far.
type ProgressFunc func(done, total int)

// Updater appends deduplicated chunks to the snapshot. It is the only writer of the snapshot;
// callers serialize Update and Rebuild.
type Updater struct {
	repo      *snapshot.Repository
	embedder  embedding.Embedder
	batchSize int
	normalize bool
	dimension int
	ledger    *ledger.Ledger
	progress  ProgressFunc
	logger    *zap.Logger
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(u *Updater) { u.logger = l }
}

// WithLedger records every run in l and checks the embedding model against it.
func WithLedger(l *ledger.Ledger) Option {
	return func(u *Updater) { u.ledger = l }
}

// WithProgress reports embedding progress to fn.
func WithProgress(fn ProgressFunc) Option {
	return func(u *Updater) { u.progress = fn }
}

// Report describes the outcome of a run.
type Report struct {
	RunID                string        `json:"run_id,omitempty"`
	Kind                 string        `json:"kind"`
	Received             int           `json:"received"`
	Added                int           `json:"added"`
	DuplicateID          int           `json:"duplicate_id"`
	DuplicateFingerprint int           `json:"duplicate_fingerprint"`
	Total                int           `json:"total"`
	Dimensions           int           `json:"dimensions"`
	Model                string        `json:"model"`
	Duration             time.Duration `json:"duration"`
}

// New creates an Updater writing through repo.
func New(repo *snapshot.Repository, embedder embedding.Embedder, cfg *config.IndexConfig, opts ...Option) (*Updater, error) {
	if repo == nil {
		return nil, errors.New("updater requires a repository")
	}
	if embedder == nil {
		return nil, errors.New("updater requires an embedder")
	}
	if cfg == nil {
		cfg = &config.IndexConfig{}
	}
	u := &Updater{
		repo:      repo,
		embedder:  embedder,
		batchSize: cfg.BatchSize,
		normalize: cfg.NormalizeOrDefault(),
		dimension: cfg.EmbeddingDimension,
	}
	if u.batchSize <= 0 {
		u.batchSize = defaultBatchSize
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Update embeds the chunks that are new by chunk_id and by content fingerprint and appends
// them to the persisted snapshot. Report.Added is the number of chunks added; an empty or
// fully duplicate batch adds 0 and leaves the snapshot untouched.
func (u *Updater) Update(ctx context.Context, chunks []*models.Chunk) (*Report, error) {
	return u.run(ctx, ledger.KindUpdate, chunks)
}

// Rebuild replaces the snapshot with one built from chunks alone. It is the remedy for a
// dimension or model mismatch. The previous artifacts are still copied to .bak.
func (u *Updater) Rebuild(ctx context.Context, chunks []*models.Chunk) (*Report, error) {
	return u.run(ctx, ledger.KindRebuild, chunks)
}

func (u *Updater) run(ctx context.Context, kind string, chunks []*models.Chunk) (*Report, error) {
	start := time.Now()
	report := &Report{Kind: kind, Received: len(chunks), Model: u.embedder.ModelName()}
	if len(chunks) == 0 && kind == ledger.KindUpdate {
		if u.logger != nil {
			u.logger.Info("No new chunks to add")
		}
		return report, nil
	}

	status, err := u.apply(ctx, kind, chunks, report)
	report.Duration = time.Since(start)
	u.record(kind, start, status, report, err)
	if err != nil {
		return nil, err
	}
	if u.logger != nil {
		u.logger.Info("Update finished",
			zap.String("kind", kind),
			zap.String("status", status),
			zap.Int("received", report.Received),
			zap.Int("added", report.Added),
			zap.Int("duplicate_id", report.DuplicateID),
			zap.Int("duplicate_fingerprint", report.DuplicateFingerprint),
			zap.Int("total", report.Total),
			zap.Duration("duration", report.Duration))
	}
	return report, nil
}

func (u *Updater) apply(ctx context.Context, kind string, chunks []*models.Chunk, report *Report) (string, error) {
	rows, err := prepare(chunks)
	if err != nil {
		return ledger.StatusFailed, err
	}

	var snap *snapshot.Snapshot
	if kind == ledger.KindRebuild {
		snap, err = u.repo.NewEmpty(0)
	} else {
		snap, err = u.repo.Load(u.dimension)
	}
	if err != nil {
		return ledger.StatusFailed, err
	}
	defer snap.Close()

	if kind == ledger.KindUpdate && snap.Size() > 0 {
		if err := u.checkModel(); err != nil {
			return ledger.StatusFailed, err
		}
	}

	fresh := dedup(snap, rows, report)
	report.Total = snap.Size()
	report.Dimensions = snap.Dimensions()
	if len(fresh) == 0 && kind == ledger.KindUpdate {
		if u.logger != nil {
			u.logger.Info("No novel chunks after dedup",
				zap.Int("duplicate_id", report.DuplicateID),
				zap.Int("duplicate_fingerprint", report.DuplicateFingerprint))
		}
		return ledger.StatusNoop, nil
	}

	vectors, err := u.embed(ctx, fresh)
	if err != nil {
		if errors.Is(err, models.ErrCancelled) {
			return ledger.StatusCancelled, err
		}
		return ledger.StatusFailed, err
	}

	if len(vectors) > 0 {
		dim := len(vectors[0])
		if u.dimension > 0 && dim != u.dimension {
			return ledger.StatusFailed, &models.DimensionMismatchError{Got: dim, Want: u.dimension}
		}
		if snap.Index == nil {
			idx, err := vector.NewMemoryIndex(dim)
			if err != nil {
				return ledger.StatusFailed, err
			}
			snap.Index = idx
		} else if snap.Index.Dimensions() != dim {
			return ledger.StatusFailed, &models.DimensionMismatchError{Got: dim, Want: snap.Index.Dimensions()}
		}
		if err := snap.Index.Append(vectors); err != nil {
			return ledger.StatusFailed, err
		}
		if _, err := snap.Store.Append(fresh); err != nil {
			return ledger.StatusFailed, err
		}
	}

	if snap.Index == nil {
		// Only a rebuild from an empty batch gets here.
		return ledger.StatusFailed, fmt.Errorf("%w: rebuild needs at least one chunk", models.ErrInvalidChunk)
	}
	if err := u.repo.Save(snap); err != nil {
		return ledger.StatusFailed, fmt.Errorf("persist snapshot: %w", err)
	}
	report.Added = len(fresh)
	report.Total = snap.Size()
	report.Dimensions = snap.Dimensions()
	return ledger.StatusOK, nil
}

// prepare validates the batch and fills missing fingerprints on copies of the chunks.
func prepare(chunks []*models.Chunk) ([]*models.Chunk, error) {
	rows := make([]*models.Chunk, len(chunks))
	for i, in := range chunks {
		if in == nil {
			return nil, fmt.Errorf("%w: chunk %d is nil", models.ErrInvalidChunk, i)
		}
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		c := *in
		if c.Fingerprint == "" {
			c.Fingerprint = Fingerprint(c.Text)
		}
		rows[i] = &c
	}
	return rows, nil
}

// dedup drops rows whose chunk_id, or failing that whose fingerprint, is already stored or
// appeared earlier in the batch.
func dedup(snap *snapshot.Snapshot, rows []*models.Chunk, report *Report) []*models.Chunk {
	ids := make(map[string]struct{}, len(rows))
	fps := make(map[string]struct{}, len(rows))
	fresh := make([]*models.Chunk, 0, len(rows))
	for _, c := range rows {
		if _, seen := ids[c.ChunkID]; seen || snap.Store.HasChunkID(c.ChunkID) {
			report.DuplicateID++
			continue
		}
		if _, seen := fps[c.Fingerprint]; seen || snap.Store.HasFingerprint(c.Fingerprint) {
			report.DuplicateFingerprint++
			continue
		}
		ids[c.ChunkID] = struct{}{}
		fps[c.Fingerprint] = struct{}{}
		fresh = append(fresh, c)
	}
	return fresh
}

// embed computes vectors in batches, checking for cancellation before each batch.
func (u *Updater) embed(ctx context.Context, rows []*models.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(rows))
	for i := 0; i < len(rows); i += u.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrCancelled, err)
		}
		end := i + u.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		texts := make([]string, 0, end-i)
		for _, c := range rows[i:end] {
			texts = append(texts, c.Text)
		}
		batch, err := u.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", models.ErrCancelled, ctx.Err())
			}
			return nil, fmt.Errorf("%w: %w", models.ErrEncoding, err)
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts", models.ErrEncoding, len(batch), len(texts))
		}
		for _, v := range batch {
			if len(v) == 0 {
				return nil, fmt.Errorf("%w: provider returned an empty vector", models.ErrEncoding)
			}
			if len(vectors) > 0 && len(v) != len(vectors[0]) {
				return nil, &models.DimensionMismatchError{Got: len(v), Want: len(vectors[0])}
			}
			if u.normalize {
				utils.NormalizeL2(v)
			}
			vectors = append(vectors, v)
		}
		if u.progress != nil {
			u.progress(len(vectors), len(rows))
		}
		if u.logger != nil {
			u.logger.Debug("Embedded batch", zap.Int("done", len(vectors)), zap.Int("total", len(rows)))
		}
	}
	return vectors, nil
}

func (u *Updater) checkModel() error {
	if u.ledger == nil {
		return nil
	}
	id, err := u.ledger.Identity()
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if id != nil && id.Model != "" && id.Model != u.embedder.ModelName() {
		return fmt.Errorf("%w: index built with %q, embedder is %q (rebuild required)",
			models.ErrModelMismatch, id.Model, u.embedder.ModelName())
	}
	return nil
}

func (u *Updater) record(kind string, start time.Time, status string, report *Report, runErr error) {
	if u.ledger == nil {
		return
	}
	run := &ledger.Run{
		Kind:                 kind,
		Status:               status,
		StartedAt:            start.UTC(),
		FinishedAt:           start.Add(report.Duration).UTC(),
		Received:             report.Received,
		Added:                report.Added,
		DuplicateID:          report.DuplicateID,
		DuplicateFingerprint: report.DuplicateFingerprint,
		Total:                report.Total,
		Dimensions:           report.Dimensions,
		Model:                report.Model,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := u.ledger.Record(run); err != nil {
		if u.logger != nil {
			u.logger.Warn("Failed to record run", zap.Error(err))
		}
		return
	}
	report.RunID = run.ID
}
