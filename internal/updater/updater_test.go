package updater

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/ledger"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/retriever"
	"github.com/hyperjump/shirabe/internal/snapshot"
)

func ptr[T any](v T) *T { return &v }

func newRepo(t *testing.T) *snapshot.Repository {
	t.Helper()
	dir := t.TempDir()
	repo, err := snapshot.NewRepository(snapshot.Paths{
		Index:    filepath.Join(dir, "index", "vectors.bin"),
		Metadata: filepath.Join(dir, "index", "metadata.jsonl"),
	}, snapshot.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return repo
}

func newUpdater(t *testing.T, repo *snapshot.Repository, emb embedding.Embedder, cfg *config.IndexConfig, opts ...Option) *Updater {
	t.Helper()
	u, err := New(repo, emb, cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	return u
}

func chunk(doc, text string) *models.Chunk {
	return &models.Chunk{ChunkID: models.NewChunkID(doc, 0), DocumentID: doc, Text: text, Title: doc}
}

func staticEmbedder(t *testing.T) embedding.Embedder {
	t.Helper()
	emb, err := embedding.NewStaticEmbedder(3, map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
		"gamma": {0.99, 0.1, 0},
		"delta": {0, 0, 2},
		"query": {1, 0, 0},
	})
	require.NoError(t, err)
	return emb
}

func abc() []*models.Chunk {
	return []*models.Chunk{chunk("A", "alpha"), chunk("B", "beta"), chunk("C", "gamma")}
}

func load(t *testing.T, repo *snapshot.Repository) *snapshot.Snapshot {
	t.Helper()
	snap, err := repo.Load(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = snap.Close() })
	return snap
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestUpdate_EndToEnd(t *testing.T) {
	repo := newRepo(t)
	emb := staticEmbedder(t)
	u := newUpdater(t, repo, emb, &config.IndexConfig{})

	report, err := u.Update(context.Background(), abc())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Added)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Dimensions)

	snap := load(t, repo)
	assert.Equal(t, snap.Index.Size(), snap.Store.Size())

	r, err := retriever.New(snap, emb, config.Default())
	require.NoError(t, err)
	resp, err := r.Search(context.Background(), &models.SearchQuery{
		Query: "query", TopK: 2, ScoreThreshold: ptr(0.0), Diversify: ptr(true),
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "A", resp.Results[0].DocumentID)
	assert.Equal(t, "B", resp.Results[1].DocumentID)
}

func TestUpdate_Empty(t *testing.T) {
	repo := newRepo(t)
	u := newUpdater(t, repo, staticEmbedder(t), nil)

	report, err := u.Update(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Added)
	_, err = os.Stat(repo.Paths().Index)
	assert.True(t, os.IsNotExist(err))
}

func TestUpdate_Idempotent(t *testing.T) {
	repo := newRepo(t)
	u := newUpdater(t, repo, staticEmbedder(t), nil)
	ctx := context.Background()

	_, err := u.Update(ctx, abc())
	require.NoError(t, err)
	index := readFile(t, repo.Paths().Index)
	meta := readFile(t, repo.Paths().Metadata)

	report, err := u.Update(ctx, abc())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 3, report.DuplicateID)
	assert.Equal(t, index, readFile(t, repo.Paths().Index))
	assert.Equal(t, meta, readFile(t, repo.Paths().Metadata))
}

func TestUpdate_FingerprintDedup(t *testing.T) {
	repo := newRepo(t)
	u := newUpdater(t, repo, staticEmbedder(t), nil)
	ctx := context.Background()

	_, err := u.Update(ctx, abc())
	require.NoError(t, err)

	again := chunk("A-copy", "  alpha ")
	report, err := u.Update(ctx, []*models.Chunk{again})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 1, report.DuplicateFingerprint)
	assert.Empty(t, again.Fingerprint, "caller's chunk must not be modified")
}

func TestUpdate_InBatchDedup(t *testing.T) {
	repo := newRepo(t)
	u := newUpdater(t, repo, staticEmbedder(t), nil)

	batch := []*models.Chunk{chunk("A", "alpha"), chunk("A", "beta"), chunk("B", "alpha"), chunk("D", "delta")}
	report, err := u.Update(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 1, report.DuplicateID)
	assert.Equal(t, 1, report.DuplicateFingerprint)

	snap := load(t, repo)
	first, err := snap.Store.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "alpha", first.Text)
	assert.Equal(t, Fingerprint("alpha"), first.Fingerprint)
}

func TestUpdate_NormalizesVectors(t *testing.T) {
	repo := newRepo(t)
	u := newUpdater(t, repo, staticEmbedder(t), nil)
	_, err := u.Update(context.Background(), []*models.Chunk{chunk("D", "delta")})
	require.NoError(t, err)

	v, err := load(t, repo).Index.Vector(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, v)
}

func TestUpdate_DimensionMismatch(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	_, err := newUpdater(t, repo, staticEmbedder(t), nil).Update(ctx, abc())
	require.NoError(t, err)
	before := readFile(t, repo.Paths().Index)

	wide := newUpdater(t, repo, embedding.NewHashEmbedder(4), nil)
	_, err = wide.Update(ctx, []*models.Chunk{chunk("E", "epsilon")})
	var dme *models.DimensionMismatchError
	require.ErrorAs(t, err, &dme)
	assert.Equal(t, 4, dme.Got)
	assert.Equal(t, 3, dme.Want)

	assert.Equal(t, before, readFile(t, repo.Paths().Index))
	assert.Equal(t, 3, load(t, repo).Size())
}

func TestUpdate_ConfiguredDimension(t *testing.T) {
	repo := newRepo(t)
	u := newUpdater(t, repo, staticEmbedder(t), &config.IndexConfig{EmbeddingDimension: 8})
	_, err := u.Update(context.Background(), abc())
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
}

// cancellingEmbedder cancels the run while answering its first batch.
type cancellingEmbedder struct {
	embedding.Embedder
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	out, err := c.Embedder.EmbedBatch(ctx, texts)
	c.cancel()
	return out, err
}

func TestUpdate_CancelledBetweenBatches(t *testing.T) {
	repo := newRepo(t)
	_, err := newUpdater(t, repo, embedding.NewHashEmbedder(3), nil).Update(context.Background(),
		[]*models.Chunk{chunk("X", "existing")})
	require.NoError(t, err)
	index := readFile(t, repo.Paths().Index)
	meta := readFile(t, repo.Paths().Metadata)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emb := &cancellingEmbedder{Embedder: embedding.NewHashEmbedder(3), cancel: cancel}
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	u := newUpdater(t, repo, emb, &config.IndexConfig{BatchSize: 1}, WithLedger(l))

	_, err = u.Update(ctx, []*models.Chunk{chunk("P", "one"), chunk("Q", "two"), chunk("R", "three")})
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.Equal(t, 1, emb.calls)

	assert.Equal(t, index, readFile(t, repo.Paths().Index))
	assert.Equal(t, meta, readFile(t, repo.Paths().Metadata))

	runs, err := l.List(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.StatusCancelled, runs[0].Status)
}

func TestUpdate_EncodingError(t *testing.T) {
	repo := newRepo(t)
	u := newUpdater(t, repo, staticEmbedder(t), nil)
	_, err := u.Update(context.Background(), []*models.Chunk{chunk("Z", "unknown text")})
	assert.ErrorIs(t, err, models.ErrEncoding)
	_, statErr := os.Stat(repo.Paths().Metadata)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpdate_InvalidChunk(t *testing.T) {
	repo := newRepo(t)
	u := newUpdater(t, repo, staticEmbedder(t), nil)
	_, err := u.Update(context.Background(), []*models.Chunk{chunk("A", "alpha"), {ChunkID: "x__0", Text: "no document"}})
	assert.ErrorIs(t, err, models.ErrInvalidChunk)
	_, err = u.Update(context.Background(), []*models.Chunk{nil})
	assert.ErrorIs(t, err, models.ErrInvalidChunk)
}

func TestUpdate_AlignmentAcrossRuns(t *testing.T) {
	repo := newRepo(t)
	u := newUpdater(t, repo, embedding.NewHashEmbedder(16), &config.IndexConfig{BatchSize: 4})
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		var batch []*models.Chunk
		for i := 0; i < 10; i++ {
			doc := string(rune('a'+round)) + string(rune('a'+i))
			batch = append(batch, chunk(doc, "text for "+doc))
		}
		_, err := u.Update(ctx, batch)
		require.NoError(t, err)

		snap := load(t, repo)
		assert.Equal(t, (round+1)*10, snap.Index.Size())
		assert.Equal(t, snap.Index.Size(), snap.Store.Size())
	}
}

func TestUpdate_ProgressAndLedger(t *testing.T) {
	repo := newRepo(t)
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	var seen []int
	u := newUpdater(t, repo, staticEmbedder(t), &config.IndexConfig{BatchSize: 2},
		WithLedger(l), WithProgress(func(done, total int) {
			assert.Equal(t, 3, total)
			seen = append(seen, done)
		}))

	report, err := u.Update(context.Background(), abc())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, seen)
	assert.NotEmpty(t, report.RunID)

	_, err = u.Update(context.Background(), abc())
	require.NoError(t, err)

	runs, err := l.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ledger.StatusNoop, runs[0].Status)
	assert.Equal(t, ledger.StatusOK, runs[1].Status)
	assert.Equal(t, "static", runs[1].Model)
	assert.Equal(t, 3, runs[1].Dimensions)
}

func TestUpdate_ModelMismatchAndRebuild(t *testing.T) {
	repo := newRepo(t)
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	_, err = newUpdater(t, repo, embedding.NewHashEmbedder(3), nil, WithLedger(l)).
		Update(ctx, []*models.Chunk{chunk("H", "hashed")})
	require.NoError(t, err)

	static := newUpdater(t, repo, staticEmbedder(t), nil, WithLedger(l))
	_, err = static.Update(ctx, abc())
	assert.ErrorIs(t, err, models.ErrModelMismatch)

	report, err := static.Rebuild(ctx, abc())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Added)
	assert.Equal(t, 3, report.Total)

	snap := load(t, repo)
	assert.False(t, snap.Store.HasChunkID(models.NewChunkID("H", 0)))
	_, err = os.Stat(repo.Paths().Index + ".bak")
	assert.NoError(t, err)

	id, err := l.Identity()
	require.NoError(t, err)
	assert.Equal(t, "static", id.Model)

	_, err = static.Update(ctx, []*models.Chunk{chunk("D", "delta")})
	assert.NoError(t, err)
}

func TestUpdate_ModelMismatchAfterRestore(t *testing.T) {
	repo := newRepo(t)
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	_, err = newUpdater(t, repo, embedding.NewHashEmbedder(3), nil, WithLedger(l)).
		Update(ctx, []*models.Chunk{chunk("H", "hashed")})
	require.NoError(t, err)
	static := newUpdater(t, repo, staticEmbedder(t), nil, WithLedger(l))
	_, err = static.Rebuild(ctx, abc())
	require.NoError(t, err)

	vectors, err := repo.RestoreBackup()
	require.NoError(t, err)
	require.Equal(t, 1, vectors)
	run, err := l.RecordRestore(vectors)
	require.NoError(t, err)
	assert.Equal(t, "hash", run.Model)

	_, err = static.Update(ctx, []*models.Chunk{chunk("D", "delta")})
	assert.ErrorIs(t, err, models.ErrModelMismatch)
	assert.Equal(t, 1, load(t, repo).Size())
}

func TestRebuild_RequiresChunks(t *testing.T) {
	u := newUpdater(t, newRepo(t), staticEmbedder(t), nil)
	_, err := u.Rebuild(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrInvalidChunk)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, staticEmbedder(t), nil)
	assert.Error(t, err)
	_, err = New(newRepo(t), nil, nil)
	assert.Error(t, err)
}
