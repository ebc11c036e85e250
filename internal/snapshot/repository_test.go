package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/metadata"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/vector"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	dir := t.TempDir()
	return Paths{Index: filepath.Join(dir, "vectors.bin"), Metadata: filepath.Join(dir, "metadata.jsonl")}
}

func newRepo(t *testing.T, p Paths, opts ...Option) *Repository {
	t.Helper()
	r, err := NewRepository(p, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	return r
}

// buildSnapshot returns a snapshot holding n chunks with 2-d unit vectors.
func buildSnapshot(t *testing.T, r *Repository, ids ...string) *Snapshot {
	t.Helper()
	s, err := r.NewEmpty(2)
	require.NoError(t, err)
	appendChunks(t, s, ids...)
	return s
}

func appendChunks(t *testing.T, s *Snapshot, ids ...string) {
	t.Helper()
	var rows []*models.Chunk
	var vecs [][]float32
	for i, id := range ids {
		rows = append(rows, &models.Chunk{ChunkID: id, DocumentID: strings.Split(id, "__")[0], Text: "text " + id, Fingerprint: "fp-" + id})
		if i%2 == 0 {
			vecs = append(vecs, []float32{1, 0})
		} else {
			vecs = append(vecs, []float32{0, 1})
		}
	}
	require.NoError(t, s.Index.Append(vecs))
	_, err := s.Store.Append(rows)
	require.NoError(t, err)
}

func TestRepository_LoadFresh(t *testing.T) {
	r := newRepo(t, testPaths(t))

	s, err := r.Load(0)
	require.NoError(t, err)
	assert.Nil(t, s.Index)
	assert.Equal(t, 0, s.Size())
	assert.Equal(t, 0, s.Dimensions())

	s, err = r.Load(3)
	require.NoError(t, err)
	require.NotNil(t, s.Index)
	assert.Equal(t, 3, s.Dimensions())
}

func TestRepository_SaveLoad(t *testing.T) {
	for _, format := range []string{metadata.FormatJSONL, metadata.FormatSQLite} {
		t.Run(format, func(t *testing.T) {
			codec, err := metadata.NewCodec(format)
			require.NoError(t, err)
			r := newRepo(t, testPaths(t), WithCodec(codec), WithFilterIndex(metadata.FilterScan))

			require.NoError(t, r.Save(buildSnapshot(t, r, "a__0", "a__1", "b__0")))

			s, err := r.Load(2)
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, 3, s.Index.Size())
			assert.Equal(t, s.Index.Size(), s.Store.Size())
			c, err := s.Store.Get(2)
			require.NoError(t, err)
			assert.Equal(t, "b__0", c.ChunkID)
			assert.True(t, s.Store.HasFingerprint("fp-a__1"))
			assert.Equal(t, metadata.FilterScan, s.Store.FilterType())
		})
	}
}

func TestRepository_LoadDimensionMismatch(t *testing.T) {
	r := newRepo(t, testPaths(t))
	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0")))

	_, err := r.Load(384)
	require.ErrorIs(t, err, models.ErrDimensionMismatch)
	var dme *models.DimensionMismatchError
	require.ErrorAs(t, err, &dme)
	assert.Equal(t, 2, dme.Got)
	assert.Equal(t, 384, dme.Want)
}

func TestRepository_LoadOneArtifactMissing(t *testing.T) {
	p := testPaths(t)
	r := newRepo(t, p)
	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0")))

	require.NoError(t, os.Remove(p.Metadata))
	_, err := r.Load(0)
	var cie *models.CorruptIndexError
	require.ErrorAs(t, err, &cie)
	assert.Equal(t, models.ArtifactMetadata, cie.Artifact)

	require.NoError(t, os.Remove(p.Index))
	require.NoError(t, os.WriteFile(p.Metadata, []byte(`{"format":"shirabe-metadata","version":1,"count":0}`+"\n"), 0o644))
	_, err = r.Load(0)
	require.ErrorAs(t, err, &cie)
	assert.Equal(t, models.ArtifactVectors, cie.Artifact)
}

func TestRepository_LoadCountMismatch(t *testing.T) {
	p := testPaths(t)
	r := newRepo(t, p, WithBackup(false))
	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0", "a__1")))

	// Replace the vector artifact with a one-vector file.
	idx, err := vector.NewMemoryIndex(2)
	require.NoError(t, err)
	require.NoError(t, idx.Append([][]float32{{1, 0}}))
	require.NoError(t, vector.WriteFile(p.Index, idx))

	_, err = r.Load(0)
	var cie *models.CorruptIndexError
	require.ErrorAs(t, err, &cie)
	assert.Equal(t, models.ArtifactSnapshot, cie.Artifact)
}

func TestRepository_SaveWritesBackup(t *testing.T) {
	p := testPaths(t)
	r := newRepo(t, p)
	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0")))
	first, err := os.ReadFile(p.Index)
	require.NoError(t, err)

	_, err = os.Stat(backupPath(p.Index))
	assert.True(t, os.IsNotExist(err), "first save has nothing to back up")

	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0", "a__1")))
	bak, err := os.ReadFile(backupPath(p.Index))
	require.NoError(t, err)
	assert.Equal(t, first, bak)
	_, err = os.Stat(backupPath(p.Metadata))
	assert.NoError(t, err)
}

func TestRepository_SaveRejectsMisaligned(t *testing.T) {
	r := newRepo(t, testPaths(t))
	s := buildSnapshot(t, r, "a__0")
	require.NoError(t, s.Index.Append([][]float32{{0, 1}}))
	assert.Error(t, r.Save(s))

	empty, err := r.NewEmpty(0)
	require.NoError(t, err)
	assert.Error(t, r.Save(empty))
}

// failingCodec fails after writing part of the metadata file.
type failingCodec struct {
	metadata.JSONLCodec
}

func (failingCodec) Write(path string, rows []*models.Chunk) error {
	_ = os.WriteFile(path, []byte(`{"format":"shirabe-meta`), 0o644)
	return errors.New("disk full")
}

func TestRepository_CrashDuringMetadataWrite(t *testing.T) {
	p := testPaths(t)
	r := newRepo(t, p)
	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0", "a__1")))
	idxBefore, _ := os.ReadFile(p.Index)
	metaBefore, _ := os.ReadFile(p.Metadata)

	crashing := newRepo(t, p, WithCodec(failingCodec{}))
	s, err := crashing.Load(0)
	require.NoError(t, err)
	appendChunks(t, s, "b__0")
	require.Error(t, crashing.Save(s))

	idxAfter, _ := os.ReadFile(p.Index)
	metaAfter, _ := os.ReadFile(p.Metadata)
	assert.Equal(t, idxBefore, idxAfter)
	assert.Equal(t, metaBefore, metaAfter)

	reloaded, err := r.Load(2)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Size())

	entries, err := os.ReadDir(filepath.Dir(p.Index))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover %s", e.Name())
	}
}

func TestRepository_RestoreBackup(t *testing.T) {
	p := testPaths(t)
	r := newRepo(t, p)

	_, err := r.RestoreBackup()
	assert.ErrorIs(t, err, models.ErrNoBackup)

	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0")))
	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0", "a__1", "a__2")))

	n, err := r.RestoreBackup()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s, err := r.Load(0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Size())

	require.NoError(t, os.Remove(backupPath(p.Metadata)))
	_, err = r.RestoreBackup()
	assert.ErrorIs(t, err, models.ErrNoBackup)
}

func TestRepository_RestoreRejectsCorruptBackup(t *testing.T) {
	p := testPaths(t)
	r := newRepo(t, p)
	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0")))
	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0", "a__1")))
	live, _ := os.ReadFile(p.Index)

	require.NoError(t, os.WriteFile(backupPath(p.Index), []byte("junk"), 0o644))
	_, err := r.RestoreBackup()
	assert.ErrorIs(t, err, models.ErrCorruptIndex)

	after, _ := os.ReadFile(p.Index)
	assert.Equal(t, live, after)
}

func TestNewRepository_Validation(t *testing.T) {
	_, err := NewRepository(Paths{Index: "x"})
	assert.Error(t, err)
	_, err = NewRepository(Paths{Index: "a/x", Metadata: "a/./x"})
	assert.Error(t, err)
	_, err = NewRepository(Paths{Index: "a", Metadata: "b"}, WithFilterIndex("btree"))
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.IndexConfig{
		IndexPath:      filepath.Join(dir, "vectors.bin"),
		MetadataPath:   filepath.Join(dir, "metadata.db"),
		MetadataFormat: metadata.FormatSQLite,
		FilterIndex:    metadata.FilterBleve,
		Backup:         ptr(false),
	}
	r, err := FromConfig(cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, cfg.MetadataPath, r.Paths().Metadata)

	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0")))
	require.NoError(t, r.Save(buildSnapshot(t, r, "a__0", "a__1")))
	_, err = os.Stat(backupPath(cfg.IndexPath))
	assert.True(t, os.IsNotExist(err), "backup disabled")

	s, err := r.Load(0)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, metadata.FilterBleve, s.Store.FilterType())
	assert.Equal(t, 2, s.Size())

	_, err = FromConfig(&config.IndexConfig{IndexPath: "a", MetadataPath: "b", MetadataFormat: "parquet"})
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
