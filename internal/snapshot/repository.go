package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/metadata"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/vector"
)

// Repository loads and saves snapshots at fixed paths. It does not lock against concurrent
// writers; callers run one Save at a time.
type Repository struct {
	paths      Paths
	codec      metadata.Codec
	filterKind string
	backup     bool
	logger     *zap.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

// WithCodec sets the metadata artifact codec (default JSON Lines).
func WithCodec(c metadata.Codec) Option {
	return func(r *Repository) {
		r.codec = c
	}
}

// WithFilterIndex selects the attribute filter index built on load.
func WithFilterIndex(kind string) Option {
	return func(r *Repository) {
		r.filterKind = kind
	}
}

// WithBackup controls whether Save copies the previous artifacts to .bak first (default true).
func WithBackup(enabled bool) Option {
	return func(r *Repository) {
		r.backup = enabled
	}
}

// NewRepository creates a repository for the artifact pair at paths.
func NewRepository(paths Paths, opts ...Option) (*Repository, error) {
	if paths.Index == "" || paths.Metadata == "" {
		return nil, fmt.Errorf("index and metadata paths are required")
	}
	if filepath.Clean(paths.Index) == filepath.Clean(paths.Metadata) {
		return nil, fmt.Errorf("index and metadata paths must differ")
	}
	r := &Repository{paths: paths, codec: metadata.JSONLCodec{}, backup: true}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := metadata.NewFilterIndex(r.filterKind); err != nil {
		return nil, err
	}
	return r, nil
}

// FromConfig creates a repository for the paths, metadata format, filter index and backup
// setting of cfg. opts are applied after the configured ones.
func FromConfig(cfg *config.IndexConfig, opts ...Option) (*Repository, error) {
	codec, err := metadata.NewCodec(cfg.MetadataFormat)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithCodec(codec),
		WithFilterIndex(cfg.FilterIndex),
		WithBackup(cfg.BackupOrDefault()),
	}
	return NewRepository(Paths{Index: cfg.IndexPath, Metadata: cfg.MetadataPath}, append(base, opts...)...)
}

// Paths returns the artifact paths.
func (r *Repository) Paths() Paths {
	return r.paths
}

// NewEmpty returns an empty snapshot. dim 0 leaves the index unset until the first vectors arrive.
func (r *Repository) NewEmpty(dim int) (*Snapshot, error) {
	fi, err := metadata.NewFilterIndex(r.filterKind)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Store: metadata.NewStore(metadata.WithFilterIndex(fi))}
	if dim > 0 {
		idx, err := vector.NewMemoryIndex(dim)
		if err != nil {
			return nil, err
		}
		s.Index = idx
	}
	return s, nil
}

// Load reads the persisted pair. When both artifacts are absent it returns an empty snapshot.
// One artifact without the other, unreadable artifacts and differing counts are
// *models.CorruptIndexError. A non-zero expectedDim different from the stored width is
// *models.DimensionMismatchError.
func (r *Repository) Load(expectedDim int) (*Snapshot, error) {
	start := time.Now()
	idxExists, err := exists(r.paths.Index)
	if err != nil {
		return nil, err
	}
	metaExists, err := exists(r.paths.Metadata)
	if err != nil {
		return nil, err
	}
	switch {
	case !idxExists && !metaExists:
		if r.logger != nil {
			r.logger.Info("no snapshot found, starting empty",
				zap.String("index_path", r.paths.Index),
				zap.String("metadata_path", r.paths.Metadata))
		}
		return r.NewEmpty(expectedDim)
	case !idxExists:
		return nil, &models.CorruptIndexError{Artifact: models.ArtifactVectors, Path: r.paths.Index,
			Reason: "missing while metadata artifact exists"}
	case !metaExists:
		return nil, &models.CorruptIndexError{Artifact: models.ArtifactMetadata, Path: r.paths.Metadata,
			Reason: "missing while vector artifact exists"}
	}

	idx, rows, err := r.readPair(r.paths)
	if err != nil {
		return nil, err
	}
	if expectedDim > 0 && idx.Dimensions() != expectedDim {
		return nil, &models.DimensionMismatchError{Got: idx.Dimensions(), Want: expectedDim}
	}

	fi, err := metadata.NewFilterIndex(r.filterKind)
	if err != nil {
		return nil, err
	}
	store := metadata.NewStore(metadata.WithFilterIndex(fi))
	if _, err := store.Append(rows); err != nil {
		_ = store.Close()
		return nil, &models.CorruptIndexError{Artifact: models.ArtifactMetadata, Path: r.paths.Metadata,
			Reason: "invalid rows", Err: err}
	}

	if r.logger != nil {
		r.logger.Info("snapshot loaded",
			zap.Int("vectors", idx.Size()),
			zap.Int("dimensions", idx.Dimensions()),
			zap.String("filter_index", store.FilterType()),
			zap.Duration("took", time.Since(start)))
	}
	return &Snapshot{Index: idx, Store: store}, nil
}

// readPair decodes both artifacts at p and checks their counts agree.
func (r *Repository) readPair(p Paths) (*vector.MemoryIndex, []*models.Chunk, error) {
	idx, err := vector.ReadFile(p.Index)
	if err != nil {
		return nil, nil, err
	}
	rows, err := r.codec.Read(p.Metadata)
	if err != nil {
		var cie *models.CorruptIndexError
		if !errors.As(err, &cie) {
			err = &models.CorruptIndexError{Artifact: models.ArtifactMetadata, Path: p.Metadata, Err: err}
		}
		return nil, nil, err
	}
	if idx.Size() != len(rows) {
		return nil, nil, &models.CorruptIndexError{Artifact: models.ArtifactSnapshot, Path: p.Index,
			Reason: fmt.Sprintf("vector count %d does not match metadata rows %d", idx.Size(), len(rows))}
	}
	return idx, rows, nil
}

// Save persists s. Both artifacts are written to .tmp files and synced before either replaces
// the live file; on failure the tmp files are removed and the previous snapshot is untouched.
// With backup enabled the previous artifacts are first copied to .bak.
func (r *Repository) Save(s *Snapshot) error {
	if s == nil || s.Index == nil || s.Store == nil {
		return fmt.Errorf("cannot save a snapshot without an index")
	}
	if s.Index.Size() != s.Store.Size() {
		return fmt.Errorf("refusing to save misaligned snapshot: %d vectors, %d metadata rows",
			s.Index.Size(), s.Store.Size())
	}
	start := time.Now()
	for _, dir := range r.dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	if r.backup {
		if err := r.backupLive(); err != nil {
			return err
		}
	}

	idxTmp, metaTmp := tmpPath(r.paths.Index), tmpPath(r.paths.Metadata)
	cleanup := func() {
		_ = os.Remove(idxTmp)
		_ = os.Remove(metaTmp)
	}
	if err := vector.WriteFile(idxTmp, s.Index); err != nil {
		cleanup()
		return fmt.Errorf("write vector artifact: %w", err)
	}
	if err := r.codec.Write(metaTmp, s.Store.Chunks()); err != nil {
		cleanup()
		return fmt.Errorf("write metadata artifact: %w", err)
	}

	if err := os.Rename(idxTmp, r.paths.Index); err != nil {
		cleanup()
		return fmt.Errorf("replace vector artifact: %w", err)
	}
	if err := os.Rename(metaTmp, r.paths.Metadata); err != nil {
		cleanup()
		if r.logger != nil {
			r.logger.Error("vector artifact replaced but metadata artifact was not; restore from backup",
				zap.String("metadata_path", r.paths.Metadata), zap.Error(err))
		}
		return fmt.Errorf("replace metadata artifact: %w", err)
	}
	r.syncDirs()

	if r.logger != nil {
		r.logger.Info("snapshot saved",
			zap.Int("vectors", s.Index.Size()),
			zap.Int("dimensions", s.Index.Dimensions()),
			zap.String("metadata_format", r.codec.Format()),
			zap.Duration("took", time.Since(start)))
	}
	return nil
}

// RestoreBackup replaces the live artifacts with the .bak pair after checking that the pair
// loads, and returns the number of restored vectors. It fails with models.ErrNoBackup unless
// both .bak files exist.
func (r *Repository) RestoreBackup() (int, error) {
	bak := Paths{Index: backupPath(r.paths.Index), Metadata: backupPath(r.paths.Metadata)}
	for _, p := range []string{bak.Index, bak.Metadata} {
		ok, err := exists(p)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: %s not found", models.ErrNoBackup, p)
		}
	}
	idx, _, err := r.readPair(bak)
	if err != nil {
		return 0, fmt.Errorf("backup is not loadable: %w", err)
	}

	pairs := [][2]string{{bak.Index, r.paths.Index}, {bak.Metadata, r.paths.Metadata}}
	for _, p := range pairs {
		if err := copyFile(p[0], tmpPath(p[1])); err != nil {
			_ = os.Remove(tmpPath(r.paths.Index))
			_ = os.Remove(tmpPath(r.paths.Metadata))
			return 0, fmt.Errorf("stage %s: %w", p[1], err)
		}
	}
	for _, p := range pairs {
		if err := os.Rename(tmpPath(p[1]), p[1]); err != nil {
			return 0, fmt.Errorf("restore %s: %w", p[1], err)
		}
	}
	r.syncDirs()
	if r.logger != nil {
		r.logger.Info("snapshot restored from backup", zap.Int("vectors", idx.Size()))
	}
	return idx.Size(), nil
}

// backupLive copies every existing live artifact to its .bak path.
func (r *Repository) backupLive() error {
	for _, p := range []string{r.paths.Index, r.paths.Metadata} {
		ok, err := exists(p)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		bak := backupPath(p)
		if err := copyFile(p, tmpPath(bak)); err != nil {
			_ = os.Remove(tmpPath(bak))
			return fmt.Errorf("backup %s: %w", p, err)
		}
		if err := os.Rename(tmpPath(bak), bak); err != nil {
			_ = os.Remove(tmpPath(bak))
			return fmt.Errorf("backup %s: %w", p, err)
		}
	}
	return nil
}

func (r *Repository) dirs() []string {
	a, b := filepath.Dir(r.paths.Index), filepath.Dir(r.paths.Metadata)
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}

func (r *Repository) syncDirs() {
	for _, dir := range r.dirs() {
		if err := syncDir(dir); err != nil && r.logger != nil {
			r.logger.Warn("directory sync failed", zap.String("dir", dir), zap.Error(err))
		}
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// copyFile copies src to dst and syncs dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
