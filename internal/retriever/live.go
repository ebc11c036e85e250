package retriever

import (
	"context"
	"errors"
	"sync"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/snapshot"
	"go.uber.org/zap"
)

// Loader builds a Retriever from the current persisted snapshot.
type Loader func() (*Retriever, error)

// RepositoryLoader returns a Loader that reads the snapshot from repo and wraps it in a
// Retriever. An absent snapshot yields a Retriever that answers with models.ErrEmptyIndex.
func RepositoryLoader(repo *snapshot.Repository, embedder embedding.Embedder, cfg *config.Config, opts ...Option) Loader {
	return func() (*Retriever, error) {
		snap, err := repo.Load(cfg.Index.EmbeddingDimension)
		if err != nil {
			return nil, err
		}
		r, err := New(snap, embedder, cfg, opts...)
		if err != nil {
			_ = snap.Close()
			return nil, err
		}
		return r, nil
	}
}

// Live holds the Retriever in service and replaces it on Reload.
// Searches run under a read lock, so a replaced Retriever is closed only after
// the searches using it have returned.
type Live struct {
	mu      sync.RWMutex
	current *Retriever
	load    Loader
	logger  *zap.Logger
}

// NewLive loads the first Retriever with load.
func NewLive(load Loader, logger *zap.Logger) (*Live, error) {
	r, err := load()
	if err != nil {
		return nil, err
	}
	return &Live{current: r, load: load, logger: logger}, nil
}

// Current returns the Retriever in service.
func (l *Live) Current() *Retriever {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Search runs query against the Retriever in service.
func (l *Live) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.Search(ctx, query)
}

// Stats reports on the Retriever in service.
func (l *Live) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.Stats()
}

// Reload rebuilds the Retriever from disk. On failure the previous one stays in service.
func (l *Live) Reload() error {
	if l.load == nil {
		return errors.New("live retriever has no loader")
	}
	r, err := l.load()
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("Reload failed, keeping previous snapshot", zap.Error(err))
		}
		return err
	}
	l.Set(r)
	return nil
}

// Set puts r in service and closes the previous Retriever.
func (l *Live) Set(r *Retriever) {
	l.mu.Lock()
	old := l.current
	l.current = r
	st := r.Stats()
	l.mu.Unlock()
	if old != nil && old != r {
		if err := old.Close(); err != nil && l.logger != nil {
			l.logger.Warn("Failed to close previous snapshot", zap.Error(err))
		}
	}
	if l.logger != nil {
		l.logger.Info("Snapshot in service", zap.Int("vectors", st.Vectors), zap.Int("dimensions", st.Dimensions))
	}
}
