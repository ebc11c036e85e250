// Package server provides the HTTP API for shirabe.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/batch"
	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/ledger"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/retriever"
	"github.com/hyperjump/shirabe/internal/snapshot"
	"github.com/hyperjump/shirabe/internal/updater"
	"github.com/hyperjump/shirabe/internal/watcher"
)

// Server is the HTTP server for the shirabe API. It serves searches from a live retriever
// and runs updates one at a time.
type Server struct {
	live     *retriever.Live
	updater  *updater.Updater
	repo     *snapshot.Repository
	ledger   *ledger.Ledger
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	updateMu sync.Mutex
	watchers []*watcher.Watcher
}

// NewServer creates a server. ledger may be nil, in which case run history is unavailable.
func NewServer(
	live *retriever.Live,
	upd *updater.Updater,
	repo *snapshot.Repository,
	l *ledger.Ledger,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		live:    live,
		updater: upd,
		repo:    repo,
		ledger:  l,
		config:  cfg,
		logger:  logger,
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/search", s.handleSearch)
	r.Post("/api/v1/chunks", s.handleAddChunks)
	r.Post("/api/v1/reload", s.handleReload)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/api/v1/runs", s.handleRuns)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the configured watchers and the HTTP server, and blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.startWatchers(ctx); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop stops the watchers and gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	for _, w := range s.watchers {
		w.Stop()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) startWatchers(ctx context.Context) error {
	wc := s.config.Watch
	debounce := wc.DebounceDuration()
	if wc.Reload {
		paths := s.repo.Paths()
		dirs := []string{filepath.Dir(paths.Index)}
		if d := filepath.Dir(paths.Metadata); d != dirs[0] {
			dirs = append(dirs, d)
		}
		w := watcher.New(dirs, watcher.MatchPaths(paths.Index, paths.Metadata), s.onSnapshotChanged,
			watcher.WithDebounce(debounce),
			watcher.WithKey(func(string) string { return "snapshot" }),
			watcher.WithLogger(s.logger))
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watch snapshot: %w", err)
		}
		s.watchers = append(s.watchers, w)
	}
	if len(wc.InboxDirectories) > 0 {
		exts := wc.Extensions
		if len(exts) == 0 {
			exts = batch.Extensions
		}
		w := watcher.New(wc.InboxDirectories, watcher.MatchExtensions(exts), s.onInboxFile,
			watcher.WithDebounce(debounce),
			watcher.WithRecursive(true),
			watcher.WithLogger(s.logger))
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watch inbox: %w", err)
		}
		s.watchers = append(s.watchers, w)
		go w.SyncExisting()
	}
	return nil
}

func (s *Server) onSnapshotChanged(path string) {
	s.logger.Info("Snapshot changed on disk, reloading", zap.String("path", path))
	_ = s.live.Reload()
}

func (s *Server) onInboxFile(path string) {
	chunks, err := batch.ReadFile(path)
	if err != nil {
		s.logger.Error("Failed to read inbox batch", zap.String("path", path), zap.Error(err))
		return
	}
	report, err := s.ingest(context.Background(), chunks)
	if err != nil {
		s.logger.Error("Inbox update failed", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info("Inbox batch processed",
		zap.String("path", path),
		zap.Int("received", report.Received),
		zap.Int("added", report.Added))
}

// ingest runs one update and puts the new snapshot in service.
func (s *Server) ingest(ctx context.Context, chunks []*models.Chunk) (*updater.Report, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	report, err := s.updater.Update(ctx, chunks)
	if err != nil {
		return nil, err
	}
	if report.Added > 0 {
		if err := s.live.Reload(); err != nil {
			return report, fmt.Errorf("update committed but reload failed: %w", err)
		}
	}
	return report, nil
}
