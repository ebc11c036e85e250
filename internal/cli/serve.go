package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/retriever"
	"github.com/hyperjump/shirabe/internal/server"
	"github.com/hyperjump/shirabe/internal/updater"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve searches and updates over HTTP. The snapshot is loaded once and swapped
in place after every update, on POST /api/v1/reload, and (with watch.reload)
whenever the snapshot files are replaced on disk. Batch files dropped into
watch.inbox_directories are ingested as updates.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			return a.runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}

func (a *app) runServe(ctx context.Context) error {
	logger := a.logger
	logger.Info("config loaded",
		zap.String("config_path", a.resolvedPath),
		zap.Bool("debug", a.debug || a.cfg.Debug))

	repo, err := a.repository()
	if err != nil {
		return err
	}
	embedder, err := a.embedder()
	if err != nil {
		return err
	}
	defer embedder.Close()
	l, err := a.openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	live, err := retriever.NewLive(
		retriever.RepositoryLoader(repo, embedder, a.cfg, retriever.WithLogger(a.componentLogger())),
		logger)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer func() { _ = live.Current().Close() }()
	upd, err := updater.New(repo, embedder, &a.cfg.Index,
		updater.WithLedger(l), updater.WithLogger(logger))
	if err != nil {
		return err
	}

	srv := server.NewServer(live, upd, repo, l, a.cfg, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
