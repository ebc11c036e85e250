// Package cli implements the shirabe command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/ledger"
	"github.com/hyperjump/shirabe/internal/snapshot"
	"github.com/hyperjump/shirabe/pkg/utils"
)

const defaultConfigPath = "/usr/local/etc/shirabe/config.yaml"

// app carries the global flags and what PersistentPreRunE builds from them.
type app struct {
	version    string
	configPath string
	debug      bool

	cfg          *config.Config
	resolvedPath string
	logger       *zap.Logger
}

// NewRootCommand returns the shirabe command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version}
	root := &cobra.Command{
		Use:   "shirabe",
		Short: "Vector retrieval over article chunks with incremental index updates",
		Long: `shirabe keeps a flat vector index of article chunks next to their metadata,
retrieves the chunks most similar to a query (optionally diversified with MMR),
and appends new chunk batches without re-embedding what is already indexed.

Example usage:
  shirabe update batches/2024-06-01.jsonl   # Embed and append new chunks
  shirabe search "premier league transfer"  # Retrieve the most similar chunks
  shirabe serve                             # Run the HTTP API`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"config file (default ./config.yaml, then "+defaultConfigPath+")")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newSearchCommand(a),
		newUpdateCommand(a),
		newRebuildCommand(a),
		newRestoreCommand(a),
		newStatusCommand(a),
		newHistoryCommand(a),
		newServeCommand(a),
		newVersionCommand(a),
	)
	return root
}

// Execute runs the command line and returns the process exit code. SIGINT and SIGTERM
// cancel the command context, so an update stops before its next embedding batch.
func Execute(version string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) init() error {
	cfg, path, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg
	a.resolvedPath = path
	a.logger, err = utils.NewLogger(a.debug || cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger.Debug("config loaded", zap.String("config_path", path))
	return nil
}

// loadConfig loads the config at path. Without an explicit path it tries config.yaml in the
// current directory, then the system default, and falls back to built-in defaults when
// neither exists. The returned path is empty when defaults were used.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	candidates := []string{defaultConfigPath}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append([]string{filepath.Join(cwd, "config.yaml")}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cfg, err := config.Load(p)
		if err != nil {
			return nil, "", err
		}
		return cfg, p, nil
	}
	return config.Default(), "", nil
}

// componentLogger returns the logger for long-lived components: silent unless debugging.
func (a *app) componentLogger() *zap.Logger {
	if a.debug || a.cfg.Debug {
		return a.logger
	}
	return nil
}

func (a *app) repository() (*snapshot.Repository, error) {
	repo, err := snapshot.FromConfig(&a.cfg.Index, snapshot.WithLogger(a.componentLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot repository: %w", err)
	}
	return repo, nil
}

func (a *app) embedder() (embedding.Embedder, error) {
	e, err := embedding.New(a.cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return e, nil
}

func (a *app) openLedger() (*ledger.Ledger, error) {
	l, err := ledger.Open(a.cfg.Update.LedgerPath)
	if errors.Is(err, ledger.ErrLocked) {
		return nil, fmt.Errorf("%w (is the server running?)", err)
	}
	return l, err
}
