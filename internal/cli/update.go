package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/hyperjump/shirabe/internal/batch"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/updater"
)

type updateOptions struct {
	quiet bool
	json  bool
}

func newUpdateCommand(a *app) *cobra.Command {
	opts := &updateOptions{}
	cmd := &cobra.Command{
		Use:   "update <file|dir|glob>...",
		Short: "Embed new chunks and append them to the index",
		Long: `Read chunk batches (JSON Lines, JSON array, CSV, XLSX or Parquet), drop chunks whose
chunk_id or content fingerprint is already indexed, embed the rest and append
them to the snapshot. Directories are read recursively; globs may use **.

Examples:
  shirabe update batches/2024-06-01.jsonl
  shirabe update 'inbox/**/*.csv'
  shirabe update --json exports/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUpdate(cmd, args, opts, false)
		},
	}
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not show progress")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the report as JSON")
	return cmd
}

func newRebuildCommand(a *app) *cobra.Command {
	opts := &updateOptions{}
	cmd := &cobra.Command{
		Use:   "rebuild <file|dir|glob>...",
		Short: "Replace the index with one built from the given batches",
		Long: `Embed every chunk in the given batches and replace the snapshot with the result,
ignoring what is currently indexed. Use this after switching embedding models or
dimensions. The previous snapshot is kept as .bak (see 'shirabe restore').`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUpdate(cmd, args, opts, true)
		},
	}
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not show progress")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the report as JSON")
	return cmd
}

func (a *app) runUpdate(cmd *cobra.Command, args []string, opts *updateOptions, rebuild bool) error {
	out := cmd.OutOrStdout()
	paths, err := batch.Expand(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no batch files match %v", args)
	}
	chunks, err := batch.ReadFiles(paths)
	if err != nil {
		return err
	}
	if !opts.json {
		fmt.Fprintf(out, "Read %d chunks from %d files\n", len(chunks), len(paths))
	}

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

	updOpts := []updater.Option{updater.WithLedger(l), updater.WithLogger(a.componentLogger())}
	if !opts.quiet && !opts.json {
		updOpts = append(updOpts, updater.WithProgress(newProgress(cmd.ErrOrStderr())))
	}
	upd, err := updater.New(repo, embedder, &a.cfg.Index, updOpts...)
	if err != nil {
		return err
	}

	run := upd.Update
	if rebuild {
		run = upd.Rebuild
	}
	report, err := run(cmd.Context(), chunks)
	if err != nil {
		return describeUpdateError(cmd.Context(), err)
	}
	if opts.json {
		return writeJSON(out, report)
	}
	writeReport(out, report)
	return nil
}

// describeUpdateError adds the remedy to errors the user can act on.
func describeUpdateError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, models.ErrCancelled) && ctx.Err() != nil:
		return fmt.Errorf("update interrupted, index left unchanged: %w", err)
	case errors.Is(err, models.ErrDimensionMismatch), errors.Is(err, models.ErrModelMismatch):
		return fmt.Errorf("%w (run 'shirabe rebuild' to re-embed everything with the current model)", err)
	default:
		return fmt.Errorf("update failed: %w", err)
	}
}

// newProgress returns a progress callback drawing an embedding progress bar with an ETA on w.
func newProgress(w io.Writer) updater.ProgressFunc {
	var (
		mu        sync.Mutex
		bar       *progressbar.ProgressBar
		startTime time.Time
	)
	return func(done, total int) {
		mu.Lock()
		defer mu.Unlock()

		if bar == nil {
			startTime = time.Now()
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Embedding[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(w)
				}),
			)
		}
		_ = bar.Set(done)

		if done > 0 && done < total {
			rate := float64(done) / time.Since(startTime).Seconds()
			if rate > 0 {
				eta := time.Duration(float64(total-done)/rate) * time.Second
				bar.Describe(fmt.Sprintf("[cyan]Embedding[reset] ETA: %s", formatDuration(eta)))
			}
		}
	}
}
