package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hyperjump/shirabe/internal/ledger"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/retriever"
	"github.com/hyperjump/shirabe/internal/snapshot"
)

// statusReport mirrors the JSON of GET /api/v1/status.
type statusReport struct {
	Index   retriever.Stats  `json:"index"`
	Files   *snapshot.Status `json:"files"`
	LastRun *ledger.Run      `json:"last_run,omitempty"`
}

func newStatusCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index size, artifacts on disk and the last successful run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.status()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			writeStatus(cmd.OutOrStdout(), a.resolvedPath, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

// status reads the snapshot without an embedder, so it works even when the provider is
// unreachable. The model comes from the ledger when one is recorded.
func (a *app) status() (*statusReport, error) {
	repo, err := a.repository()
	if err != nil {
		return nil, err
	}
	files, err := repo.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	snap, err := repo.Load(0)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer snap.Close()

	report := &statusReport{
		Files: files,
		Index: retriever.Stats{
			MetadataRows: snap.Store.Size(),
			Dimensions:   snap.Dimensions(),
			FilterIndex:  snap.Store.FilterType(),
			Model:        a.cfg.Embedding.Model,
		},
	}
	if snap.Index != nil {
		report.Index.Vectors = snap.Index.Size()
		report.Index.IndexType = snap.Index.Type()
	}

	l, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	defer l.Close()
	if report.LastRun, err = l.LastSuccessful(); err != nil {
		return nil, err
	}
	id, err := l.Identity()
	if err != nil {
		return nil, err
	}
	if id != nil {
		report.Index.Model = id.Model
	}
	return report, nil
}

func writeStatus(w io.Writer, configPath string, r *statusReport) {
	if configPath == "" {
		configPath = "(built-in defaults)"
	}
	fmt.Fprintf(w, "Config:          %s\n", configPath)
	fmt.Fprintf(w, "Vectors:         %d\n", r.Index.Vectors)
	fmt.Fprintf(w, "Metadata rows:   %d\n", r.Index.MetadataRows)
	fmt.Fprintf(w, "Dimensions:      %d\n", r.Index.Dimensions)
	if r.Index.IndexType != "" {
		fmt.Fprintf(w, "Index type:      %s\n", r.Index.IndexType)
	}
	fmt.Fprintf(w, "Filter index:    %s\n", r.Index.FilterIndex)
	fmt.Fprintf(w, "Model:           %s\n", r.Index.Model)
	fmt.Fprintf(w, "Metadata format: %s\n", r.Files.MetadataFormat)
	for _, f := range []struct {
		name string
		st   snapshot.ArtifactStatus
	}{{"Vector file", r.Files.Vectors}, {"Metadata file", r.Files.Metadata}} {
		if !f.st.Exists {
			fmt.Fprintf(w, "%-16s %s (missing)\n", f.name+":", f.st.Path)
			continue
		}
		fmt.Fprintf(w, "%-16s %s (%d bytes, modified %s, backup: %t)\n", f.name+":",
			f.st.Path, f.st.SizeBytes, f.st.ModTime.Local().Format("2006-01-02 15:04:05"), f.st.BackupExists)
	}
	fmt.Fprintf(w, "Disk usage:      %d bytes\n", r.Files.DiskUsageBytes)
	if r.LastRun != nil {
		fmt.Fprintf(w, "Last run:        %s %s at %s (+%d, total %d)\n", r.LastRun.Kind, r.LastRun.Status,
			r.LastRun.FinishedAt.Local().Format("2006-01-02 15:04:05"), r.LastRun.Added, r.LastRun.Total)
	}
}

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent update and rebuild runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			defer l.Close()
			runs, err := l.List(limit)
			if err != nil {
				return err
			}
			if asJSON {
				if runs == nil {
					runs = []*ledger.Run{}
				}
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			writeRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show, newest first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newRestoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Put the .bak snapshot back in place",
		Long: `Every save copies the previous snapshot to .bak files next to the live ones.
restore checks that the backup loads, copies it back over the live snapshot and
records the run, reverting the ledger's model identity to the restored one. The
ledger is held by a running server, so stop it first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.repository()
			if err != nil {
				return err
			}
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			defer l.Close()
			vectors, err := repo.RestoreBackup()
			if err != nil {
				if errors.Is(err, models.ErrNoBackup) {
					return fmt.Errorf("nothing to restore: %w", err)
				}
				return fmt.Errorf("restore failed: %w", err)
			}
			run, err := l.RecordRestore(vectors)
			if err != nil {
				return fmt.Errorf("snapshot restored but the ledger was not updated: %w", err)
			}
			paths := repo.Paths()
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s and %s from backup (%d vectors, model %q)\n",
				paths.Index, paths.Metadata, vectors, run.Model)
			return nil
		},
	}
}
