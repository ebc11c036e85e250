package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/retriever"
)

type searchOptions struct {
	topK        int
	threshold   float64
	noDiversify bool
	filters     map[string]string
	format      string
}

func newSearchCommand(a *app) *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the chunks most similar to a query",
		Long: `Embed the query, score it against every indexed chunk (or only those matching
--filter) and print the best matches. Diversification with MMR is on by default.

The query is all positional arguments joined by spaces, so quoting is optional.

Examples:
  shirabe search premier league transfer
  shirabe search -k 10 --threshold 0 "interest rates"
  shirabe search --filter section=Sport --filter topic=uk cup final
  shirabe search --format context "climate summit"   # numbered sources for a prompt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSearch(cmd, args, opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.topK, "top-k", "k", 0, "number of results (default from config)")
	f.Float64Var(&opts.threshold, "threshold", 0, "minimum similarity score (default from config)")
	f.BoolVar(&opts.noDiversify, "no-diversify", false, "rank by score only, without MMR")
	f.StringToStringVar(&opts.filters, "filter", nil, "attribute=value filter, repeatable (case-insensitive)")
	f.StringVarP(&opts.format, "format", "f", string(OutputText), "output format: text, json or context")
	return cmd
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func (a *app) runSearch(cmd *cobra.Command, args []string, opts *searchOptions) error {
	format, err := parseFormat(opts.format, OutputText, OutputJSON, OutputContext)
	if err != nil {
		return err
	}
	query := &models.SearchQuery{
		Query:   buildSearchQuery(args),
		TopK:    opts.topK,
		Filters: opts.filters,
	}
	if cmd.Flags().Changed("threshold") {
		t := opts.threshold
		query.ScoreThreshold = &t
	}
	if opts.noDiversify {
		d := false
		query.Diversify = &d
	}

	repo, err := a.repository()
	if err != nil {
		return err
	}
	snap, err := repo.Load(a.cfg.Index.EmbeddingDimension)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	embedder, err := a.embedder()
	if err != nil {
		_ = snap.Close()
		return err
	}
	defer embedder.Close()
	r, err := retriever.New(snap, embedder, a.cfg, retriever.WithLogger(a.componentLogger()))
	if err != nil {
		_ = snap.Close()
		return err
	}
	defer r.Close()

	response, err := r.Search(cmd.Context(), query)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	return WriteSearchResults(cmd.OutOrStdout(), response, format)
}
