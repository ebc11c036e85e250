package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hyperjump/shirabe/internal/ledger"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/updater"
	"github.com/hyperjump/shirabe/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
	// OutputContext renders results as numbered sources for an answer-generation prompt.
	OutputContext OutputFormat = "context"
)

func parseFormat(s string, allowed ...OutputFormat) (OutputFormat, error) {
	for _, f := range allowed {
		if string(f) == s {
			return f, nil
		}
	}
	names := make([]string, len(allowed))
	for i, f := range allowed {
		names[i] = string(f)
	}
	return "", fmt.Errorf("unknown format %q (supported: %s)", s, strings.Join(names, ", "))
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputContext:
		writeContext(w, response.Results)
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", response.Total, response.QueryTime)
	for _, result := range response.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f | %s\n", result.Rank, result.Score, result.ChunkID)
		if result.Title != "" {
			fmt.Fprintf(w, "Title: %s\n", result.Title)
		}
		if meta := joinNonEmpty(" | ", result.Section, result.Publication, formatDate(result.PublishedAt)); meta != "" {
			fmt.Fprintf(w, "%s\n", meta)
		}
		if result.URL != "" {
			fmt.Fprintf(w, "URL: %s\n", result.URL)
		}
		fmt.Fprintf(w, "\n%s\n", utils.Truncate(utils.CollapseWhitespace(result.Text), 200))
		fmt.Fprintln(w)
	}
}

// writeContext renders one numbered block per result:
//
//	[Source 1 | Title | Section]
//	chunk text
func writeContext(w io.Writer, results []*models.SearchResult) {
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		header := joinNonEmpty(" | ", fmt.Sprintf("Source %d", i+1), r.Title, r.Section)
		fmt.Fprintf(w, "[%s]\n%s\n", header, strings.TrimSpace(r.Text))
	}
}

func writeReport(w io.Writer, report *updater.Report) {
	title := "Update complete"
	if report.Kind == ledger.KindRebuild {
		title = "Rebuild complete"
	}
	if report.RunID != "" {
		title += " (run " + report.RunID + ")"
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	fmt.Fprintf(w, "  Received:              %d\n", report.Received)
	fmt.Fprintf(w, "  Added:                 %d\n", report.Added)
	fmt.Fprintf(w, "  Duplicate chunk_id:    %d\n", report.DuplicateID)
	fmt.Fprintf(w, "  Duplicate fingerprint: %d\n", report.DuplicateFingerprint)
	fmt.Fprintf(w, "  Index size:            %d\n", report.Total)
	if report.Dimensions > 0 {
		fmt.Fprintf(w, "  Dimensions:            %d\n", report.Dimensions)
	}
	if report.Model != "" {
		fmt.Fprintf(w, "  Model:                 %s\n", report.Model)
	}
	fmt.Fprintf(w, "  Duration:              %s\n", formatDuration(report.Duration))
}

func writeRuns(w io.Writer, runs []*ledger.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tKIND\tSTATUS\tRECEIVED\tADDED\tDUP ID\tDUP FP\tTOTAL\tDURATION\tID")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Kind, r.Status,
			r.Received, r.Added, r.DuplicateID, r.DuplicateFingerprint, r.Total,
			formatDuration(r.Duration()), r.ID)
	}
	_ = tw.Flush()
	for _, r := range runs {
		if r.Error != "" {
			fmt.Fprintf(w, "error %s: %s\n", r.ID, r.Error)
		}
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
