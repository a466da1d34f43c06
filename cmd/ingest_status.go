package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/catalog"
)

var ingestStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the run ledger",
	Long:  "Lists ingest runs newest first, optionally for one dataset or only the failed ones.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		store, err := openCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		dataset, _ := cmd.Flags().GetString("dataset")
		limit, _ := cmd.Flags().GetInt("limit")
		failedOnly, _ := cmd.Flags().GetBool("failed")
		asJSON, _ := cmd.Flags().GetBool("json")

		runs, err := store.ListRuns(ctx, catalog.RunFilter{Dataset: dataset, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "ingest status")
		}
		if failedOnly {
			runs = failedRuns(runs)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		if len(runs) == 0 {
			zap.L().Info("no matching runs; 'ingest sync' records one per dataset", zap.String("dataset", dataset))
			return nil
		}
		formatStatusEntries(os.Stdout, runs)
		return nil
	},
}

func init() {
	ingestStatusCmd.Flags().String("dataset", "", "only runs of this dataset")
	ingestStatusCmd.Flags().Int("limit", 50, "max number of runs to display")
	ingestStatusCmd.Flags().Bool("failed", false, "only failed runs")
	ingestStatusCmd.Flags().Bool("json", false, "print the runs as JSON")
	ingestCmd.AddCommand(ingestStatusCmd)
}

func failedRuns(runs []catalog.RunEntry) []catalog.RunEntry {
	out := runs[:0:0]
	for _, r := range runs {
		if r.Status == catalog.RunFailed {
			out = append(out, r)
		}
	}
	return out
}

var statusColumns = []string{"ID", "DATASET", "STATUS", "STARTED", "DURATION", "ROWS", "ERROR"}

// formatStatusEntries prints runs as an aligned table.
func formatStatusEntries(out io.Writer, runs []catalog.RunEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(statusColumns, "\t"))
	rule := make([]string, len(statusColumns))
	for i, c := range statusColumns {
		rule[i] = strings.Repeat("-", len(c))
	}
	_, _ = fmt.Fprintln(w, strings.Join(rule, "\t"))

	for _, r := range runs {
		_, _ = fmt.Fprintln(w, strings.Join(statusCells(r), "\t"))
	}
	_ = w.Flush()
}

func statusCells(r catalog.RunEntry) []string {
	dur := "-"
	if r.CompletedAt != nil {
		dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
	}
	return []string{
		fmt.Sprint(r.ID),
		r.Dataset,
		r.Status,
		r.StartedAt.UTC().Format("2006-01-02 15:04"),
		dur,
		fmt.Sprint(r.RowsSynced),
		truncate(r.Error, 60),
	}
}

// truncate shortens s to max bytes, marking the cut with "...".
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
