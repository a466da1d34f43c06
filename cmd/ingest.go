package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/lake-cli/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Dataset ingestion pipeline",
	Long:  "Fetches source files and moves them through the raw, cleansed and curated layers of the lake.",
}

var ingestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		formatDatasets(os.Stdout, ingest.NewRegistry(cfg).All())
		return nil
	},
}

func init() {
	ingestCmd.AddCommand(ingestListCmd)
	rootCmd.AddCommand(ingestCmd)
}

// formatDatasets writes a tabular listing of datasets to out.
func formatDatasets(out io.Writer, datasets []ingest.Dataset) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tTABLE\tCADENCE\tSTAGES")
	for _, d := range datasets {
		stages := make([]string, len(d.Stages()))
		for i, s := range d.Stages() {
			stages[i] = string(s)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name(), d.Table(), d.Cadence(), strings.Join(stages, ","))
	}
	_ = w.Flush()
}
