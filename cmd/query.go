package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/query"
)

var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run SQL over the registered Delta tables",
	Long: `Run a SQL query with DuckDB over every registered table that holds data.

Tables are exposed as "<database>"."<table>", for example:

  lake-cli query 'SELECT borough, count(*) FROM nyctaxi.dim_zone_lookup GROUP BY 1'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("query"); err != nil {
			return err
		}

		store, err := openCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		resolver, err := openResolver(cfg)
		if err != nil {
			return err
		}
		engine, err := query.Open(ctx, resolver, query.Options{
			Threads:  cfg.Query.Threads,
			CacheDir: cfg.Query.CacheDir,
		})
		if err != nil {
			return err
		}
		defer engine.Close() //nolint:errcheck

		attached, err := engine.AttachAll(ctx, store)
		if err != nil {
			return eris.Wrap(err, "query: attach tables")
		}
		zap.L().Debug("attached tables", zap.String("component", "query"), zap.Strings("tables", attached))

		res, err := engine.Query(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return json.NewEncoder(os.Stdout).Encode(res)
		}
		formatQueryResult(os.Stdout, res)
		return nil
	},
}

func init() {
	queryCmd.Flags().Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(queryCmd)
}

// formatQueryResult writes res as a table followed by a row count.
func formatQueryResult(out io.Writer, res *query.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "(%d rows)\n", len(res.Rows))
}
