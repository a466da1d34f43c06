package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lake-cli/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Metastore of databases and external tables",
}

var catalogMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply metastore migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCatalog(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		fmt.Println("Migrations applied successfully")
		return nil
	},
}

var catalogSQLCmd = &cobra.Command{
	Use:   "sql [statements]",
	Short: "Execute DDL statements",
	Long: `Execute a semicolon separated DDL script against the metastore.

Supported statements: CREATE DATABASE, USE, CREATE TABLE ... USING DELTA
LOCATION, REFRESH TABLE, DROP TABLE, DROP DATABASE, SHOW DATABASES,
SHOW TABLES, DESCRIBE DATABASE, DESCRIBE TABLE.

The script is read from the arguments, from --file, or from stdin when
neither is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		file, _ := cmd.Flags().GetString("file")
		script, err := readScript(args, file, os.Stdin)
		if err != nil {
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
		results, err := catalog.NewSession(store, catalog.DeltaSchemas(resolver)).Exec(ctx, script)
		formatResults(os.Stdout, results)
		if err != nil {
			return eris.Wrap(err, "catalog sql")
		}
		return nil
	},
}

var catalogTablesCmd = &cobra.Command{
	Use:   "tables [database]",
	Short: "List registered tables",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		var databases []string
		if len(args) == 1 {
			databases = args
		} else {
			dbs, err := store.ListDatabases(ctx)
			if err != nil {
				return eris.Wrap(err, "catalog tables")
			}
			for _, d := range dbs {
				databases = append(databases, d.Name)
			}
		}

		var tables []catalog.Table
		for _, name := range databases {
			ts, err := store.ListTables(ctx, name)
			if err != nil {
				return eris.Wrap(err, "catalog tables")
			}
			tables = append(tables, ts...)
		}
		formatTables(os.Stdout, tables)
		return nil
	},
}

var catalogDescribeCmd = &cobra.Command{
	Use:   "describe <database.table>",
	Short: "Show the columns and location of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		results, err := catalog.NewSession(store, nil).Exec(ctx, "DESCRIBE TABLE EXTENDED "+args[0])
		if err != nil {
			return eris.Wrap(err, "catalog describe")
		}
		formatResults(os.Stdout, results)
		return nil
	},
}

func init() {
	catalogSQLCmd.Flags().StringP("file", "f", "", "read the script from a file")
	catalogCmd.AddCommand(catalogMigrateCmd, catalogSQLCmd, catalogTablesCmd, catalogDescribeCmd)
	rootCmd.AddCommand(catalogCmd)
}

// readScript returns the statements given as args, else the contents of
// file, else everything on stdin.
func readScript(args []string, file string, stdin io.Reader) (string, error) {
	var script string
	switch {
	case len(args) > 0:
		script = strings.Join(args, " ")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", eris.Wrapf(err, "read script %s", file)
		}
		script = string(data)
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", eris.Wrap(err, "read script from stdin")
		}
		script = string(data)
	}
	if strings.TrimSpace(script) == "" {
		return "", eris.New("no statements given")
	}
	return script, nil
}

// formatResults prints the rows of every statement that returned columns.
func formatResults(out io.Writer, results []catalog.Result) {
	for _, res := range results {
		if len(res.Columns) == 0 {
			_, _ = fmt.Fprintf(out, "OK: %s\n", res.Statement)
			continue
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
		for _, row := range res.Rows {
			_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		_ = w.Flush()
	}
}

// formatTables writes a tabular listing of tables to out.
func formatTables(out io.Writer, tables []catalog.Table) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tFORMAT\tLOCATION\tSCHEMA")
	for _, t := range tables {
		schema := "pending"
		if t.SchemaString != "" {
			schema = "known"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.FullName(), t.Format, t.Location, schema)
	}
	_ = w.Flush()
}
