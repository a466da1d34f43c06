package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lake-cli/internal/catalog"
	"github.com/sells-group/lake-cli/internal/ingest"
	"github.com/sells-group/lake-cli/internal/monitoring"
)

var ingestCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the run ledger for failed or overdue datasets",
	Long: `Evaluates the run ledger over monitoring.lookback_window_hours and prints
any alerts. Alerts are also posted to monitoring.webhook_url when it is set.
Exits non-zero when an alert fires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		alerts, err := newChecker(store).Check(ctx)
		if err != nil {
			return eris.Wrap(err, "ingest check")
		}
		formatAlerts(os.Stdout, alerts)
		if len(alerts) > 0 {
			return eris.Errorf("ingest check: %d alert(s)", len(alerts))
		}
		return nil
	},
}

func init() {
	ingestCmd.AddCommand(ingestCheckCmd)
}

// newChecker builds a ledger checker over every registered dataset.
func newChecker(store catalog.Store) *monitoring.Checker {
	collector := monitoring.NewCollector(store, ingest.NewRegistry(cfg).All())
	return monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

// formatAlerts writes one line per alert to out.
func formatAlerts(out io.Writer, alerts []monitoring.Alert) {
	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(out, "No alerts")
		return
	}
	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "[%s] %s: %s\n", a.Severity, a.Type, a.Message)
	}
}
