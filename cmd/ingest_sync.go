package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/ingest"
)

var ingestSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync datasets into the lake",
	Long: `Sync datasets through the raw, cleansed and curated layers and register
their tables in the catalog.

By default, syncs all datasets whose schedule says they are due.
Use --datasets for specific datasets and --stages to run a subset of stages.
Use --force to ignore scheduling.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "ingest.sync"))

		opts := parseSyncOpts(cmd)

		store, err := openCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		env, err := newIngestEnv(cfg, store)
		if err != nil {
			return err
		}
		engine := ingest.NewEngine(env, store, ingest.NewRegistry(cfg))

		log.Info("starting ingest",
			zap.Strings("datasets", opts.Datasets),
			zap.Any("stages", opts.Stages),
			zap.Bool("force", opts.Force),
		)

		summary, err := engine.Run(ctx, opts)
		fmt.Printf("Synced %d, skipped %d, failed %d\n", summary.Synced, summary.Skipped, summary.Failed)
		if err != nil {
			return eris.Wrap(err, "ingest sync")
		}
		return nil
	},
}

func init() {
	ingestSyncCmd.Flags().String("datasets", "", "comma-separated dataset names (e.g., zone_lookup)")
	ingestSyncCmd.Flags().String("stages", "", "comma-separated stages to run: raw, cleansed, curated, register")
	ingestSyncCmd.Flags().Bool("force", false, "ignore dataset schedules")
	ingestCmd.AddCommand(ingestSyncCmd)
}

// parseSyncOpts extracts ingest.RunOpts from the cobra command flags.
func parseSyncOpts(cmd *cobra.Command) ingest.RunOpts {
	datasetsStr, _ := cmd.Flags().GetString("datasets")
	stagesStr, _ := cmd.Flags().GetString("stages")
	force, _ := cmd.Flags().GetBool("force")

	opts := ingest.RunOpts{
		Stages: ingest.ParseStages(stagesStr),
		Force:  force,
	}
	for _, name := range strings.Split(datasetsStr, ",") {
		if name = strings.TrimSpace(name); name != "" {
			opts.Datasets = append(opts.Datasets, name)
		}
	}
	return opts
}
