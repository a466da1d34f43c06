//go:build !integration

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lake-cli/internal/catalog"
	"github.com/sells-group/lake-cli/internal/ingest"
	"github.com/sells-group/lake-cli/internal/monitoring"
)

// newSyncFlagsCmd creates a fresh cobra.Command with the same flags as
// ingestSyncCmd, so tests don't share mutable flag state.
func newSyncFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test-sync"}
	cmd.Flags().String("datasets", "", "")
	cmd.Flags().String("stages", "", "")
	cmd.Flags().Bool("force", false, "")
	return cmd
}

func TestParseSyncOpts_Defaults(t *testing.T) {
	opts := parseSyncOpts(newSyncFlagsCmd())
	assert.Nil(t, opts.Datasets)
	assert.Nil(t, opts.Stages)
	assert.False(t, opts.Force)
}

func TestParseSyncOpts_All(t *testing.T) {
	cmd := newSyncFlagsCmd()
	require.NoError(t, cmd.Flags().Set("datasets", " zone_lookup , ,other"))
	require.NoError(t, cmd.Flags().Set("stages", "Raw,cleansed"))
	require.NoError(t, cmd.Flags().Set("force", "true"))

	opts := parseSyncOpts(cmd)
	assert.Equal(t, []string{"zone_lookup", "other"}, opts.Datasets)
	assert.Equal(t, []ingest.Stage{ingest.StageRaw, ingest.StageCleansed}, opts.Stages)
	assert.True(t, opts.Force)
}

func TestFormatStatusEntries_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatStatusEntries(&buf, nil)

	output := buf.String()
	assert.Contains(t, output, "DATASET")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "STARTED")
}

func TestFormatStatusEntries_Entries(t *testing.T) {
	started := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	completed := started.Add(5 * time.Minute)
	longErr := "download https://s3.amazonaws.com/nyc-tlc/misc/taxi+_zone_lookup.csv: status 404 not found"

	var buf bytes.Buffer
	formatStatusEntries(&buf, []catalog.RunEntry{
		{ID: 2, Dataset: "zone_lookup", Status: catalog.RunFailed, StartedAt: started, Error: longErr},
		{ID: 1, Dataset: "zone_lookup", Status: catalog.RunComplete, StartedAt: started, CompletedAt: &completed, RowsSynced: 265},
	})

	output := buf.String()
	assert.Contains(t, output, "zone_lookup")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "2025-01-15 10:30")
	assert.Contains(t, output, "5m0s")
	assert.Contains(t, output, "265")
	assert.Contains(t, output, "...")
	assert.NotContains(t, output, "not found")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "", truncate("", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestFormatDatasets(t *testing.T) {
	c := useTestConfig(t)

	var buf bytes.Buffer
	formatDatasets(&buf, ingest.NewRegistry(c).All())

	output := buf.String()
	assert.Contains(t, output, "zone_lookup")
	assert.Contains(t, output, "nyctaxi.dim_zone_lookup")
	assert.Contains(t, output, "monthly")
	assert.Contains(t, output, "raw,cleansed,curated,register")
	assert.Contains(t, output, "nyctaxi.dim_zone_shapes")
	assert.Contains(t, output, "annual")
}

func TestNewIngestEnv(t *testing.T) {
	c := useTestConfig(t)
	ctx := context.Background()

	store, err := openCatalog(ctx, c)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	env, err := newIngestEnv(c, store)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data", env.Root)
	assert.Equal(t, 1000, env.MaxRowsPerFile)
	assert.Equal(t, 2, env.Concurrency)
	assert.DirExists(t, c.Lake.TempDir)
	assert.NotNil(t, env.Fetcher)
	assert.NotNil(t, env.Schemas)

	c.Lake.WriteConcurrency = 0
	_, err = newIngestEnv(c, store)
	assert.ErrorContains(t, err, "lake.write_concurrency")
}

func TestNewFetcher_Scheme(t *testing.T) {
	c := useTestConfig(t)

	_, err := newFetcher(c)
	require.NoError(t, err)

	c.Source.ZoneLookupURL = "gopher://example.com/zones"
	_, err = newFetcher(c)
	assert.ErrorContains(t, err, "unsupported scheme")

	c.Source.ZoneLookupURL = "https://example.com/zones.csv"
	c.Source.ZoneShapesURL = "s3://bucket/zones.zip"
	_, err = newFetcher(c)
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestFormatAlerts(t *testing.T) {
	var buf bytes.Buffer
	formatAlerts(&buf, nil)
	assert.Equal(t, "No alerts\n", buf.String())

	buf.Reset()
	formatAlerts(&buf, []monitoring.Alert{{Type: monitoring.AlertDatasetFailure, Severity: "high", Message: "1 dataset(s) failed"}})
	assert.Equal(t, "[high] dataset_failure: 1 dataset(s) failed\n", buf.String())
}

func TestIngestCheck(t *testing.T) {
	c := useTestConfig(t)
	c.Monitoring.LookbackWindowHours = 24
	c.Monitoring.FailureRateThreshold = 0
	ctx := context.Background()

	store, err := openCatalog(ctx, c)
	require.NoError(t, err)
	for _, name := range []string{"zone_lookup", "zone_shapes"} {
		id, err := store.StartRun(ctx, name)
		require.NoError(t, err)
		require.NoError(t, store.CompleteRun(ctx, id, &catalog.RunResult{RowsSynced: 265}))
	}
	require.NoError(t, store.Close())

	ingestCheckCmd.SetContext(ctx)
	require.NoError(t, ingestCheckCmd.RunE(ingestCheckCmd, nil))

	store, err = openCatalog(ctx, c)
	require.NoError(t, err)
	id, err := store.StartRun(ctx, "zone_lookup")
	require.NoError(t, err)
	require.NoError(t, store.FailRun(ctx, id, "status 404"))
	require.NoError(t, store.Close())

	assert.ErrorContains(t, ingestCheckCmd.RunE(ingestCheckCmd, nil), "1 alert(s)")
}

func TestFailedRuns(t *testing.T) {
	runs := []catalog.RunEntry{
		{ID: 3, Status: catalog.RunFailed},
		{ID: 2, Status: catalog.RunComplete},
		{ID: 1, Status: catalog.RunFailed},
	}
	got := failedRuns(runs)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(1), got[1].ID)
	assert.Len(t, runs, 3)
	assert.Empty(t, failedRuns(nil))
}

func TestIngestStatusCommand_Flags(t *testing.T) {
	for _, name := range []string{"dataset", "limit", "failed", "json"} {
		assert.NotNil(t, ingestStatusCmd.Flags().Lookup(name), "status command should have --%s flag", name)
	}
}
