// Package monitoring watches the run ledger and raises alerts when dataset
// runs fail or fall behind their schedule.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/catalog"
	"github.com/sells-group/lake-cli/internal/ingest"
)

// MetricsSnapshot holds a point-in-time view of ingest health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`
	RowsSynced   int64   `json:"rows_synced"`

	// FailedDatasets have at least one failed run in the window.
	FailedDatasets []string `json:"failed_datasets,omitempty"`
	// OverdueDatasets are due by their cadence and have not succeeded
	// within the window.
	OverdueDatasets []string `json:"overdue_datasets,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLedger abstracts the run ledger reads needed by the collector.
// catalog.Store implements it.
type RunLedger interface {
	ListRuns(ctx context.Context, filter catalog.RunFilter) ([]catalog.RunEntry, error)
	LastSuccess(ctx context.Context, dataset string) (*time.Time, error)
}

// Collector gathers metrics from the run ledger.
type Collector struct {
	ledger   RunLedger
	datasets []ingest.Dataset
	now      func() time.Time
}

// NewCollector creates a collector over ledger. datasets are checked for
// overdue syncs; nil skips that check.
func NewCollector(ledger RunLedger, datasets []ingest.Dataset) *Collector {
	return &Collector{ledger: ledger, datasets: datasets, now: time.Now}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// The ledger is newest first, so stop at the first run outside the window.
	runs, err := c.ledger.ListRuns(ctx, catalog.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	failed := map[string]bool{}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			break
		}
		snap.RunsTotal++
		switch r.Status {
		case catalog.RunComplete, catalog.RunPartial:
			snap.RunsComplete++
			snap.RowsSynced += r.RowsSynced
		case catalog.RunFailed:
			snap.RunsFailed++
			failed[r.Dataset] = true
		case catalog.RunRunning:
			snap.RunsRunning++
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	for name := range failed {
		snap.FailedDatasets = append(snap.FailedDatasets, name)
	}
	sort.Strings(snap.FailedDatasets)

	for _, d := range c.datasets {
		last, err := c.ledger.LastSuccess(ctx, d.Name())
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: last success of %s", d.Name())
		}
		if d.ShouldRun(now, last) && (last == nil || last.Before(cutoff)) {
			snap.OverdueDatasets = append(snap.OverdueDatasets, d.Name())
		}
	}

	return snap, nil
}
