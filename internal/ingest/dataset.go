// Package ingest runs datasets through the raw, cleansed and curated layers
// of the lake and records every run in the catalog's run ledger.
package ingest

import (
	"context"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/catalog"
	"github.com/sells-group/lake-cli/internal/delta"
	"github.com/sells-group/lake-cli/internal/fetcher"
	"github.com/sells-group/lake-cli/internal/mount"
)

// Cadence describes how often a dataset changes upstream.
type Cadence string

const (
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
	Annual  Cadence = "annual"
)

// Stage is one step of a dataset pipeline.
type Stage string

const (
	StageRaw      Stage = "raw"
	StageCleansed Stage = "cleansed"
	StageCurated  Stage = "curated"
	StageRegister Stage = "register"
)

// ParseStages splits a comma separated stage list. Empty input selects
// nothing, which means every stage.
func ParseStages(s string) []Stage {
	var out []Stage
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
			out = append(out, Stage(part))
		}
	}
	return out
}

// SyncResult holds the outcome of a dataset sync.
type SyncResult struct {
	RowsSynced int64          `json:"rows_synced"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Locator maps absolute lake paths to stores. *mount.Resolver implements it.
type Locator interface {
	Resolve(ctx context.Context, p string) (mount.Location, error)
}

// Env is everything a dataset needs to run.
type Env struct {
	Locator Locator
	Fetcher fetcher.Fetcher
	Catalog catalog.Store
	// Schemas reads Delta schemas when tables are registered.
	Schemas catalog.SchemaLookup
	// Root is the lake root, e.g. /mnt/data.
	Root           string
	TempDir        string
	MaxRowsPerFile int
	Concurrency    int
}

// Path joins elem under the lake root.
func (e *Env) Path(elem ...string) string {
	return path.Join(append([]string{e.Root}, elem...)...)
}

// Resolve returns the store location of lake path p.
func (e *Env) Resolve(ctx context.Context, p string) (mount.Location, error) {
	loc, err := e.Locator.Resolve(ctx, p)
	if err != nil {
		return mount.Location{}, eris.Wrapf(err, "resolve %s", p)
	}
	return loc, nil
}

// DeltaTable opens the Delta table at lake path p.
func (e *Env) DeltaTable(ctx context.Context, p string) (*delta.Table, error) {
	loc, err := e.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	return delta.Open(loc.Store, loc.Key), nil
}

// Dataset is one source flowing through the lake layers.
type Dataset interface {
	// Name returns the unique identifier, e.g. "zone_lookup".
	Name() string

	// Table returns the qualified catalog table the dataset curates.
	Table() string

	Cadence() Cadence

	// ShouldRun decides if the dataset needs syncing given the current time
	// and the time of the last successful sync (nil if never synced).
	ShouldRun(now time.Time, lastSync *time.Time) bool

	// Stages lists the pipeline stages in execution order.
	Stages() []Stage

	// Sync runs the given stages in order. An empty list runs them all.
	Sync(ctx context.Context, env *Env, stages []Stage) (*SyncResult, error)
}

// selectStages validates want against the stages of d and returns them in
// pipeline order.
func selectStages(d Dataset, want []Stage) ([]Stage, error) {
	all := d.Stages()
	if len(want) == 0 {
		return all, nil
	}
	for _, s := range want {
		if !slices.Contains(all, s) {
			return nil, eris.Errorf("ingest: dataset %s has no stage %q", d.Name(), s)
		}
	}
	var out []Stage
	for _, s := range all {
		if slices.Contains(want, s) {
			out = append(out, s)
		}
	}
	return out, nil
}
