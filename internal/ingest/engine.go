package ingest

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/catalog"
)

// Ledger records dataset runs. catalog.Store implements it.
type Ledger interface {
	LastSuccess(ctx context.Context, dataset string) (*time.Time, error)
	StartRun(ctx context.Context, dataset string) (int64, error)
	CompleteRun(ctx context.Context, id int64, result *catalog.RunResult) error
	FailRun(ctx context.Context, id int64, errMsg string) error
}

// Engine orchestrates dataset sync runs.
type Engine struct {
	env    *Env
	ledger Ledger
	reg    *Registry
	now    func() time.Time
}

// RunOpts configures which datasets to sync and how.
type RunOpts struct {
	Datasets []string // restrict to specific dataset names
	Stages   []Stage  // restrict to specific stages; empty runs all
	Force    bool     // ignore ShouldRun() scheduling
}

// RunSummary counts the outcome of a Run.
type RunSummary struct {
	Synced  int
	Skipped int
	Failed  int
}

// NewEngine creates a new sync engine.
func NewEngine(env *Env, ledger Ledger, reg *Registry) *Engine {
	return &Engine{env: env, ledger: ledger, reg: reg, now: time.Now}
}

// Run syncs the selected datasets that are due. A failing dataset does not
// stop the others; the failures are returned together once all have run.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (RunSummary, error) {
	log := zap.L().With(zap.String("component", "ingest.engine"))
	now := e.now().UTC()
	var sum RunSummary

	datasets, err := e.reg.Select(opts.Datasets)
	if err != nil {
		return sum, err
	}
	if len(datasets) == 0 {
		log.Info("no datasets selected")
		return sum, nil
	}
	stages := make(map[string][]Stage, len(datasets))
	for _, ds := range datasets {
		if stages[ds.Name()], err = selectStages(ds, opts.Stages); err != nil {
			return sum, err
		}
	}

	log.Info("selected datasets", zap.Int("count", len(datasets)))

	var failures *multierror.Error
	for _, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		dsLog := log.With(zap.String("dataset", ds.Name()))

		if !opts.Force {
			lastSync, err := e.ledger.LastSuccess(ctx, ds.Name())
			if err != nil {
				return sum, eris.Wrapf(err, "engine: check last sync for %s", ds.Name())
			}
			if !ds.ShouldRun(now, lastSync) {
				dsLog.Info("skipping (not due)")
				sum.Skipped++
				continue
			}
		}

		dsLog.Info("starting sync")
		runID, err := e.ledger.StartRun(ctx, ds.Name())
		if err != nil {
			return sum, eris.Wrapf(err, "engine: start run log for %s", ds.Name())
		}

		start := time.Now()
		result, err := ds.Sync(ctx, e.env, stages[ds.Name()])
		elapsed := time.Since(start)

		if err != nil {
			dsLog.Error("sync failed", zap.Error(err), zap.Duration("elapsed", elapsed))
			if logErr := e.ledger.FailRun(context.WithoutCancel(ctx), runID, err.Error()); logErr != nil {
				dsLog.Error("failed to record sync failure", zap.Error(logErr))
			}
			failures = multierror.Append(failures, eris.Wrapf(err, "dataset %s", ds.Name()))
			sum.Failed++
			continue
		}

		// A subset of stages leaves the other layers stale, so it must not
		// count as the period's sync.
		ran := stages[ds.Name()]
		partial := len(ran) < len(ds.Stages())
		if partial {
			if result.Metadata == nil {
				result.Metadata = map[string]any{}
			}
			result.Metadata["stages_run"] = stageNames(ran)
		}
		if err := e.ledger.CompleteRun(ctx, runID, &catalog.RunResult{
			RowsSynced: result.RowsSynced,
			Metadata:   result.Metadata,
			Partial:    partial,
		}); err != nil {
			dsLog.Error("failed to record sync completion", zap.Error(err))
		}

		dsLog.Info("sync complete",
			zap.Int64("rows", result.RowsSynced),
			zap.Bool("partial", partial),
			zap.Duration("elapsed", elapsed),
		)
		sum.Synced++
	}

	log.Info("engine run complete",
		zap.Int("synced", sum.Synced),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
	)
	return sum, failures.ErrorOrNil()
}

func stageNames(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, st := range stages {
		out[i] = string(st)
	}
	return out
}
