package ingest

import (
	"bytes"
	"context"
	"embed"
	"strings"
	"text/template"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/catalog"
	"github.com/sells-group/lake-cli/internal/delta"
	"github.com/sells-group/lake-cli/internal/frame"
)

//go:embed ddl/*.sql
var ddlFS embed.FS

var ddlTemplates = template.Must(template.ParseFS(ddlFS, "ddl/*.sql"))

// stageFunc runs one stage and returns the number of rows it wrote.
type stageFunc func(ctx context.Context, env *Env, meta map[string]any) (int64, error)

// runStages runs stages in order with the implementation registered for
// each. The last data stage that ran sets RowsSynced.
func runStages(ctx context.Context, env *Env, name string, stages []Stage, impl map[Stage]stageFunc) (*SyncResult, error) {
	log := zap.L().With(zap.String("dataset", name))
	result := &SyncResult{Metadata: map[string]any{}}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fn, ok := impl[stage]
		if !ok {
			return nil, eris.Errorf("%s: unknown stage %q", name, stage)
		}
		start := time.Now()
		rows, err := fn(ctx, env, result.Metadata)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: stage %s", name, stage)
		}
		if stage != StageRegister {
			result.RowsSynced = rows
		}
		log.Info("stage complete",
			zap.String("stage", string(stage)),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return result, nil
}

// etagFetcher is implemented by fetchers that can read a validator without
// downloading the body.
type etagFetcher interface {
	HeadETag(ctx context.Context, url string) (string, error)
}

// recordETag stores the source ETag in meta when the fetcher can read one.
// Failures only log.
func recordETag(ctx context.Context, env *Env, dataset, url string, meta map[string]any) {
	ef, ok := env.Fetcher.(etagFetcher)
	if !ok {
		return
	}
	etag, err := ef.HeadETag(ctx, url)
	if err != nil {
		zap.L().Warn("could not read source etag", zap.String("dataset", dataset), zap.Error(err))
		return
	}
	if etag != "" {
		meta["source_etag"] = etag
	}
}

// overwriteOptions replaces both data and schema of a Delta table.
func overwriteOptions(env *Env, name string) delta.WriteOptions {
	return delta.WriteOptions{
		Mode:            frame.Overwrite,
		OverwriteSchema: true,
		MaxRowsPerFile:  env.MaxRowsPerFile,
		Concurrency:     env.Concurrency,
		Name:            name,
	}
}

// writeDelta overwrites the Delta table at lake path p with f.
func writeDelta(ctx context.Context, env *Env, p, name string, f *frame.Frame) (delta.WriteResult, error) {
	table, err := env.DeltaTable(ctx, p)
	if err != nil {
		return delta.WriteResult{}, err
	}
	return table.Write(ctx, f, overwriteOptions(env, name))
}

// promote copies the latest snapshot of the Delta table at from into the
// table at to and returns the new version.
func promote(ctx context.Context, env *Env, from, to, name string) (delta.WriteResult, error) {
	src, err := env.DeltaTable(ctx, from)
	if err != nil {
		return delta.WriteResult{}, err
	}
	f, err := src.Read(ctx)
	if err != nil {
		return delta.WriteResult{}, err
	}
	return writeDelta(ctx, env, to, name, f)
}

// renameColumns applies source to lake column renames in order.
func renameColumns(f *frame.Frame, renames [][2]string) (*frame.Frame, error) {
	var err error
	for _, r := range renames {
		if f, err = f.WithColumnRenamed(r[0], r[1]); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// renderDDL renders the embedded DDL file name for the lake rooted at root.
func renderDDL(name, root string) (string, error) {
	var buf bytes.Buffer
	data := struct{ Root string }{strings.TrimRight(root, "/")}
	if err := ddlTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", eris.Wrapf(err, "render ddl %s", name)
	}
	return buf.String(), nil
}

// execDDL renders and runs the DDL file name against the catalog.
func execDDL(ctx context.Context, env *Env, name string) error {
	if env.Catalog == nil {
		return eris.New("no catalog configured")
	}
	script, err := renderDDL(name, env.Root)
	if err != nil {
		return err
	}
	_, err = catalog.NewSession(env.Catalog, env.Schemas).Exec(ctx, script)
	return err
}

// RegisterScript renders the nyctaxi DDL for the lake rooted at root.
func RegisterScript(root string) (string, error) {
	return renderDDL("nyctaxi.sql", root)
}
