// Package query runs SQL over the Delta tables registered in the catalog
// with an embedded DuckDB.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/catalog"
	"github.com/sells-group/lake-cli/internal/delta"
	"github.com/sells-group/lake-cli/internal/mount"
)

// Locator maps absolute lake paths to stores. *mount.Resolver implements it.
type Locator interface {
	Resolve(ctx context.Context, p string) (mount.Location, error)
}

// Options configures an Engine.
type Options struct {
	// Threads caps DuckDB worker threads; 0 keeps the DuckDB default.
	Threads int
	// CacheDir receives Parquet files copied from remote stores.
	CacheDir string
}

// Engine is an in-memory DuckDB with one view per attached table.
type Engine struct {
	db      *sql.DB
	locator Locator
	opts    Options

	mu       sync.Mutex
	attached map[string]int64 // "db.table" -> Delta version
}

// Result is a query result. Byte slices are returned as strings.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Open starts an in-memory DuckDB.
func Open(ctx context.Context, locator Locator, opts Options) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, eris.Wrap(err, "query: open duckdb")
	}
	if opts.Threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET threads TO %d", opts.Threads)); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "query: set threads")
		}
	}
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(os.TempDir(), "lake-query")
	}
	return &Engine{db: db, locator: locator, opts: opts, attached: map[string]int64{}}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// Attach exposes t as the view "<database>"."<table>" over the active
// Parquet files of its Delta snapshot. It returns false when the location
// holds no Delta table yet.
func (e *Engine) Attach(ctx context.Context, t catalog.Table) (bool, error) {
	log := zap.L().With(
		zap.String("component", "query"),
		zap.String("table", t.FullName()),
	)
	loc, err := e.locator.Resolve(ctx, t.Location)
	if err != nil {
		return false, eris.Wrapf(err, "query: resolve %s", t.FullName())
	}
	snap, err := delta.Open(loc.Store, loc.Key).Snapshot(ctx)
	if eris.Is(err, delta.ErrNotATable) {
		log.Warn("skipping table without data", zap.String("location", t.Location))
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "query: snapshot %s", t.FullName())
	}
	if len(snap.Files) == 0 {
		log.Warn("skipping table without files", zap.Int64("version", snap.Version))
		return false, nil
	}

	paths, err := e.localFiles(ctx, loc, t, snap)
	if err != nil {
		return false, err
	}
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = quoteLiteral(p)
	}

	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + quoteIdent(t.Database),
		fmt.Sprintf("CREATE OR REPLACE VIEW %s.%s AS SELECT * FROM read_parquet([%s])",
			quoteIdent(t.Database), quoteIdent(t.Name), strings.Join(quoted, ", ")),
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return false, eris.Wrapf(err, "query: attach %s", t.FullName())
		}
	}

	e.mu.Lock()
	e.attached[t.FullName()] = snap.Version
	e.mu.Unlock()
	log.Debug("attached table", zap.Int64("version", snap.Version), zap.Int("files", len(paths)))
	return true, nil
}

// localFiles returns OS paths of the snapshot's data files, copying them
// into the cache when the store is not a local file system.
func (e *Engine) localFiles(ctx context.Context, loc mount.Location, t catalog.Table, snap *delta.Snapshot) ([]string, error) {
	table := delta.Open(loc.Store, loc.Key)
	cache := filepath.Join(e.opts.CacheDir, t.Database, t.Name, fmt.Sprintf("v%d", snap.Version))
	paths := make([]string, 0, len(snap.Files))
	for _, add := range snap.Files {
		key := table.DataKey(add.Path)
		if p, ok := blob.LocalPath(loc.Store, key); ok {
			paths = append(paths, p)
			continue
		}
		dst := filepath.Join(cache, filepath.FromSlash(path.Clean("/"+add.Path)))
		if info, err := os.Stat(dst); err == nil && info.Size() == add.Size {
			paths = append(paths, dst)
			continue
		}
		data, err := blob.ReadAll(ctx, loc.Store, key)
		if err != nil {
			return nil, eris.Wrapf(err, "query: fetch %s", add.Path)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, eris.Wrap(err, "query: create cache dir")
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, eris.Wrapf(err, "query: cache %s", add.Path)
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

// AttachAll attaches every table of every database in store and returns
// the names of the attached tables.
func (e *Engine) AttachAll(ctx context.Context, store catalog.Store) ([]string, error) {
	dbs, err := store.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range dbs {
		tables, err := store.ListTables(ctx, d.Name)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			ok, err := e.Attach(ctx, t)
			if err != nil {
				return nil, err
			}
			if ok {
				names = append(names, t.FullName())
			}
		}
	}
	return names, nil
}

// Attached returns the Delta version each attached table was read at.
func (e *Engine) Attached() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int64, len(e.attached))
	for k, v := range e.attached {
		out[k] = v
	}
	return out
}

// Query runs q and collects every row.
func (e *Engine) Query(ctx context.Context, q string) (*Result, error) {
	rows, err := e.db.QueryContext(ctx, q)
	if err != nil {
		return nil, eris.Wrap(err, "query: execute")
	}
	defer rows.Close() //nolint:errcheck

	columns, err := rows.Columns()
	if err != nil {
		return nil, eris.Wrap(err, "query: columns")
	}
	res := &Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrap(err, "query: scan row")
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "query: read rows")
	}
	return res, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
