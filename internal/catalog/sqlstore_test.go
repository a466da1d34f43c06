package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQL(context.Background(), SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLStore_MigrateIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))

	dbs, err := s.ListDatabases(context.Background())
	require.NoError(t, err)
	require.Len(t, dbs, 1)
	assert.Equal(t, DefaultDatabase, dbs[0].Name)
}

func TestSQLStore_FileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "metastore.db")
	s, err := NewSQL(ctx, SQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.CreateDatabase(ctx, Database{Name: "nyctaxi"}, false))
	require.NoError(t, s.Close())

	s, err = NewSQL(ctx, SQLite, path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.GetDatabase(ctx, "nyctaxi")
	require.NoError(t, err)
}

func TestSQLStore_Databases(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.CreateDatabase(ctx, Database{Name: "NycTaxi", Comment: "trips"}, false))
	err := s.CreateDatabase(ctx, Database{Name: "nyctaxi"}, false)
	assert.True(t, eris.Is(err, ErrDatabaseExists))
	require.NoError(t, s.CreateDatabase(ctx, Database{Name: "nyctaxi"}, true))

	d, err := s.GetDatabase(ctx, "NYCTAXI")
	require.NoError(t, err)
	assert.Equal(t, "nyctaxi", d.Name)
	assert.Equal(t, "trips", d.Comment)
	assert.WithinDuration(t, time.Now(), d.CreatedAt, time.Minute)

	_, err = s.GetDatabase(ctx, "missing")
	assert.True(t, eris.Is(err, ErrDatabaseNotFound))

	assert.Error(t, s.CreateDatabase(ctx, Database{Name: "a.b"}, false))
	assert.Error(t, s.CreateDatabase(ctx, Database{Name: ""}, false))
}

func TestSQLStore_Tables(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	require.NoError(t, s.CreateDatabase(ctx, Database{Name: "nyctaxi"}, false))

	tbl := Table{Database: "nyctaxi", Name: "dim_zone_lookup", Format: FormatDelta, Location: "/mnt/data/curated/dim_zone_lookup"}
	require.NoError(t, s.CreateTable(ctx, tbl, false))
	assert.True(t, eris.Is(s.CreateTable(ctx, tbl, false), ErrTableExists))
	require.NoError(t, s.CreateTable(ctx, tbl, true))

	err := s.CreateTable(ctx, Table{Database: "nope", Name: "t", Format: FormatDelta, Location: "/x"}, false)
	assert.True(t, eris.Is(err, ErrDatabaseNotFound))

	got, err := s.GetTable(ctx, "NYCTAXI", "Dim_Zone_Lookup")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data/curated/dim_zone_lookup", got.Location)
	assert.Empty(t, got.SchemaString)

	require.NoError(t, s.UpdateTableSchema(ctx, "nyctaxi", "dim_zone_lookup", `{"type":"struct","fields":[]}`))
	got, err = s.GetTable(ctx, "nyctaxi", "dim_zone_lookup")
	require.NoError(t, err)
	assert.Equal(t, `{"type":"struct","fields":[]}`, got.SchemaString)
	assert.True(t, eris.Is(s.UpdateTableSchema(ctx, "nyctaxi", "nope", ""), ErrTableNotFound))

	require.NoError(t, s.CreateTable(ctx, Table{Database: "nyctaxi", Name: "fact_zone_summary", Format: FormatDelta, Location: "/mnt/data/curated/fact_zone_summary"}, false))
	tables, err := s.ListTables(ctx, "nyctaxi")
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "dim_zone_lookup", tables[0].Name)
	assert.Equal(t, "nyctaxi.fact_zone_summary", tables[1].FullName())

	_, err = s.ListTables(ctx, "missing")
	assert.True(t, eris.Is(err, ErrDatabaseNotFound))

	require.NoError(t, s.DropTable(ctx, "nyctaxi", "fact_zone_summary", false))
	assert.True(t, eris.Is(s.DropTable(ctx, "nyctaxi", "fact_zone_summary", false), ErrTableNotFound))
	require.NoError(t, s.DropTable(ctx, "nyctaxi", "fact_zone_summary", true))
	_, err = s.GetTable(ctx, "nyctaxi", "fact_zone_summary")
	assert.True(t, eris.Is(err, ErrTableNotFound))
}

func TestSQLStore_DropDatabase(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	require.NoError(t, s.CreateDatabase(ctx, Database{Name: "nyctaxi"}, false))
	require.NoError(t, s.CreateTable(ctx, Table{Database: "nyctaxi", Name: "t", Format: FormatDelta, Location: "/mnt/x"}, false))

	assert.True(t, eris.Is(s.DropDatabase(ctx, "nyctaxi", false, false), ErrDatabaseNotEmpty))
	require.NoError(t, s.DropDatabase(ctx, "nyctaxi", false, true))
	_, err := s.GetTable(ctx, "nyctaxi", "t")
	assert.True(t, eris.Is(err, ErrTableNotFound))

	assert.True(t, eris.Is(s.DropDatabase(ctx, "nyctaxi", false, false), ErrDatabaseNotFound))
	require.NoError(t, s.DropDatabase(ctx, "nyctaxi", true, false))
	assert.True(t, eris.Is(s.DropDatabase(ctx, "default", true, true), ErrDropDefault))
}

func TestSQLStore_RunLedger(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	last, err := s.LastSuccess(ctx, "zone_lookup")
	require.NoError(t, err)
	assert.Nil(t, last)

	id1, err := s.StartRun(ctx, "zone_lookup")
	require.NoError(t, err)
	require.NoError(t, s.FailRun(ctx, id1, "download: 404"))

	id2, err := s.StartRun(ctx, "zone_lookup")
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
	require.NoError(t, s.CompleteRun(ctx, id2, &RunResult{RowsSynced: 265, Metadata: map[string]any{"curated_version": 0}}))

	id3, err := s.StartRun(ctx, "other")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, id3, nil))

	last, err = s.LastSuccess(ctx, "zone_lookup")
	require.NoError(t, err)
	require.NotNil(t, last)

	runs, err := s.ListRuns(ctx, RunFilter{Dataset: "zone_lookup"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, id2, runs[0].ID)
	assert.Equal(t, RunComplete, runs[0].Status)
	assert.Equal(t, int64(265), runs[0].RowsSynced)
	assert.Equal(t, float64(0), runs[0].Metadata["curated_version"])
	require.NotNil(t, runs[0].CompletedAt)
	assert.Equal(t, RunFailed, runs[1].Status)
	assert.Equal(t, "download: 404", runs[1].Error)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	runs, err = s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestNewSQL_UnsupportedDialect(t *testing.T) {
	_, err := NewSQL(context.Background(), Dialect("oracle"), "x")
	require.Error(t, err)
}

func TestNewSQL_BadMySQLDSN(t *testing.T) {
	_, err := NewSQL(context.Background(), MySQL, "not a dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse mysql dsn")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	require.Error(t, err)

	s, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())
}

func TestSplitStatements(t *testing.T) {
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "INSERT INTO a VALUES (1)"},
		splitStatements("CREATE TABLE a (x INT);\n\nINSERT INTO a VALUES (1);\n"))
}

func TestSQLStore_PartialRunNotASuccess(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	id, err := s.StartRun(ctx, "zone_lookup")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, id, &RunResult{
		RowsSynced: 265,
		Metadata:   map[string]any{"stages": []string{"curated"}},
		Partial:    true,
	}))

	last, err := s.LastSuccess(ctx, "zone_lookup")
	require.NoError(t, err)
	assert.Nil(t, last)

	runs, err := s.ListRuns(ctx, RunFilter{Dataset: "zone_lookup"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunPartial, runs[0].Status)
	require.NotNil(t, runs[0].CompletedAt)

	full, err := s.StartRun(ctx, "zone_lookup")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, full, &RunResult{RowsSynced: 265}))
	last, err = s.LastSuccess(ctx, "zone_lookup")
	require.NoError(t, err)
	assert.NotNil(t, last)
}
