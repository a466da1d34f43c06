package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/delta"
	"github.com/sells-group/lake-cli/internal/frame"
	"github.com/sells-group/lake-cli/internal/mount"
)

const notebookDDL = `CREATE DATABASE IF NOT EXISTS nyctaxi;
USE nyctaxi;
CREATE TABLE IF NOT EXISTS fact_zone_summary
USING DELTA
LOCATION '/mnt/data/curated/fact_zone_summary';
CREATE TABLE IF NOT EXISTS dim_zone_lookup
USING DELTA
LOCATION '/mnt/data/curated/dim_zone_lookup'`

const zoneSchema = `{"type":"struct","fields":[{"name":"location_id","type":"integer","nullable":true,"metadata":{}},{"name":"borough","type":"string","nullable":true,"metadata":{}},{"name":"zone","type":"string","nullable":true,"metadata":{}}]}`

// fakeSchemas serves schema strings by location.
type fakeSchemas map[string]string

func (f fakeSchemas) lookup(_ context.Context, location string) (string, bool, error) {
	s, ok := f[location]
	return s, ok, nil
}

func TestSession_NotebookScript(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	schemas := fakeSchemas{"/mnt/data/curated/dim_zone_lookup": zoneSchema}
	sess := NewSession(store, schemas.lookup)

	results, err := sess.Exec(ctx, notebookDDL)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, "USE nyctaxi", results[1].Statement)
	assert.Equal(t, "nyctaxi", sess.CurrentDatabase())

	dim, err := store.GetTable(ctx, "nyctaxi", "dim_zone_lookup")
	require.NoError(t, err)
	assert.Equal(t, FormatDelta, dim.Format)
	assert.Equal(t, "/mnt/data/curated/dim_zone_lookup", dim.Location)
	assert.Equal(t, zoneSchema, dim.SchemaString)

	fact, err := store.GetTable(ctx, "nyctaxi", "fact_zone_summary")
	require.NoError(t, err)
	assert.Empty(t, fact.SchemaString)

	// Rerunning is a no-op.
	_, err = NewSession(store, schemas.lookup).Exec(ctx, notebookDDL)
	require.NoError(t, err)
	tables, err := store.ListTables(ctx, "nyctaxi")
	require.NoError(t, err)
	assert.Len(t, tables, 2)
}

func TestSession_IfNotExistsFillsMissingSchema(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	schemas := fakeSchemas{}

	_, err := NewSession(store, schemas.lookup).Exec(ctx, notebookDDL)
	require.NoError(t, err)

	schemas["/mnt/data/curated/fact_zone_summary"] = zoneSchema
	_, err = NewSession(store, schemas.lookup).Exec(ctx, notebookDDL)
	require.NoError(t, err)

	fact, err := store.GetTable(ctx, "nyctaxi", "fact_zone_summary")
	require.NoError(t, err)
	assert.Equal(t, zoneSchema, fact.SchemaString)
}

func TestSession_RefreshTable(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	schemas := fakeSchemas{}
	sess := NewSession(store, schemas.lookup)

	_, err := sess.Exec(ctx, notebookDDL)
	require.NoError(t, err)

	schemas["/mnt/data/curated/dim_zone_lookup"] = zoneSchema
	_, err = sess.Exec(ctx, "REFRESH TABLE nyctaxi.dim_zone_lookup")
	require.NoError(t, err)

	dim, err := store.GetTable(ctx, "nyctaxi", "dim_zone_lookup")
	require.NoError(t, err)
	assert.Equal(t, zoneSchema, dim.SchemaString)

	_, err = sess.Exec(ctx, "REFRESH TABLE ghost")
	assert.True(t, eris.Is(err, ErrTableNotFound))
}

func TestSession_ShowAndDescribe(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	schemas := fakeSchemas{"/mnt/data/curated/dim_zone_lookup": zoneSchema}
	sess := NewSession(store, schemas.lookup)
	_, err := sess.Exec(ctx, notebookDDL)
	require.NoError(t, err)

	res, err := sess.Exec(ctx, "SHOW DATABASES")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, []string{"databaseName"}, res[0].Columns)
	assert.Equal(t, [][]string{{"default"}, {"nyctaxi"}}, res[0].Rows)

	res, err = sess.Exec(ctx, "SHOW TABLES")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"nyctaxi", "dim_zone_lookup", "false"},
		{"nyctaxi", "fact_zone_summary", "false"},
	}, res[0].Rows)

	res, err = sess.Exec(ctx, "USE default; SHOW TABLES IN nyctaxi; SHOW TABLES")
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Len(t, res[1].Rows, 2)
	assert.Empty(t, res[2].Rows)

	res, err = sess.Exec(ctx, "DESCRIBE nyctaxi.dim_zone_lookup")
	require.NoError(t, err)
	assert.Equal(t, []string{"col_name", "data_type", "comment"}, res[0].Columns)
	assert.Equal(t, [][]string{
		{"location_id", "integer", ""},
		{"borough", "string", ""},
		{"zone", "string", ""},
	}, res[0].Rows)

	res, err = sess.Exec(ctx, "DESC TABLE EXTENDED nyctaxi.fact_zone_summary")
	require.NoError(t, err)
	assert.Contains(t, res[0].Rows, []string{"Location", "/mnt/data/curated/fact_zone_summary", ""})
	assert.Contains(t, res[0].Rows, []string{"Provider", "delta", ""})

	res, err = sess.Exec(ctx, "DESCRIBE DATABASE nyctaxi")
	require.NoError(t, err)
	assert.Equal(t, []string{"Namespace Name", "nyctaxi"}, res[0].Rows[0])
}

func TestSession_DropStatements(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	sess := NewSession(store, nil)
	_, err := sess.Exec(ctx, notebookDDL)
	require.NoError(t, err)

	_, err = sess.Exec(ctx, "DROP TABLE fact_zone_summary; DROP TABLE IF EXISTS fact_zone_summary")
	require.NoError(t, err)
	_, err = sess.Exec(ctx, "DROP TABLE fact_zone_summary")
	assert.True(t, eris.Is(err, ErrTableNotFound))

	_, err = sess.Exec(ctx, "DROP DATABASE nyctaxi")
	assert.True(t, eris.Is(err, ErrDatabaseNotEmpty))

	_, err = sess.Exec(ctx, "DROP SCHEMA IF EXISTS nyctaxi CASCADE")
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabase, sess.CurrentDatabase())

	_, err = sess.Exec(ctx, "DROP DATABASE IF EXISTS nyctaxi RESTRICT")
	require.NoError(t, err)
}

func TestSession_Errors(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	sess := NewSession(store, nil)

	tests := []struct {
		name   string
		script string
		target error
		msg    string
	}{
		{name: "use missing database", script: "USE nowhere", target: ErrDatabaseNotFound},
		{name: "duplicate database", script: "CREATE DATABASE d; CREATE DATABASE d", target: ErrDatabaseExists},
		{name: "unsupported", script: "SELECT 1", msg: "unsupported statement"},
		{name: "column list", script: "CREATE TABLE t (id INT) USING DELTA LOCATION '/mnt/x'", msg: "column definitions are not supported"},
		{name: "no location", script: "CREATE TABLE t USING DELTA", msg: "needs a LOCATION"},
		{name: "parquet format", script: "CREATE TABLE t USING PARQUET LOCATION '/mnt/x'", msg: "unsupported table format"},
		{name: "trailing input", script: "USE default extra", msg: "unexpected input"},
		{name: "missing name", script: "CREATE DATABASE", msg: "expected a name"},
		{name: "unquoted location", script: "CREATE TABLE t LOCATION mnt", msg: "expected a quoted string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sess.Exec(ctx, tt.script)
			require.Error(t, err)
			if tt.target != nil {
				assert.True(t, eris.Is(err, tt.target), err.Error())
			}
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestSession_StopsAtFirstError(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	sess := NewSession(store, nil)

	results, err := sess.Exec(ctx, "CREATE DATABASE a; USE missing; CREATE DATABASE b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USE missing")
	assert.Len(t, results, 1)

	_, err = store.GetDatabase(ctx, "b")
	assert.True(t, eris.Is(err, ErrDatabaseNotFound))
}

func TestSession_CreateTableExisting(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	sess := NewSession(store, nil)

	_, err := sess.Exec(ctx, "CREATE TABLE t USING DELTA LOCATION '/mnt/data/t/'")
	require.NoError(t, err)
	got, err := store.GetTable(ctx, DefaultDatabase, "t")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data/t", got.Location)

	_, err = sess.Exec(ctx, "CREATE TABLE t USING DELTA LOCATION '/mnt/data/t'")
	assert.True(t, eris.Is(err, ErrTableExists))
}

func TestSession_LookupError(t *testing.T) {
	boom := errors.New("storage offline")
	sess := NewSession(newTestSQLite(t), func(context.Context, string) (string, bool, error) {
		return "", false, boom
	})
	_, err := sess.Exec(context.Background(), "CREATE TABLE t LOCATION '/mnt/data/t'")
	require.Error(t, err)
	assert.Contains(t, err.Error(), boom.Error())
}

func TestDeltaSchemas(t *testing.T) {
	ctx := context.Background()
	source := "mem://catalog-" + uuid.NewString() + "/lake"

	table := mount.NewTable(filepath.Join(t.TempDir(), "mounts.yaml"), nil)
	require.NoError(t, table.Mount(ctx, mount.Mount{MountPoint: "/mnt/data", Source: source}, mount.Options{SkipProbe: true}))
	lookup := DeltaSchemas(mount.NewResolver(table))

	_, found, err := lookup(ctx, "/mnt/data/curated/dim_zone_lookup")
	require.NoError(t, err)
	assert.False(t, found)

	store, err := blob.Open(ctx, source, blob.Credentials{})
	require.NoError(t, err)
	schema := frame.NewSchema(
		frame.Field{Name: "location_id", Type: frame.Integer, Nullable: true},
		frame.Field{Name: "borough", Type: frame.String, Nullable: true},
	)
	f, err := frame.New(schema, [][]any{{int32(1), "EWR"}, {int32(2), "Queens"}})
	require.NoError(t, err)
	_, err = delta.Open(store, "curated/dim_zone_lookup").Write(ctx, f, delta.WriteOptions{Mode: frame.Overwrite})
	require.NoError(t, err)

	got, found, err := lookup(ctx, "/mnt/data/curated/dim_zone_lookup")
	require.NoError(t, err)
	require.True(t, found)
	parsed, err := frame.ParseSchemaJSON(got)
	require.NoError(t, err)
	assert.Equal(t, []string{"location_id", "borough"}, parsed.Names())

	_, _, err = lookup(ctx, "/elsewhere/t")
	assert.True(t, eris.Is(err, mount.ErrNotMounted))
}
