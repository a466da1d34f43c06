package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/catalog"
	"github.com/sells-group/lake-cli/internal/delta"
	"github.com/sells-group/lake-cli/internal/frame"
	"github.com/sells-group/lake-cli/internal/mount"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	srv   *httptest.Server
	store *catalog.SQLStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	source := "mem://server-" + uuid.NewString() + "/lake"
	mounts := mount.NewTable(filepath.Join(t.TempDir(), "mounts.yaml"), nil)
	require.NoError(t, mounts.Mount(ctx, mount.Mount{MountPoint: "/mnt/data", Source: source}, mount.Options{SkipProbe: true}))
	resolver := mount.NewResolver(mounts)

	lake, err := blob.Open(ctx, source, blob.Credentials{})
	require.NoError(t, err)
	f, err := frame.New(frame.NewSchema(
		frame.Field{Name: "location_id", Type: frame.Integer, Nullable: true},
		frame.Field{Name: "borough", Type: frame.String, Nullable: true},
	), [][]any{{int32(1), "EWR"}, {int32(2), "Queens"}, {int32(3), "Bronx"}})
	require.NoError(t, err)
	dim := delta.Open(lake, "curated/dim_zone_lookup")
	for range 2 {
		_, err = dim.Write(ctx, f, delta.WriteOptions{Mode: frame.Overwrite})
		require.NoError(t, err)
	}

	store, err := catalog.NewSQL(ctx, catalog.SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))
	_, err = catalog.NewSession(store, catalog.DeltaSchemas(resolver)).Exec(ctx, `CREATE DATABASE IF NOT EXISTS nyctaxi; USE nyctaxi;
		CREATE TABLE IF NOT EXISTS fact_zone_summary USING DELTA LOCATION '/mnt/data/curated/fact_zone_summary';
		CREATE TABLE IF NOT EXISTS dim_zone_lookup USING DELTA LOCATION '/mnt/data/curated/dim_zone_lookup'`)
	require.NoError(t, err)

	id, err := store.StartRun(ctx, "zone_lookup")
	require.NoError(t, err)
	require.NoError(t, store.CompleteRun(ctx, id, &catalog.RunResult{RowsSynced: 3}))
	id, err = store.StartRun(ctx, "other")
	require.NoError(t, err)
	require.NoError(t, store.FailRun(ctx, id, "boom"))

	srv := httptest.NewServer(New(store, resolver, Options{AllowedOrigins: []string{"https://lake.example.com"}}).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, f.get(t, "/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestDatabases(t *testing.T) {
	f := newFixture(t)

	var dbs []catalog.Database
	require.Equal(t, http.StatusOK, f.get(t, "/v1/databases", &dbs))
	require.Len(t, dbs, 2)
	assert.Equal(t, "default", dbs[0].Name)
	assert.Equal(t, "nyctaxi", dbs[1].Name)

	var d catalog.Database
	require.Equal(t, http.StatusOK, f.get(t, "/v1/databases/NYCTAXI", &d))
	assert.Equal(t, "nyctaxi", d.Name)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/databases/nowhere", &errBody))
	assert.Contains(t, errBody["error"], "nowhere")
}

func TestTables(t *testing.T) {
	f := newFixture(t)

	var tables []catalog.Table
	require.Equal(t, http.StatusOK, f.get(t, "/v1/databases/nyctaxi/tables", &tables))
	require.Len(t, tables, 2)
	assert.Equal(t, "dim_zone_lookup", tables[0].Name)

	var empty []catalog.Table
	require.Equal(t, http.StatusOK, f.get(t, "/v1/databases/default/tables", &empty))
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/databases/nowhere/tables", nil))
}

func TestTableDetail(t *testing.T) {
	f := newFixture(t)

	var dim TableDetail
	require.Equal(t, http.StatusOK, f.get(t, "/v1/databases/nyctaxi/tables/dim_zone_lookup", &dim))
	assert.Equal(t, "/mnt/data/curated/dim_zone_lookup", dim.Location)
	assert.NotEmpty(t, dim.SchemaString)
	require.NotNil(t, dim.Delta)
	assert.Equal(t, int64(1), dim.Delta.Version)
	assert.Equal(t, 1, dim.Delta.NumFiles)
	assert.Equal(t, int64(3), dim.Delta.NumRecords)
	assert.Positive(t, dim.Delta.SizeBytes)

	var fact TableDetail
	require.Equal(t, http.StatusOK, f.get(t, "/v1/databases/nyctaxi/tables/fact_zone_summary", &fact))
	assert.Nil(t, fact.Delta)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/databases/nyctaxi/tables/ghost", nil))
}

func TestTableHistory(t *testing.T) {
	f := newFixture(t)

	var history []HistoryEntry
	require.Equal(t, http.StatusOK, f.get(t, "/v1/databases/nyctaxi/tables/dim_zone_lookup/history", &history))
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Version)
	assert.Equal(t, "WRITE", history[0].Operation)
	assert.Equal(t, int64(0), history[1].Version)

	var none []HistoryEntry
	require.Equal(t, http.StatusOK, f.get(t, "/v1/databases/nyctaxi/tables/fact_zone_summary/history", &none))
	assert.Empty(t, none)
}

func TestRuns(t *testing.T) {
	f := newFixture(t)

	var runs []catalog.RunEntry
	require.Equal(t, http.StatusOK, f.get(t, "/v1/runs", &runs))
	assert.Len(t, runs, 2)

	require.Equal(t, http.StatusOK, f.get(t, "/v1/runs?dataset=zone_lookup", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, catalog.RunComplete, runs[0].Status)
	assert.Equal(t, int64(3), runs[0].RowsSynced)

	require.Equal(t, http.StatusOK, f.get(t, "/v1/runs?limit=1", &runs))
	assert.Len(t, runs, 1)

	var errBody map[string]string
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/runs?limit=abc", &errBody))
	assert.Contains(t, errBody["error"], "limit must be a positive integer")
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/v1/databases", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://lake.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "https://lake.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close() //nolint:errcheck
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestNoLocator(t *testing.T) {
	ctx := context.Background()
	store, err := catalog.NewSQL(ctx, catalog.SQLite, ":memory:")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.CreateTable(ctx, catalog.Table{Database: "default", Name: "t", Format: catalog.FormatDelta, Location: "/mnt/data/t"}, false))

	h := New(store, nil, Options{}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/databases/default/tables/t", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var detail TableDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "default.t", detail.FullName())
	assert.Nil(t, detail.Delta)
}
