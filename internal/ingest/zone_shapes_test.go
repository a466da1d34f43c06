package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/frame"
)

type shapeZone struct {
	id      int
	zone    string
	borough string
	x, y    float64
}

var fixtureZones = []shapeZone{
	{1, "Newark Airport", "EWR", 933100, 192536},
	{56, "Corona", "Queens", 1022000, 210000},
	{56, "Corona", "Queens", 1023000, 211000},
}

// zoneShapesZip builds a taxi_zones.zip with the given zones as squares.
func zoneShapesZip(t *testing.T, zones []shapeZone) []byte {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "taxi_zones.shp")

	w, err := shp.Create(base, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.NumberField("OBJECTID", 9),
		shp.FloatField("Shape_Leng", 19, 11),
		shp.FloatField("Shape_Area", 19, 11),
		shp.StringField("zone", 50),
		shp.NumberField("LocationID", 9),
		shp.StringField("borough", 30),
	}))
	for i, z := range zones {
		ring := []shp.Point{
			{X: z.x, Y: z.y}, {X: z.x, Y: z.y + 100}, {X: z.x + 100, Y: z.y + 100},
			{X: z.x + 100, Y: z.y}, {X: z.x, Y: z.y},
		}
		poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{ring}))
		w.Write(&poly)
		require.NoError(t, w.WriteAttribute(i, 0, i+1))
		require.NoError(t, w.WriteAttribute(i, 1, 400.0))
		require.NoError(t, w.WriteAttribute(i, 2, 10000.0))
		require.NoError(t, w.WriteAttribute(i, 3, z.zone))
		require.NoError(t, w.WriteAttribute(i, 4, z.id))
		require.NoError(t, w.WriteAttribute(i, 5, z.borough))
	}
	w.Close()
	// go-shp's writer names the attribute table "<base>dbf".
	require.NoError(t, os.Rename(filepath.Join(dir, "taxi_zonesdbf"), filepath.Join(dir, "taxi_zones.dbf")))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		data, err := os.ReadFile(filepath.Join(dir, "taxi_zones"+ext))
		require.NoError(t, err)
		fw, err := zw.Create("taxi_zones/taxi_zones" + ext)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func shapesServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"shapes-v1"`)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestZoneShapes_FullPipeline(t *testing.T) {
	ctx := context.Background()
	srv := shapesServer(t, zoneShapesZip(t, fixtureZones))
	lake := newTestLake(t)
	ds := &ZoneShapes{URL: srv.URL + "/misc/taxi_zones.zip"}

	res, err := ds.Sync(ctx, lake.env, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsSynced)
	assert.Equal(t, `"shapes-v1"`, res.Metadata["source_etag"])
	assert.Equal(t, 3, res.Metadata["raw_files"])
	assert.Equal(t, 3, res.Metadata["raw_rows"])

	raw, err := lake.env.Resolve(ctx, "/mnt/data/raw/zone_shapes")
	require.NoError(t, err)
	objects, err := raw.Store.List(ctx, blob.DirPrefix(raw.Key))
	require.NoError(t, err)
	var names []string
	for _, o := range objects {
		names = append(names, filepath.Base(o.Key))
	}
	assert.ElementsMatch(t, []string{"_SUCCESS", "taxi_zones.dbf", "taxi_zones.shp", "taxi_zones.shx"}, names)

	table, err := lake.env.DeltaTable(ctx, "/mnt/data/curated/dim_zone_shapes")
	require.NoError(t, err)
	f, err := table.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"location_id", "borough", "zone", "shape_length", "shape_area",
		"geometry", "min_x", "min_y", "max_x", "max_y",
	}, f.Schema().Names())
	require.Equal(t, 3, f.NumRows())

	ids, err := f.Column("location_id")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{int64(1), int64(56), int64(56)}, ids)

	geoms, err := f.Column("geometry")
	require.NoError(t, err)
	for _, g := range geoms {
		assert.Contains(t, g, "MULTIPOLYGON")
	}

	dim, err := lake.catalog.GetTable(ctx, "nyctaxi", "dim_zone_shapes")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data/curated/dim_zone_shapes", dim.Location)
	schema, err := frame.ParseSchemaJSON(dim.SchemaString)
	require.NoError(t, err)
	assert.Equal(t, "location_id", schema.Names()[0])
}

func TestZoneShapes_RerunReplacesRaw(t *testing.T) {
	ctx := context.Background()
	lake := newTestLake(t)

	srv := shapesServer(t, zoneShapesZip(t, fixtureZones))
	_, err := (&ZoneShapes{URL: srv.URL}).Sync(ctx, lake.env, nil)
	require.NoError(t, err)

	srv = shapesServer(t, zoneShapesZip(t, fixtureZones[:1]))
	res, err := (&ZoneShapes{URL: srv.URL}).Sync(ctx, lake.env, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsSynced)
	assert.Equal(t, int64(1), res.Metadata["curated_version"])
}

func TestZoneShapes_CleansedNeedsRaw(t *testing.T) {
	lake := newTestLake(t)
	_, err := (&ZoneShapes{URL: "http://unused"}).Sync(context.Background(), lake.env, []Stage{StageCleansed})
	require.Error(t, err)
	assert.True(t, eris.Is(err, frame.ErrPathNotFound), err.Error())
	assert.Contains(t, err.Error(), "zone_shapes: stage cleansed")
}

func TestZoneShapes_NotAZip(t *testing.T) {
	srv := shapesServer(t, []byte("LocationID,Borough\n"))
	lake := newTestLake(t)
	_, err := (&ZoneShapes{URL: srv.URL}).Sync(context.Background(), lake.env, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage raw")
}

// withoutMember rewrites a zip archive without the members ending in ext.
func withoutMember(t *testing.T, archive []byte, ext string) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ext) {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		fw, err := zw.Create(f.Name)
		require.NoError(t, err)
		_, err = io.Copy(fw, rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestZoneShapes_MissingAttributeTable(t *testing.T) {
	srv := shapesServer(t, withoutMember(t, zoneShapesZip(t, fixtureZones), ".dbf"))
	lake := newTestLake(t)
	_, err := (&ZoneShapes{URL: srv.URL}).Sync(context.Background(), lake.env, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage raw")
	assert.Contains(t, err.Error(), "attribute table")
}

func TestZoneShapes_InvalidID(t *testing.T) {
	srv := shapesServer(t, zoneShapesZip(t, []shapeZone{{0, "Nowhere", "Unknown", 0, 0}}))
	lake := newTestLake(t)
	_, err := (&ZoneShapes{URL: srv.URL}).Sync(context.Background(), lake.env, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "location_id must be positive")
}

func TestFindShapefile(t *testing.T) {
	p, err := findShapefile([]string{"a/x.dbf", "a/X.SHP", "a/x.shx"})
	require.NoError(t, err)
	assert.Equal(t, "a/X.SHP", p)

	_, err = findShapefile([]string{"a/x.dbf"})
	assert.ErrorContains(t, err, "no .shp")

	_, err = findShapefile([]string{"a.shp", "b.shp"})
	assert.ErrorContains(t, err, "2 .shp members")
}

func TestValidateShapes(t *testing.T) {
	schema := frame.NewSchema(frame.Field{Name: "location_id", Type: frame.Long, Nullable: true})

	f, err := frame.New(schema, [][]any{{int64(56)}, {int64(56)}})
	require.NoError(t, err)
	assert.NoError(t, validateShapes(f))

	f, err = frame.New(schema, [][]any{{nil}})
	require.NoError(t, err)
	assert.ErrorContains(t, validateShapes(f), "location_id is missing")

	f, err = frame.New(frame.NewSchema(frame.Field{Name: "zone", Type: frame.String}), nil)
	require.NoError(t, err)
	assert.Error(t, validateShapes(f))
}

func TestZoneShapes_Descriptors(t *testing.T) {
	ds := &ZoneShapes{}
	assert.Equal(t, "zone_shapes", ds.Name())
	assert.Equal(t, "nyctaxi.dim_zone_shapes", ds.Table())
	assert.Equal(t, Annual, ds.Cadence())
	assert.True(t, ds.ShouldRun(time.Now(), nil))
}
