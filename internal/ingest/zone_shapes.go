package ingest

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/fetcher"
	"github.com/sells-group/lake-cli/internal/frame"
	"github.com/sells-group/lake-cli/internal/shape"
)

// shapeRenames maps shapefile attribute names to lake column names.
var shapeRenames = [][2]string{
	{"LocationID", "location_id"},
	{"borough", "borough"},
	{"zone", "zone"},
	{"Shape_Leng", "shape_length"},
	{"Shape_Area", "shape_area"},
}

// shapeColumns is the cleansed column order. OBJECTID is dropped.
var shapeColumns = []string{
	"location_id", "borough", "zone", "shape_length", "shape_area",
	shape.GeometryColumn, shape.MinXColumn, shape.MinYColumn, shape.MaxXColumn, shape.MaxYColumn,
}

// ZoneShapes lands the TLC taxi zone shapefile as the dim_zone_shapes
// dimension. Geometry is kept as WKT in the source projection
// (EPSG:2263, NY Long Island ftUS).
type ZoneShapes struct {
	URL string
}

func (d *ZoneShapes) Name() string     { return "zone_shapes" }
func (d *ZoneShapes) Table() string    { return "nyctaxi.dim_zone_shapes" }
func (d *ZoneShapes) Cadence() Cadence { return Annual }

func (d *ZoneShapes) ShouldRun(now time.Time, lastSync *time.Time) bool {
	return Due(d.Cadence(), now, lastSync)
}

func (d *ZoneShapes) Stages() []Stage {
	return []Stage{StageRaw, StageCleansed, StageCurated, StageRegister}
}

func (d *ZoneShapes) rawPath(env *Env) string      { return env.Path("raw", "zone_shapes") }
func (d *ZoneShapes) cleansedPath(env *Env) string { return env.Path("cleansed", "zone_shapes") }
func (d *ZoneShapes) curatedPath(env *Env) string  { return env.Path("curated", "dim_zone_shapes") }

func (d *ZoneShapes) Sync(ctx context.Context, env *Env, stages []Stage) (*SyncResult, error) {
	if len(stages) == 0 {
		stages = d.Stages()
	}
	return runStages(ctx, env, d.Name(), stages, map[Stage]stageFunc{
		StageRaw:      d.raw,
		StageCleansed: d.cleansed,
		StageCurated:  d.curated,
		StageRegister: func(ctx context.Context, env *Env, _ map[string]any) (int64, error) {
			return 0, execDDL(ctx, env, "zone_shapes.sql")
		},
	})
}

// raw downloads the zip archive and lands its members unchanged.
func (d *ZoneShapes) raw(ctx context.Context, env *Env, meta map[string]any) (int64, error) {
	if d.URL == "" {
		return 0, eris.New("no source url configured")
	}
	recordETag(ctx, env, d.Name(), d.URL, meta)

	work := filepath.Join(env.TempDir, d.Name(), "raw")
	defer os.RemoveAll(work) //nolint:errcheck

	archive := filepath.Join(work, "taxi_zones.zip")
	n, err := env.Fetcher.DownloadToFile(ctx, d.URL, archive)
	if err != nil {
		return 0, eris.Wrap(err, "download")
	}
	meta["source_bytes"] = n

	files, err := fetcher.ExtractZIP(archive, filepath.Join(work, "extract"))
	if err != nil {
		return 0, err
	}
	shp, err := findShapefile(files)
	if err != nil {
		return 0, err
	}
	f, err := shape.Read(shp)
	if err != nil {
		return 0, err
	}

	loc, err := env.Resolve(ctx, d.rawPath(env))
	if err != nil {
		return 0, err
	}
	prefix := blob.DirPrefix(loc.Key)
	if err := loc.Store.DeletePrefix(ctx, prefix); err != nil {
		return 0, eris.Wrap(err, "clear raw")
	}
	for _, p := range files {
		data, err := os.ReadFile(p)
		if err != nil {
			return 0, eris.Wrapf(err, "read %s", p)
		}
		if err := loc.Store.Put(ctx, blob.Join(loc.Key, filepath.Base(p)), data); err != nil {
			return 0, err
		}
	}
	if err := loc.Store.Put(ctx, blob.Join(loc.Key, frame.SuccessMarker), nil); err != nil {
		return 0, err
	}

	zap.L().Debug("landed shapefile",
		zap.String("dataset", d.Name()),
		zap.Int("files", len(files)),
		zap.Int("records", f.NumRows()),
	)
	meta["raw_files"] = len(files)
	meta["raw_rows"] = f.NumRows()
	return int64(f.NumRows()), nil
}

// findShapefile returns the single .shp among files.
func findShapefile(files []string) (string, error) {
	var found []string
	for _, p := range files {
		if strings.EqualFold(filepath.Ext(p), ".shp") {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return "", eris.New("archive has no .shp member")
	case 1:
		return found[0], nil
	}
	return "", eris.Errorf("archive has %d .shp members, want 1", len(found))
}

// cleansed parses the landed shapefile, renames its attributes and writes
// them with the WKT geometry as a Delta table.
func (d *ZoneShapes) cleansed(ctx context.Context, env *Env, meta map[string]any) (int64, error) {
	loc, err := env.Resolve(ctx, d.rawPath(env))
	if err != nil {
		return 0, err
	}
	objects, err := loc.Store.List(ctx, blob.DirPrefix(loc.Key))
	if err != nil {
		return 0, err
	}

	work := filepath.Join(env.TempDir, d.Name(), "cleansed")
	if err := os.MkdirAll(work, 0o755); err != nil {
		return 0, eris.Wrap(err, "create work dir")
	}
	defer os.RemoveAll(work) //nolint:errcheck

	var files []string
	for _, obj := range objects {
		name := path.Base(obj.Key)
		if name == frame.SuccessMarker {
			continue
		}
		data, err := blob.ReadAll(ctx, loc.Store, obj.Key)
		if err != nil {
			return 0, err
		}
		local := filepath.Join(work, name)
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return 0, eris.Wrapf(err, "write %s", local)
		}
		files = append(files, local)
	}
	if len(files) == 0 {
		return 0, eris.Wrapf(frame.ErrPathNotFound, "%s", blob.URL(loc.Store, loc.Key))
	}
	shp, err := findShapefile(files)
	if err != nil {
		return 0, err
	}

	f, err := shape.Read(shp)
	if err != nil {
		return 0, err
	}
	if f, err = renameColumns(f, shapeRenames); err != nil {
		return 0, err
	}
	if f, err = f.Select(shapeColumns...); err != nil {
		return 0, err
	}
	if err := validateShapes(f); err != nil {
		return 0, err
	}

	res, err := writeDelta(ctx, env, d.cleansedPath(env), "zone_shapes", f)
	if err != nil {
		return 0, err
	}
	meta["cleansed_version"] = res.Version
	return res.Rows, nil
}

func (d *ZoneShapes) curated(ctx context.Context, env *Env, meta map[string]any) (int64, error) {
	res, err := promote(ctx, env, d.cleansedPath(env), d.curatedPath(env), "dim_zone_shapes")
	if err != nil {
		return 0, err
	}
	meta["curated_version"] = res.Version
	return res.Rows, nil
}

// validateShapes checks that every record has a positive location id. Ids
// may repeat: a zone split across islands has one record per part.
func validateShapes(f *frame.Frame) error {
	ids, err := f.Column("location_id")
	if err != nil {
		return err
	}
	for i, v := range ids {
		var id int64
		switch x := v.(type) {
		case nil:
			return eris.Errorf("record %d: location_id is missing", i+1)
		case int64:
			id = x
		case int32:
			id = int64(x)
		case float64:
			id = int64(x)
		default:
			return eris.Errorf("record %d: location_id has type %T", i+1, v)
		}
		if id <= 0 {
			return eris.Errorf("record %d: location_id must be positive, got %d", i+1, id)
		}
	}
	return nil
}
