package ingest

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/frame"
)

// zoneRenames maps source headers to lake column names.
var zoneRenames = [][2]string{
	{"LocationId", "location_id"},
	{"Borough", "borough"},
	{"Zone", "zone"},
}

// zoneRecord is one validated row of the cleansed zone lookup.
type zoneRecord struct {
	LocationID *int64 `csv:"location_id"`
	Borough    string `csv:"borough"`
	Zone       string `csv:"zone"`
}

// ZoneLookup lands the NYC TLC taxi zone lookup as the dim_zone_lookup
// dimension of the nyctaxi database. The source is CSV, or a workbook when
// the URL path ends in .xlsx.
type ZoneLookup struct {
	URL string
}

func (d *ZoneLookup) Name() string     { return "zone_lookup" }
func (d *ZoneLookup) Table() string    { return "nyctaxi.dim_zone_lookup" }
func (d *ZoneLookup) Cadence() Cadence { return Monthly }

func (d *ZoneLookup) ShouldRun(now time.Time, lastSync *time.Time) bool {
	return Due(d.Cadence(), now, lastSync)
}

func (d *ZoneLookup) Stages() []Stage {
	return []Stage{StageRaw, StageCleansed, StageCurated, StageRegister}
}

func (d *ZoneLookup) rawPath(env *Env) string      { return env.Path("raw", "zone_lookup") }
func (d *ZoneLookup) cleansedPath(env *Env) string { return env.Path("cleansed", "zone_lookup") }
func (d *ZoneLookup) curatedPath(env *Env) string  { return env.Path("curated", "dim_zone_lookup") }

func (d *ZoneLookup) Sync(ctx context.Context, env *Env, stages []Stage) (*SyncResult, error) {
	if len(stages) == 0 {
		stages = d.Stages()
	}
	return runStages(ctx, env, d.Name(), stages, map[Stage]stageFunc{
		StageRaw:      d.raw,
		StageCleansed: d.cleansed,
		StageCurated:  d.curated,
		StageRegister: func(ctx context.Context, env *Env, _ map[string]any) (int64, error) {
			return 0, execDDL(ctx, env, "nyctaxi.sql")
		},
	})
}

// sourceExt returns the lower-cased extension of the source URL path.
func sourceExt(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

// raw downloads the source and lands it verbatim as header CSV.
func (d *ZoneLookup) raw(ctx context.Context, env *Env, meta map[string]any) (int64, error) {
	if d.URL == "" {
		return 0, eris.New("no source url configured")
	}
	recordETag(ctx, env, d.Name(), d.URL, meta)

	ext := sourceExt(d.URL)
	if ext != ".xlsx" {
		ext = ".csv"
	}
	tmp := filepath.Join(env.TempDir, d.Name(), "taxi_zone_lookup"+ext)
	n, err := env.Fetcher.DownloadToFile(ctx, d.URL, tmp)
	if err != nil {
		return 0, eris.Wrap(err, "download")
	}
	defer os.Remove(tmp) //nolint:errcheck
	meta["source_bytes"] = n

	opts := frame.CSVOptions{Header: true, InferSchema: true}
	var f *frame.Frame
	if ext == ".xlsx" {
		meta["source_format"] = "xlsx"
		f, err = frame.ReadXLSX(tmp, "", opts)
	} else {
		f, err = readCSVFile(ctx, tmp, opts)
	}
	if err != nil {
		return 0, err
	}

	loc, err := env.Resolve(ctx, d.rawPath(env))
	if err != nil {
		return 0, err
	}
	if err := frame.WriteCSVDir(ctx, loc.Store, loc.Key, f, frame.WriteOptions{
		Header:         true,
		Mode:           frame.Overwrite,
		MaxRowsPerFile: env.MaxRowsPerFile,
		Concurrency:    env.Concurrency,
	}); err != nil {
		return 0, err
	}
	meta["raw_rows"] = f.NumRows()
	return int64(f.NumRows()), nil
}

func readCSVFile(ctx context.Context, p string, opts frame.CSVOptions) (*frame.Frame, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrap(err, "open download")
	}
	defer file.Close() //nolint:errcheck
	return frame.ReadCSV(ctx, file, opts)
}

// cleansed renames the raw columns and writes them as a Delta table.
func (d *ZoneLookup) cleansed(ctx context.Context, env *Env, meta map[string]any) (int64, error) {
	loc, err := env.Resolve(ctx, d.rawPath(env))
	if err != nil {
		return 0, err
	}
	f, err := frame.ReadCSVDir(ctx, loc.Store, loc.Key, frame.CSVOptions{Header: true, InferSchema: true})
	if err != nil {
		return 0, err
	}
	if f, err = renameColumns(f, zoneRenames); err != nil {
		return 0, err
	}
	if err := validateZones(f); err != nil {
		return 0, err
	}

	res, err := writeDelta(ctx, env, d.cleansedPath(env), "zone_lookup", f)
	if err != nil {
		return 0, err
	}
	meta["cleansed_version"] = res.Version
	return res.Rows, nil
}

// curated copies the cleansed table into the curated dimension.
func (d *ZoneLookup) curated(ctx context.Context, env *Env, meta map[string]any) (int64, error) {
	res, err := promote(ctx, env, d.cleansedPath(env), d.curatedPath(env), "dim_zone_lookup")
	if err != nil {
		return 0, err
	}
	meta["curated_version"] = res.Version
	return res.Rows, nil
}

// validateZones decodes the cleansed rows into zone records and checks that
// location ids are positive and unique.
func validateZones(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := f.WriteCSV(&buf, true); err != nil {
		return err
	}
	var zones []zoneRecord
	if err := csvutil.Unmarshal(buf.Bytes(), &zones); err != nil {
		return eris.Wrap(err, "decode zones")
	}
	seen := make(map[int64]int, len(zones))
	for i, z := range zones {
		if z.LocationID == nil {
			return eris.Errorf("row %d: location_id is missing", i+1)
		}
		id := *z.LocationID
		if id <= 0 {
			return eris.Errorf("row %d: location_id must be positive, got %d", i+1, id)
		}
		if prev, ok := seen[id]; ok {
			return eris.Errorf("row %d: duplicate location_id %d (first seen on row %d)", i+1, id, prev)
		}
		seen[id] = i + 1
	}
	return nil
}
