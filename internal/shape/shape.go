// Package shape reads ESRI shapefiles into frames, one row per record with
// the attribute columns followed by the geometry as WKT and its bounding box.
package shape

import (
	"os"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/frame"
)

// Geometry columns appended after the attributes.
const (
	GeometryColumn = "geometry"
	MinXColumn     = "min_x"
	MinYColumn     = "min_y"
	MaxXColumn     = "max_x"
	MaxYColumn     = "max_y"
)

// Read parses the shapefile at shpPath (its .dbf must sit next to it).
// Numeric attributes without decimals become longs, other numerics become
// doubles and everything else is a string. Records whose geometry cannot
// be encoded keep a null geometry.
func Read(shpPath string) (*frame.Frame, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "shape: open %s", shpPath)
	}
	defer reader.Close() //nolint:errcheck

	// The reader skips a missing attribute table silently.
	dbfPath := attributeTablePath(shpPath)
	if _, err := os.Stat(dbfPath); err != nil {
		return nil, eris.Wrapf(err, "shape: attribute table %s", dbfPath)
	}

	attrs := reader.Fields()
	fields := make([]frame.Field, 0, len(attrs)+5)
	for _, a := range attrs {
		fields = append(fields, frame.Field{
			Name:     strings.TrimRight(a.String(), "\x00"),
			Type:     attributeType(a),
			Nullable: true,
		})
	}
	fields = append(fields,
		frame.Field{Name: GeometryColumn, Type: frame.String, Nullable: true},
		frame.Field{Name: MinXColumn, Type: frame.Double, Nullable: true},
		frame.Field{Name: MinYColumn, Type: frame.Double, Nullable: true},
		frame.Field{Name: MaxXColumn, Type: frame.Double, Nullable: true},
		frame.Field{Name: MaxYColumn, Type: frame.Double, Nullable: true},
	)
	schema := frame.NewSchema(fields...)

	var rows [][]any
	var unencoded int
	for reader.Next() {
		n, s := reader.Shape()
		row := make([]any, 0, len(fields))
		for i := range attrs {
			v, err := parseAttribute(reader.Attribute(i), fields[i].Type)
			if err != nil {
				return nil, eris.Wrapf(err, "shape: record %d field %s", n, fields[i].Name)
			}
			row = append(row, v)
		}

		text, err := EncodeWKT(s)
		if err != nil || text == "" {
			unencoded++
			row = append(row, nil, nil, nil, nil, nil)
		} else {
			box := s.BBox()
			row = append(row, text, box.MinX, box.MinY, box.MaxX, box.MaxY)
		}
		rows = append(rows, row)
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "shape: read %s", shpPath)
	}

	if unencoded > 0 {
		zap.L().Debug("shape: records without geometry",
			zap.String("path", shpPath),
			zap.Int("count", unencoded),
		)
	}
	return frame.New(schema, rows)
}

func attributeType(f shp.Field) frame.Type {
	switch f.Fieldtype {
	case 'N':
		if f.Precision == 0 {
			return frame.Long
		}
		return frame.Double
	case 'F':
		return frame.Double
	}
	return frame.String
}

// attributeTablePath is the .dbf the shapefile reader opens for shpPath: the
// same name with the three-letter extension swapped.
func attributeTablePath(shpPath string) string {
	return shpPath[:len(shpPath)-3] + "dbf"
}

func parseAttribute(raw string, t frame.Type) (any, error) {
	s := strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	if s == "" {
		return nil, nil
	}
	switch t {
	case frame.Long:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			// Some writers store whole numbers as "12.0" in N fields.
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				return nil, eris.Wrapf(err, "parse %q", s)
			}
			return int64(f), nil
		}
		return v, nil
	case frame.Double:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "parse %q", s)
		}
		return v, nil
	}
	return s, nil
}

// EncodeWKT converts a go-shp geometry to WKT. It returns "" for nil or
// unsupported shapes.
func EncodeWKT(s shp.Shape) (string, error) {
	g := toGeom(s)
	if g == nil {
		return "", nil
	}
	text, err := wkt.Marshal(g)
	if err != nil {
		return "", eris.Wrap(err, "shape: encode wkt")
	}
	return text, nil
}

func toGeom(s shp.Shape) geom.T {
	switch v := s.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{v.X, v.Y})
	case *shp.PolyLine:
		return polyLineToMultiLineString(v)
	case *shp.Polygon:
		return polygonToMultiPolygon(v)
	}
	return nil
}

// parts splits points at the given part offsets into flat coordinates.
func parts(offsets []int32, points []shp.Point) [][]float64 {
	out := make([][]float64, 0, len(offsets))
	for i, start := range offsets {
		end := int32(len(points))
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		if start < 0 || start >= end || end > int32(len(points)) {
			continue
		}
		flat := make([]float64, 0, 2*(end-start))
		for _, p := range points[start:end] {
			flat = append(flat, p.X, p.Y)
		}
		out = append(out, flat)
	}
	return out
}

func polyLineToMultiLineString(pl *shp.PolyLine) geom.T {
	if pl == nil || pl.NumParts == 0 || len(pl.Points) == 0 {
		return nil
	}
	mls := geom.NewMultiLineString(geom.XY)
	for i, flat := range parts(pl.Parts, pl.Points) {
		if err := mls.Push(geom.NewLineStringFlat(geom.XY, flat)); err != nil {
			zap.L().Debug("shape: skipping malformed linestring part", zap.Int("part", i), zap.Error(err))
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

// polygonToMultiPolygon maps every ring to its own polygon. Shapefiles do
// not group holes with their shells, so rings are kept as listed.
func polygonToMultiPolygon(p *shp.Polygon) geom.T {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}
	mp := geom.NewMultiPolygon(geom.XY)
	for i, flat := range parts(p.Parts, p.Points) {
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			zap.L().Debug("shape: skipping malformed polygon ring", zap.Int("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("shape: skipping malformed polygon part", zap.Int("part", i), zap.Error(err))
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
