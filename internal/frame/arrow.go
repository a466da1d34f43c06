package frame

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rotisserie/eris"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// ArrowType maps a column type to its Arrow data type.
func ArrowType(t Type) (arrow.DataType, error) {
	switch t {
	case Integer:
		return arrow.PrimitiveTypes.Int32, nil
	case Long:
		return arrow.PrimitiveTypes.Int64, nil
	case Double:
		return arrow.PrimitiveTypes.Float64, nil
	case Boolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case Timestamp:
		return timestampType, nil
	case String:
		return arrow.BinaryTypes.String, nil
	}
	return nil, eris.Errorf("frame: no arrow type for %q", t)
}

func fromArrowType(dt arrow.DataType) (Type, error) {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.UINT8, arrow.UINT16:
		return Integer, nil
	case arrow.INT64, arrow.UINT32:
		return Long, nil
	case arrow.FLOAT32, arrow.FLOAT64:
		return Double, nil
	case arrow.BOOL:
		return Boolean, nil
	case arrow.TIMESTAMP:
		return Timestamp, nil
	case arrow.STRING, arrow.LARGE_STRING:
		return String, nil
	}
	return "", eris.Errorf("frame: unsupported arrow type %s", dt)
}

// ArrowSchema converts a schema to Arrow.
func ArrowSchema(s Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		dt, err := ArrowType(f.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// SchemaFromArrow converts an Arrow schema.
func SchemaFromArrow(s *arrow.Schema) (Schema, error) {
	out := Schema{Fields: make([]Field, s.NumFields())}
	for i, f := range s.Fields() {
		t, err := fromArrowType(f.Type)
		if err != nil {
			return Schema{}, eris.Wrapf(err, "column %s", f.Name)
		}
		out.Fields[i] = Field{Name: f.Name, Type: t, Nullable: f.Nullable}
	}
	return out, nil
}

// ToRecord builds an Arrow record from rows of a frame with schema s. The
// caller releases the record.
func ToRecord(mem memory.Allocator, s Schema, rows [][]any) (arrow.Record, error) {
	as, err := ArrowSchema(s)
	if err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, as)
	defer b.Release()

	for _, row := range rows {
		for i, v := range row {
			if err := appendValue(b.Field(i), s.Fields[i], v); err != nil {
				return nil, err
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(fb array.Builder, f Field, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	ok := false
	switch b := fb.(type) {
	case *array.Int32Builder:
		var x int32
		if x, ok = v.(int32); ok {
			b.Append(x)
		}
	case *array.Int64Builder:
		var x int64
		if x, ok = v.(int64); ok {
			b.Append(x)
		}
	case *array.Float64Builder:
		var x float64
		if x, ok = v.(float64); ok {
			b.Append(x)
		}
	case *array.BooleanBuilder:
		var x bool
		if x, ok = v.(bool); ok {
			b.Append(x)
		}
	case *array.TimestampBuilder:
		var x time.Time
		if x, ok = v.(time.Time); ok {
			b.Append(arrow.Timestamp(x.UnixMicro()))
		}
	case *array.StringBuilder:
		var x string
		if x, ok = v.(string); ok {
			b.Append(x)
		}
	}
	if !ok {
		return eris.Errorf("frame: value %v (%T) does not fit column %s %s", v, v, f.Name, f.Type)
	}
	return nil
}

// FromRecord converts an Arrow record to rows typed by the returned schema.
func FromRecord(rec arrow.Record) (Schema, [][]any, error) {
	schema, err := SchemaFromArrow(rec.Schema())
	if err != nil {
		return Schema{}, nil, err
	}
	n := int(rec.NumRows())
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = make([]any, len(schema.Fields))
	}
	for c := range schema.Fields {
		col := rec.Column(c)
		for r := 0; r < n; r++ {
			if col.IsNull(r) {
				continue
			}
			v, err := arrowValue(col, r)
			if err != nil {
				return Schema{}, nil, err
			}
			rows[r][c] = v
		}
	}
	return schema, rows, nil
}

func arrowValue(col arrow.Array, i int) (any, error) {
	switch a := col.(type) {
	case *array.Int8:
		return int32(a.Value(i)), nil
	case *array.Int16:
		return int32(a.Value(i)), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Uint8:
		return int32(a.Value(i)), nil
	case *array.Uint16:
		return int32(a.Value(i)), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint32:
		return int64(a.Value(i)), nil
	case *array.Float32:
		return float64(a.Value(i)), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC(), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	}
	return nil, eris.Errorf("frame: unsupported arrow array %T", col)
}

// Concat builds one frame from row chunks that share schema.
func Concat(schema Schema, parts ...[][]any) *Frame {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	rows := make([][]any, 0, total)
	for _, p := range parts {
		rows = append(rows, p...)
	}
	return &Frame{schema: schema, rows: rows}
}
