package frame

import (
	"strings"

	"github.com/rotisserie/eris"
)

// ErrColumnExists is returned when a rename would duplicate a column name.
var ErrColumnExists = eris.New("frame: column already exists")

// Frame is a row-major table. Values are nil, int32, int64, float64, bool,
// time.Time or string according to the column type.
type Frame struct {
	schema Schema
	rows   [][]any
}

// New returns a frame over rows; every row must have one value per field.
func New(schema Schema, rows [][]any) (*Frame, error) {
	for i, row := range rows {
		if len(row) != len(schema.Fields) {
			return nil, eris.Errorf("frame: row %d has %d values, schema has %d columns", i, len(row), len(schema.Fields))
		}
	}
	return &Frame{schema: schema, rows: rows}, nil
}

// Schema returns the frame schema.
func (f *Frame) Schema() Schema { return f.schema }

// Rows returns the rows. Callers must not modify them.
func (f *Frame) Rows() [][]any { return f.rows }

// NumRows returns the row count.
func (f *Frame) NumRows() int { return len(f.rows) }

// Column returns the values of the named column (case-insensitive).
func (f *Frame) Column(name string) ([]any, error) {
	idx := f.schema.Index(name)
	if idx < 0 {
		return nil, eris.Errorf("frame: no column %q", name)
	}
	out := make([]any, len(f.rows))
	for i, row := range f.rows {
		out[i] = row[idx]
	}
	return out, nil
}

// WithColumnRenamed returns a frame with column oldName (matched
// case-insensitively) renamed to newName. A missing column is a no-op.
func (f *Frame) WithColumnRenamed(oldName, newName string) (*Frame, error) {
	idx := f.schema.Index(oldName)
	if idx < 0 {
		return f, nil
	}
	for i, fld := range f.schema.Fields {
		if i != idx && strings.EqualFold(fld.Name, newName) {
			return nil, eris.Wrapf(ErrColumnExists, "rename %s to %s", oldName, newName)
		}
	}
	fields := make([]Field, len(f.schema.Fields))
	copy(fields, f.schema.Fields)
	fields[idx].Name = newName
	return &Frame{schema: Schema{Fields: fields}, rows: f.rows}, nil
}

// Select returns a frame with only the named columns, in the given order.
func (f *Frame) Select(names ...string) (*Frame, error) {
	idx := make([]int, len(names))
	fields := make([]Field, len(names))
	for i, n := range names {
		idx[i] = f.schema.Index(n)
		if idx[i] < 0 {
			return nil, eris.Errorf("frame: no column %q", n)
		}
		fields[i] = f.schema.Fields[idx[i]]
	}
	rows := make([][]any, len(f.rows))
	for r, row := range f.rows {
		out := make([]any, len(idx))
		for i, j := range idx {
			out[i] = row[j]
		}
		rows[r] = out
	}
	return &Frame{schema: Schema{Fields: fields}, rows: rows}, nil
}

// Partition splits the rows into chunks of at most maxRows. An empty frame
// yields one empty chunk so writers still emit a file carrying the schema.
func (f *Frame) Partition(maxRows int) [][][]any {
	if len(f.rows) == 0 {
		return [][][]any{nil}
	}
	if maxRows <= 0 || maxRows >= len(f.rows) {
		return [][][]any{f.rows}
	}
	var out [][][]any
	for start := 0; start < len(f.rows); start += maxRows {
		end := min(start+maxRows, len(f.rows))
		out = append(out, f.rows[start:end])
	}
	return out
}

// SaveMode is the behaviour of a write when the target already holds data.
type SaveMode string

const (
	Overwrite     SaveMode = "overwrite"
	Append        SaveMode = "append"
	ErrorIfExists SaveMode = "errorifexists"
	Ignore        SaveMode = "ignore"
)

// ParseSaveMode accepts the mode names used by dataframe writers,
// case-insensitively. The empty string means ErrorIfExists.
func ParseSaveMode(s string) (SaveMode, error) {
	switch strings.ToLower(s) {
	case "overwrite":
		return Overwrite, nil
	case "append":
		return Append, nil
	case "", "error", "errorifexists", "default":
		return ErrorIfExists, nil
	case "ignore":
		return Ignore, nil
	}
	return "", eris.Errorf("frame: unknown save mode %q", s)
}
