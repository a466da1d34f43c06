// Package frame is a small in-memory table with the CSV and Arrow plumbing
// the lake pipeline needs: header handling, schema inference, column
// renames and partitioned directory writes.
package frame

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Type is a column type, named as in Delta schema strings.
type Type string

const (
	Integer   Type = "integer"
	Long      Type = "long"
	Double    Type = "double"
	Boolean   Type = "boolean"
	Timestamp Type = "timestamp"
	String    Type = "string"
)

// Valid reports whether t is one of the supported types.
func (t Type) Valid() bool {
	switch t {
	case Integer, Long, Double, Boolean, Timestamp, String:
		return true
	}
	return false
}

// Field is one column of a Schema.
type Field struct {
	Name     string
	Type     Type
	Nullable bool
}

// Schema is an ordered list of fields.
type Schema struct {
	Fields []Field
}

// NewSchema builds a nullable schema from name/type pairs.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// Index returns the position of the column matching name case-insensitively,
// or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// Equal compares names (case-insensitively) and types. Nullability is
// ignored since every inferred column is nullable.
func (s Schema) Equal(o Schema) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if !strings.EqualFold(s.Fields[i].Name, o.Fields[i].Name) || s.Fields[i].Type != o.Fields[i].Type {
			return false
		}
	}
	return true
}

// String renders the schema as "name type, ...".
func (s Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Name + " " + string(f.Type)
	}
	return strings.Join(parts, ", ")
}

type jsonField struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Nullable bool           `json:"nullable"`
	Metadata map[string]any `json:"metadata"`
}

type jsonStruct struct {
	Type   string      `json:"type"`
	Fields []jsonField `json:"fields"`
}

// JSON renders the schema as a Spark struct type, the format Delta stores
// in metaData.schemaString.
func (s Schema) JSON() (string, error) {
	js := jsonStruct{Type: "struct", Fields: make([]jsonField, len(s.Fields))}
	for i, f := range s.Fields {
		js.Fields[i] = jsonField{Name: f.Name, Type: string(f.Type), Nullable: f.Nullable, Metadata: map[string]any{}}
	}
	b, err := json.Marshal(js)
	if err != nil {
		return "", eris.Wrap(err, "frame: encode schema")
	}
	return string(b), nil
}

// ParseSchemaJSON parses a Spark struct type schema string.
func ParseSchemaJSON(s string) (Schema, error) {
	var js jsonStruct
	if err := json.Unmarshal([]byte(s), &js); err != nil {
		return Schema{}, eris.Wrap(err, "frame: decode schema")
	}
	if js.Type != "struct" {
		return Schema{}, eris.Errorf("frame: schema type %q is not struct", js.Type)
	}
	out := Schema{Fields: make([]Field, len(js.Fields))}
	for i, f := range js.Fields {
		t := Type(f.Type)
		if !t.Valid() {
			return Schema{}, eris.Errorf("frame: column %s has unsupported type %q", f.Name, f.Type)
		}
		out.Fields[i] = Field{Name: f.Name, Type: t, Nullable: f.Nullable}
	}
	return out, nil
}
