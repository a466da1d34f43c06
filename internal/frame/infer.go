package frame

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// parseTimestamp accepts ISO-8601 timestamps with optional fraction and
// zone; values without a zone are UTC.
func parseTimestamp(s string) (time.Time, bool) {
	if len(s) < 16 || s[4] != '-' {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseDouble(s string) (float64, bool) {
	switch s {
	case "NaN":
		return math.NaN(), true
	case "Infinity", "+Infinity", "Inf", "+Inf":
		return math.Inf(1), true
	case "-Infinity", "-Inf":
		return math.Inf(-1), true
	}
	// Reject the spellings strconv accepts that CSV sources do not mean as
	// numbers (hex floats, "infinity" in other cases, underscores).
	if strings.ContainsAny(s, "xXpP_iInN") {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

// inferValue returns the narrowest type that parses s.
func inferValue(s string) Type {
	if _, err := strconv.ParseInt(s, 10, 32); err == nil {
		return Integer
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Long
	}
	if _, ok := parseDouble(s); ok {
		return Double
	}
	if _, ok := parseTimestamp(s); ok {
		return Timestamp
	}
	if strings.EqualFold(s, "true") || strings.EqualFold(s, "false") {
		return Boolean
	}
	return String
}

func numericRank(t Type) int {
	switch t {
	case Integer:
		return 1
	case Long:
		return 2
	case Double:
		return 3
	}
	return 0
}

// mergeTypes widens a column type with one more observed value type.
// Numbers widen integer -> long -> double; any other mix is a string.
func mergeTypes(cur, next Type) Type {
	if cur == "" {
		return next
	}
	if cur == next {
		return cur
	}
	rc, rn := numericRank(cur), numericRank(next)
	if rc > 0 && rn > 0 {
		if rc > rn {
			return cur
		}
		return next
	}
	return String
}

// InferSchema infers one type per column over all non-null cells. Columns
// that hold only nulls are strings.
func InferSchema(names []string, rows [][]*string) Schema {
	types := make([]Type, len(names))
	for _, row := range rows {
		for i, cell := range row {
			if cell == nil || types[i] == String {
				continue
			}
			types[i] = mergeTypes(types[i], inferValue(*cell))
		}
	}
	fields := make([]Field, len(names))
	for i, name := range names {
		t := types[i]
		if t == "" {
			t = String
		}
		fields[i] = Field{Name: name, Type: t, Nullable: true}
	}
	return Schema{Fields: fields}
}

// ParseValue converts a CSV cell to the Go value for t. nil stays nil.
func ParseValue(cell *string, t Type) (any, error) {
	if cell == nil {
		return nil, nil
	}
	s := *cell
	switch t {
	case Integer:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, eris.Wrapf(err, "frame: %q is not an integer", s)
		}
		return int32(v), nil
	case Long:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "frame: %q is not a long", s)
		}
		return v, nil
	case Double:
		v, ok := parseDouble(s)
		if !ok {
			return nil, eris.Errorf("frame: %q is not a double", s)
		}
		return v, nil
	case Boolean:
		switch strings.ToLower(s) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, eris.Errorf("frame: %q is not a boolean", s)
	case Timestamp:
		v, ok := parseTimestamp(s)
		if !ok {
			return nil, eris.Errorf("frame: %q is not a timestamp", s)
		}
		return v, nil
	case String:
		return s, nil
	}
	return nil, eris.Errorf("frame: unsupported type %q", t)
}

// FormatValue renders a value the way it is written to CSV. nil is "".
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		switch {
		case math.IsNaN(x):
			return "NaN"
		case math.IsInf(x, 1):
			return "Infinity"
		case math.IsInf(x, -1):
			return "-Infinity"
		}
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.ContainsAny(s, ".e") {
			s += ".0"
		}
		return s
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	case string:
		return x
	}
	return ""
}
