package delta

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/frame"
)

// Stats are the per-file column statistics stored with each add action.
type Stats struct {
	NumRecords int64            `json:"numRecords"`
	MinValues  map[string]any   `json:"minValues"`
	MaxValues  map[string]any   `json:"maxValues"`
	NullCount  map[string]int64 `json:"nullCount"`
}

const statsTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// less orders two non-null values of the same column type.
func less(a, b any) bool {
	switch x := a.(type) {
	case int32:
		return x < b.(int32)
	case int64:
		return x < b.(int64)
	case float64:
		return x < b.(float64)
	case time.Time:
		return x.Before(b.(time.Time))
	case string:
		return x < b.(string)
	}
	return false
}

func statValue(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(statsTimeLayout)
	}
	return v
}

func computeStats(schema frame.Schema, rows [][]any) Stats {
	st := Stats{
		NumRecords: int64(len(rows)),
		MinValues:  map[string]any{},
		MaxValues:  map[string]any{},
		NullCount:  map[string]int64{},
	}
	for c, f := range schema.Fields {
		var lo, hi any
		var nulls int64
		for _, row := range rows {
			v := row[c]
			if v == nil {
				nulls++
				continue
			}
			if f.Type == frame.Boolean {
				continue
			}
			if d, ok := v.(float64); ok && math.IsNaN(d) {
				continue
			}
			if lo == nil || less(v, lo) {
				lo = v
			}
			if hi == nil || less(hi, v) {
				hi = v
			}
		}
		st.NullCount[f.Name] = nulls
		if lo != nil {
			st.MinValues[f.Name] = statValue(lo)
			st.MaxValues[f.Name] = statValue(hi)
		}
	}
	return st
}

func (s Stats) encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", eris.Wrap(err, "delta: encode stats")
	}
	return string(b), nil
}

func parseStats(s string) (Stats, error) {
	var st Stats
	if strings.TrimSpace(s) == "" {
		return st, eris.New("delta: file has no stats")
	}
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return st, eris.Wrap(err, "delta: decode stats")
	}
	return st, nil
}
