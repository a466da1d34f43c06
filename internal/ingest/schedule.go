package ingest

import "time"

// PeriodStart returns the UTC start of the cadence period containing now:
// midnight, the Monday of the ISO week, the first of the month or the
// first of January. ok is false for an unknown cadence.
func PeriodStart(c Cadence, now time.Time) (start time.Time, ok bool) {
	now = now.UTC()
	y, m, d := now.Date()
	switch c {
	case Daily:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	case Weekly:
		back := (int(now.Weekday()) + 6) % 7
		return time.Date(y, m, d-back, 0, 0, 0, 0, time.UTC), true
	case Monthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), true
	case Annual:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// Due reports whether a dataset of cadence c needs a sync: it never
// synced, or its last sync is older than the current period. Unknown
// cadences are always due.
func Due(c Cadence, now time.Time, lastSync *time.Time) bool {
	if lastSync == nil {
		return true
	}
	start, ok := PeriodStart(c, now)
	if !ok {
		return true
	}
	return lastSync.Before(start)
}
