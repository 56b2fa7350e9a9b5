package utils

import "time"

// TimeWindow bounds a half-open sample range [Start, End).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// CycleWindows returns the recent window ending at now and the matching
// baseline window shifted back by offset (typically 24h), so both cover the
// same span of the day.
func CycleWindows(now time.Time, window, offset time.Duration) (recent, baseline TimeWindow) {
	recent = TimeWindow{Start: now.Add(-window), End: now}
	baseline = TimeWindow{Start: recent.Start.Add(-offset), End: recent.End.Add(-offset)}
	return recent, baseline
}

// DurationMillis converts a pair of timestamps into whole milliseconds.
func DurationMillis(start, end time.Time) int64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Milliseconds()
}
