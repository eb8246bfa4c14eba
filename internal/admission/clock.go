package admission

import (
	"time"

	"steward/internal/domain"
)

const (
	reasonableStart = 7 * 60
	reasonableEnd   = 22 * 60
)

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// inWindow reports whether minute m falls in [start, end), wrapping past midnight when
// start > end. An empty window (start == end) contains nothing.
func inWindow(m, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

// InQuietHours reports whether now falls inside the configured quiet window.
func InQuietHours(now time.Time, start, end string) (bool, error) {
	s, err := domain.ParseClock(start)
	if err != nil {
		return false, err
	}
	e, err := domain.ParseClock(end)
	if err != nil {
		return false, err
	}
	return inWindow(minuteOfDay(now), s, e), nil
}

// OutsideReasonableHours reports whether now is outside 07:00-22:00.
func OutsideReasonableHours(now time.Time) bool {
	return !inWindow(minuteOfDay(now), reasonableStart, reasonableEnd)
}
