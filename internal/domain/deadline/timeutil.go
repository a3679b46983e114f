package deadline

import (
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// AddDays adds n calendar days to t using Gregorian rollover. The wall-clock
// time of day and location are kept.
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// ParseTimestamp accepts an RFC 3339 timestamp or a bare YYYY-MM-DD date,
// which is read as midnight UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, invalid("timestamp", "", "must not be empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(dateLayout, s, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, invalid("timestamp", s, "expected RFC 3339 or YYYY-MM-DD")
}
