package store

import "time"

// Clock supplies UTC timestamps. Tests inject a fixed or stepping clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Timestamps are persisted as text at microsecond precision so that every
// backend returns exactly what was hashed.

// FormatTime renders t in the persisted form.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

// ParseTime reverses FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
