package schema

import (
	"fmt"
	"time"
)

// StorageLayout is the fixed-width layout used for persisted timestamps.
// Every value has the same length, so string comparison in SQL matches
// chronological order.
const StorageLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in StorageLayout (always UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(StorageLayout)
}

// ParseTime parses an RFC 3339 timestamp of any sub-second precision,
// including values written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Epoch is the watermark used before the first successful sync.
func Epoch() time.Time {
	return time.Unix(0, 0).UTC()
}

// MaxTime returns the later of a and b.
func MaxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
