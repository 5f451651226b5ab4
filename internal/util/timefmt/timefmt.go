// Package timefmt is the single place message timestamps (spec §3.1:
// "RFC 3339 UTC") get formatted, so every on-disk record uses the same
// string representation.
package timefmt

import "time"

// ISO8601 is a millisecond-precision RFC 3339 UTC layout.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Parse parses a string produced by Format (or any RFC 3339 timestamp).
func Parse(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
