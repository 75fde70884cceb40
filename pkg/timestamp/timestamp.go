// Package timestamp provides lenient UTC timestamp parsing for telemetry
// payloads.
//
// The metering API reports times in ISO-8601, but tenants differ on the
// details: some include an offset, some don't, some send sub-second
// precision, and a few send raw Unix timestamps. All parsed values are
// normalized to UTC; timestamps without an offset are assumed to already be
// UTC, matching the remote service's documented behavior.
package timestamp

import (
	"strconv"
	"time"
)

// layouts tried in priority order for string input. Offset-less layouts are
// parsed in UTC.
var layouts = []struct {
	layout string
	hasTZ  bool
}{
	{time.RFC3339Nano, true},
	{time.RFC3339, true},
	{"2006-01-02T15:04:05.999999999", false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02", false},
}

// ParseUTC converts a payload timestamp value to UTC time.
// Supports:
//   - string: ISO-8601 with or without offset (offset-less assumed UTC),
//     or a stringified Unix timestamp
//   - float64 / int64 / int: Unix seconds, or milliseconds when > 1e12
//   - time.Time: converted to UTC
//
// The boolean result reports whether the input was parseable; callers skip
// records rather than fail on false.
func ParseUTC(input any) (time.Time, bool) {
	switch v := input.(type) {
	case string:
		return parseString(v)

	case float64:
		if v == 0 {
			return time.Time{}, false
		}
		return fromUnix(int64(v)), true

	case int64:
		if v == 0 {
			return time.Time{}, false
		}
		return fromUnix(v), true

	case int:
		return ParseUTC(int64(v))

	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return v.UTC(), true

	default:
		return time.Time{}, false
	}
}

func parseString(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}

	for _, l := range layouts {
		if l.hasTZ {
			if t, err := time.Parse(l.layout, s); err == nil {
				return t.UTC(), true
			}
		} else {
			if t, err := time.ParseInLocation(l.layout, s, time.UTC); err == nil {
				return t, true
			}
		}
	}

	// Unix timestamp sent as a string
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n != 0 {
		return fromUnix(n), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f != 0 {
		return fromUnix(int64(f)), true
	}

	return time.Time{}, false
}

// fromUnix interprets values above 1e12 as milliseconds, otherwise seconds.
func fromUnix(n int64) time.Time {
	if n > 1e12 || n < -1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// FormatISO renders a time in the wire format the remote API expects for
// from/to query parameters: RFC3339 UTC with a trailing Z.
func FormatISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
