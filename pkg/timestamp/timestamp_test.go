package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUTC_Strings(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
		ok    bool
	}{
		{
			name:  "rfc3339 with z",
			input: "2024-01-01T00:00:00Z",
			want:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "rfc3339 with offset normalized",
			input: "2024-01-01T02:00:00+02:00",
			want:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "no offset assumed utc",
			input: "2024-01-01T00:30:00",
			want:  time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "fractional seconds no offset",
			input: "2024-06-15T12:00:00.500",
			want:  time.Date(2024, 6, 15, 12, 0, 0, 500_000_000, time.UTC),
			ok:    true,
		},
		{
			name:  "space separated",
			input: "2024-01-01 06:00:00",
			want:  time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "date only",
			input: "2024-03-01",
			want:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "unix seconds string",
			input: "1704067200",
			want:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{name: "empty", input: "", ok: false},
		{name: "garbage", input: "half past nine", ok: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, ok := ParseUTC(test.input)
			require.Equal(t, test.ok, ok)
			if test.ok {
				assert.True(t, test.want.Equal(got), "want %v got %v", test.want, got)
				assert.Equal(t, time.UTC, got.Location())
			}
		})
	}
}

func TestParseUTC_Numbers(t *testing.T) {
	secs := float64(1704067200) // JSON numbers decode as float64
	got, ok := ParseUTC(secs)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got)

	millis := int64(1704067200000)
	got, ok = ParseUTC(millis)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got)

	_, ok = ParseUTC(float64(0))
	assert.False(t, ok)
}

func TestParseUTC_TimeAndNil(t *testing.T) {
	local := time.Date(2024, 1, 1, 1, 0, 0, 0, time.FixedZone("CET", 3600))
	got, ok := ParseUTC(local)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got)

	_, ok = ParseUTC(nil)
	assert.False(t, ok)

	_, ok = ParseUTC(time.Time{})
	assert.False(t, ok)

	_, ok = ParseUTC(map[string]any{})
	assert.False(t, ok)
}

func TestFormatISO(t *testing.T) {
	in := time.Date(2024, 1, 1, 2, 0, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2024-01-01T01:00:00Z", FormatISO(in))
}
