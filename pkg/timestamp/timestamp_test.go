package timestamp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	assert.Equal(t, int64(1700000000123), ToUnixMs(now))
	assert.True(t, FromUnixMs(ToUnixMs(now)).Equal(now))

	assert.Equal(t, int64(0), ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
}

func TestParse(t *testing.T) {
	ref := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ms := ref.UnixMilli()

	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"nil", nil, 0},
		{"milliseconds", ms, ms},
		{"seconds", ms / 1000, ms},
		{"int seconds", int(ms / 1000), ms},
		{"float milliseconds", float64(ms), ms},
		{"json number", json.Number("1714564800000"), ms},
		{"rfc3339", "2024-05-01T12:00:00Z", ms},
		{"rfc3339 nano", "2024-05-01T12:00:00.000000000Z", ms},
		{"numeric string", "1714564800", ms},
		{"time", ref, ms},
		{"time pointer", &ref, ms},
		{"empty string", "", 0},
		{"garbage", "yesterday", 0},
		{"negative", int64(-5), 0},
		{"fractional seconds", 1714564800.5, ms + 500},
		{"zero time", time.Time{}, 0},
		{"nil time pointer", (*time.Time)(nil), 0},
		{"unsupported", []int{1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}

	assert.True(t, ParseTime("2024-05-01T12:00:00Z").Equal(ref))
	assert.True(t, ParseTime(nil).IsZero())
}

func TestNow(t *testing.T) {
	before := time.Now().UnixMilli()
	n := Now()
	assert.GreaterOrEqual(t, n, before)
	assert.LessOrEqual(t, n, time.Now().UnixMilli())
}
