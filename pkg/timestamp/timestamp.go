// Package timestamp converts between time.Time and Unix milliseconds, the form
// timestamps take in pipeline messages. 0 means unset.
package timestamp

import (
	"encoding/json"
	"strconv"
	"time"
)

// secondsCutoff separates second from millisecond epochs: 1e12 ms is 2001,
// 1e12 s is far beyond any sample.
const secondsCutoff = 1e12

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts t to Unix milliseconds; the zero time gives 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to a time; 0 gives the zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Parse reads a timestamp from a decoded message field. Numbers may be epoch
// seconds or milliseconds; strings may be RFC3339 or numeric. Invalid or
// negative input gives 0.
func Parse(input any) int64 {
	switch v := input.(type) {
	case int:
		return fromEpoch(float64(v))
	case int32:
		return fromEpoch(float64(v))
	case int64:
		if v > secondsCutoff {
			return v
		}
		return fromEpoch(float64(v))
	case float64:
		return fromEpoch(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return Parse(n)
		}
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return fromEpoch(f)
	case string:
		return parseString(v)
	case time.Time:
		return ToUnixMs(v)
	case *time.Time:
		if v == nil {
			return 0
		}
		return ToUnixMs(*v)
	}
	return 0
}

// ParseTime is Parse returning a time.Time.
func ParseTime(input any) time.Time {
	return FromUnixMs(Parse(input))
}

func fromEpoch(v float64) int64 {
	switch {
	case v <= 0:
		return 0
	case v > secondsCutoff:
		return int64(v)
	default:
		return int64(v * 1000)
	}
}

func parseString(s string) int64 {
	if s == "" {
		return 0
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ToUnixMs(t)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Parse(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	return 0
}
