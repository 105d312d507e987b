package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout is the query timeout used when none is configured.
const DefaultTimeout = 10000 * time.Millisecond

// ParseTimeout reads a timeout in milliseconds from a number or a numeric
// string. Missing, non-numeric and non-positive values yield DefaultTimeout.
func ParseTimeout(v any) time.Duration {
	var ms float64
	switch t := v.(type) {
	case int:
		ms = float64(t)
	case int64:
		ms = float64(t)
	case float64:
		ms = t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return DefaultTimeout
		}
		ms = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return DefaultTimeout
		}
		ms = f
	default:
		return DefaultTimeout
	}
	if ms <= 0 {
		return DefaultTimeout
	}
	return time.Duration(ms * float64(time.Millisecond))
}
