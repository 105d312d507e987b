package keyexpr

import (
	"sort"
	"strings"

	"github.com/c360/keybridge/errors"
)

// Selector is a key expression plus optional query parameters, written
// "key/expr?k1=v1;k2=v2".
type Selector struct {
	KeyExpr    KeyExpr
	Parameters Parameters
}

// ParseSelector splits s on the first "?" and validates the key part.
func ParseSelector(s string) (Selector, error) {
	if strings.TrimSpace(s) == "" {
		return Selector{}, errors.ErrMissingSelector
	}
	key, params, _ := strings.Cut(s, "?")
	k, err := New(key)
	if err != nil {
		return Selector{}, err
	}
	return Selector{KeyExpr: k, Parameters: Parameters(params)}, nil
}

// String renders the selector back to text.
func (s Selector) String() string {
	if s.Parameters == "" {
		return string(s.KeyExpr)
	}
	return string(s.KeyExpr) + "?" + string(s.Parameters)
}

// Parameters is the raw ";"-separated parameter string of a selector.
type Parameters string

// Get returns the value of key and whether it was present. A key without "="
// is present with an empty value.
func (p Parameters) Get(key string) (string, bool) {
	for _, part := range strings.Split(string(p), ";") {
		k, v, _ := strings.Cut(part, "=")
		if k == key && k != "" {
			return v, true
		}
	}
	return "", false
}

// Map returns all parameters. Later duplicates win.
func (p Parameters) Map() map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(string(p), ";") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// ParametersFrom renders m in key order.
func ParametersFrom(m map[string]string) Parameters {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if m[k] == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+"="+m[k])
	}
	return Parameters(strings.Join(parts, ";"))
}

// String returns the raw parameter string.
func (p Parameters) String() string {
	return string(p)
}
