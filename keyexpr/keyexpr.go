// Package keyexpr validates and matches hierarchical key expressions such as
// "demo/ping", "sensors/*/temp" and "demo/**".
//
// A key expression is a non-empty list of "/"-separated chunks. The chunk "*" matches
// exactly one chunk; the chunk "**" matches zero or more chunks.
package keyexpr

import (
	"fmt"
	"strings"

	"github.com/c360/keybridge/errors"
)

const (
	// Separator joins chunks.
	Separator = "/"
	// Star matches exactly one chunk.
	Star = "*"
	// DoubleStar matches zero or more chunks.
	DoubleStar = "**"
)

// KeyExpr is a validated key expression.
type KeyExpr string

// New validates s and returns it as a KeyExpr.
func New(s string) (KeyExpr, error) {
	if err := Validate(s); err != nil {
		return "", err
	}
	return KeyExpr(s), nil
}

// MustNew is New for constants; it panics on invalid input.
func MustNew(s string) KeyExpr {
	k, err := New(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Validate reports why s is not a key expression, or nil.
func Validate(s string) error {
	if s == "" {
		return invalid(s, "empty")
	}
	if strings.HasPrefix(s, Separator) || strings.HasSuffix(s, Separator) {
		return invalid(s, "leading or trailing separator")
	}
	if i := strings.IndexAny(s, "#?$"); i >= 0 {
		return invalid(s, fmt.Sprintf("reserved character %q", s[i]))
	}
	prevDouble := false
	for _, chunk := range strings.Split(s, Separator) {
		switch {
		case chunk == "":
			return invalid(s, "empty chunk")
		case chunk == DoubleStar:
			if prevDouble {
				return invalid(s, `consecutive "**" chunks`)
			}
			prevDouble = true
			continue
		case chunk == Star:
		case strings.Contains(chunk, Star):
			return invalid(s, fmt.Sprintf("wildcard inside chunk %q", chunk))
		}
		prevDouble = false
	}
	return nil
}

func invalid(s, reason string) error {
	return fmt.Errorf("%w %q: %s", errors.ErrInvalidKeyExpr, s, reason)
}

// String returns the expression text.
func (k KeyExpr) String() string {
	return string(k)
}

// Chunks splits the expression on the separator.
func (k KeyExpr) Chunks() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), Separator)
}

// IsWild reports whether the expression contains a wildcard chunk.
func (k KeyExpr) IsWild() bool {
	for _, c := range k.Chunks() {
		if c == Star || c == DoubleStar {
			return true
		}
	}
	return false
}

// Intersects reports whether some concrete key matches both k and other.
func (k KeyExpr) Intersects(other KeyExpr) bool {
	return Intersects(k, other)
}

// Includes reports whether every key matched by other is also matched by k.
func (k KeyExpr) Includes(other KeyExpr) bool {
	return Includes(k, other)
}

// Join appends suffix chunks to k.
func (k KeyExpr) Join(suffix string) (KeyExpr, error) {
	return New(string(k) + Separator + suffix)
}

type pair struct{ i, j int }

// Intersects reports whether a and b have at least one concrete key in common.
// Wildcards are honoured on both sides.
func Intersects(a, b KeyExpr) bool {
	if a == b {
		return true
	}
	ac, bc := a.Chunks(), b.Chunks()
	memo := make(map[pair]bool)
	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		p := pair{i, j}
		if v, ok := memo[p]; ok {
			return v
		}
		var r bool
		switch {
		case i == len(ac) && j == len(bc):
			r = true
		case i == len(ac):
			r = bc[j] == DoubleStar && walk(i, j+1)
		case j == len(bc):
			r = ac[i] == DoubleStar && walk(i+1, j)
		case ac[i] == DoubleStar:
			r = walk(i+1, j) || walk(i, j+1)
		case bc[j] == DoubleStar:
			r = walk(i, j+1) || walk(i+1, j)
		default:
			r = chunkIntersects(ac[i], bc[j]) && walk(i+1, j+1)
		}
		memo[p] = r
		return r
	}
	return walk(0, 0)
}

func chunkIntersects(a, b string) bool {
	return a == Star || b == Star || a == b
}

// Includes reports whether a matches every key that b matches.
func Includes(a, b KeyExpr) bool {
	if a == b {
		return true
	}
	ac, bc := a.Chunks(), b.Chunks()
	memo := make(map[pair]bool)
	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		p := pair{i, j}
		if v, ok := memo[p]; ok {
			return v
		}
		var r bool
		switch {
		case j == len(bc):
			r = i == len(ac) || (ac[i] == DoubleStar && walk(i+1, j))
		case i == len(ac):
			r = false
		case ac[i] == DoubleStar:
			r = walk(i+1, j) || walk(i, j+1)
		case bc[j] == DoubleStar:
			r = false
		case ac[i] == Star:
			r = walk(i+1, j+1)
		default:
			r = ac[i] == bc[j] && walk(i+1, j+1)
		}
		memo[p] = r
		return r
	}
	return walk(0, 0)
}
