package natsclient

import (
	"fmt"
	"strings"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/keyexpr"
)

// DefaultSubjectPrefix roots every subject the runtime uses.
const DefaultSubjectPrefix = "keybridge"

// querySuffix separates the query namespace from the data namespace.
const querySuffix = "_q"

var (
	chunkEscaper = strings.NewReplacer(
		"%", "%25",
		".", "%2E",
		" ", "%20",
		"\t", "%09",
		"\r", "%0D",
		"\n", "%0A",
		">", "%3E",
	)
	chunkUnescaper = strings.NewReplacer(
		"%2E", ".",
		"%20", " ",
		"%09", "\t",
		"%0D", "\r",
		"%0A", "\n",
		"%3E", ">",
		"%25", "%",
	)
)

// subjects maps key expressions onto NATS subjects under a prefix. Data uses
// "<prefix>.<chunks>"; queries use "<prefix>_q.<chunks>", and queries with a
// wildcard selector go to the bare "<prefix>_q" subject every responder listens on.
type subjects struct {
	data  string
	query string
}

func newSubjects(prefix string) (subjects, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	for _, tok := range strings.Split(prefix, ".") {
		if tok == "" || strings.ContainsAny(tok, "*> \t\r\n") {
			return subjects{}, errors.WrapInvalid(
				fmt.Errorf("%w: subject prefix %q", errors.ErrInvalidConfig, prefix),
				"natsclient", "newSubjects", "validate prefix")
		}
	}
	return subjects{data: prefix, query: prefix + querySuffix}, nil
}

func escapeChunk(c string) string {
	return chunkEscaper.Replace(c)
}

func unescapeChunk(c string) string {
	return chunkUnescaper.Replace(c)
}

func join(root string, chunks []string) string {
	var b strings.Builder
	b.WriteString(root)
	for _, c := range chunks {
		b.WriteByte('.')
		b.WriteString(c)
	}
	return b.String()
}

func concrete(root string, key keyexpr.KeyExpr) (string, error) {
	if key.IsWild() {
		return "", fmt.Errorf("%w %q: a concrete key is required", errors.ErrInvalidKeyExpr, key)
	}
	chunks := key.Chunks()
	for i, c := range chunks {
		chunks[i] = escapeChunk(c)
	}
	return join(root, chunks), nil
}

// filters returns the NATS subscriptions covering key under root, and whether
// NATS matching alone is exact. "**" matches zero or more chunks, so a trailing
// "**" needs both the parent subject and the parent's ">" subtree; an inner
// "**" widens to ">" and must be checked client side.
func filters(root string, key keyexpr.KeyExpr) ([]string, bool) {
	chunks := key.Chunks()
	tokens := make([]string, 0, len(chunks))
	for i, c := range chunks {
		switch c {
		case "*":
			tokens = append(tokens, "*")
		case "**":
			wide := join(root, append(tokens, ">"))
			if i < len(chunks)-1 {
				return []string{wide}, false
			}
			if len(tokens) == 0 {
				return []string{wide}, true
			}
			return []string{join(root, tokens), wide}, true
		default:
			tokens = append(tokens, escapeChunk(c))
		}
	}
	return []string{join(root, tokens)}, true
}

// DataSubject returns the subject a put on key is published to.
func (s subjects) DataSubject(key keyexpr.KeyExpr) (string, error) {
	return concrete(s.data, key)
}

// DataFilters returns the subscriptions a subscriber on key needs.
func (s subjects) DataFilters(key keyexpr.KeyExpr) ([]string, bool) {
	return filters(s.data, key)
}

// QuerySubject returns the subject a query on key is sent to.
func (s subjects) QuerySubject(key keyexpr.KeyExpr) string {
	if key.IsWild() {
		return s.query
	}
	subject, _ := concrete(s.query, key)
	return subject
}

// QueryFilters returns the subscriptions a queryable on key needs, including the
// broadcast subject wildcard queries arrive on.
func (s subjects) QueryFilters(key keyexpr.KeyExpr) []string {
	f, _ := filters(s.query, key)
	return append(f, s.query)
}

// KeyFromSubject recovers the key expression encoded in a data subject.
func (s subjects) KeyFromSubject(subject string) (keyexpr.KeyExpr, error) {
	rest, ok := strings.CutPrefix(subject, s.data+".")
	if !ok {
		return "", fmt.Errorf("%w: subject %q outside prefix %q", errors.ErrInvalidKeyExpr, subject, s.data)
	}
	tokens := strings.Split(rest, ".")
	for i, t := range tokens {
		tokens[i] = unescapeChunk(t)
	}
	return keyexpr.New(strings.Join(tokens, "/"))
}
