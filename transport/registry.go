package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/keybridge/errors"
)

// Registry routes locators to openers by scheme. It is itself an Opener.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]Opener)}
}

// Register binds schemes to an opener. Later registrations replace earlier ones.
func (r *Registry) Register(o Opener, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.openers[strings.ToLower(s)] = o
	}
}

// Schemes lists registered schemes in order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.openers))
	for s := range r.openers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open dispatches to the opener registered for the locator scheme. A locator with
// no registered runtime yields an *errors.UnsupportedHostError.
func (r *Registry) Open(ctx context.Context, locator string) (Session, error) {
	scheme := Scheme(locator)
	r.mu.RLock()
	o, ok := r.openers[scheme]
	r.mu.RUnlock()
	if !ok {
		supported := r.Schemes()
		return nil, &errors.UnsupportedHostError{
			Locator:   locator,
			Scheme:    scheme,
			Supported: supported,
			Hint: fmt.Sprintf("This keybridge build has no runtime for %q locators.\n"+
				"Point the session at a supported endpoint (for example nats://127.0.0.1:4222),\n"+
				"or run a build that registers a runtime for this scheme.", scheme),
		}
	}
	return o.Open(ctx, locator)
}

// Scheme extracts the scheme of a locator: "nats://h:4222" and "tcp/h:7447"
// yield "nats" and "tcp".
func Scheme(locator string) string {
	l := strings.TrimSpace(locator)
	if i := strings.Index(l, "://"); i > 0 {
		return strings.ToLower(l[:i])
	}
	if i := strings.IndexByte(l, '/'); i > 0 {
		return strings.ToLower(l[:i])
	}
	return strings.ToLower(l)
}
