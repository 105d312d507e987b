package natsclient

import (
	"sync"
	"time"
)

// Circuit breaker defaults.
const (
	DefaultBreakerThreshold  = 5
	DefaultBreakerMaxBackoff = time.Minute

	initialBreakerBackoff = time.Second
)

// breaker fails connects fast for a server URL that keeps refusing them.
// After threshold consecutive failures the circuit opens for a backoff. Once
// it elapses one probe is let through; a failed probe reopens the circuit
// with the backoff doubled, up to maxBackoff. A success closes it.
type breaker struct {
	threshold  int
	maxBackoff time.Duration
	now        func() time.Time

	mu    sync.Mutex
	hosts map[string]*circuit
}

type circuit struct {
	failures  int
	backoff   time.Duration
	openUntil time.Time
	tripped   bool // opened at least once since the last success
}

func newBreaker(threshold int, maxBackoff time.Duration) *breaker {
	if maxBackoff < initialBreakerBackoff {
		maxBackoff = DefaultBreakerMaxBackoff
	}
	return &breaker{
		threshold:  threshold,
		maxBackoff: maxBackoff,
		now:        time.Now,
		hosts:      make(map[string]*circuit),
	}
}

// allow reports whether a connect to url may proceed, and otherwise how long
// the circuit stays open. A nil breaker allows everything.
func (b *breaker) allow(url string) (time.Duration, bool) {
	if b == nil || b.threshold < 1 {
		return 0, true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.hosts[url]
	if !ok {
		return 0, true
	}
	if wait := c.openUntil.Sub(b.now()); wait > 0 {
		return wait, false
	}
	return 0, true
}

// failure records a failed connect and reports whether it opened the circuit
// and for how long.
func (b *breaker) failure(url string) (time.Duration, bool) {
	if b == nil || b.threshold < 1 {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.hosts[url]
	if !ok {
		c = &circuit{backoff: initialBreakerBackoff}
		b.hosts[url] = c
	}
	c.failures++
	if !c.tripped && c.failures < b.threshold {
		return 0, false
	}

	open := c.backoff
	c.openUntil = b.now().Add(open)
	c.backoff = min(c.backoff*2, b.maxBackoff)
	c.failures = 0
	c.tripped = true
	return open, true
}

// success closes the circuit for url.
func (b *breaker) success(url string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hosts, url)
}

// failures returns the consecutive failures recorded for url since the
// circuit last opened or closed.
func (b *breaker) failures(url string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.hosts[url]; ok {
		return c.failures
	}
	return 0
}
