package health

import (
	"regexp"
	"strings"
	"time"
)

// Status states.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status is the health of one component, or of a group when SubStatuses is set.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are the counters a component attaches to its status.
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// NewHealthy returns a healthy status stamped now.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy returns an unhealthy status stamped now.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded returns a degraded status stamped now.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// FromError is healthy for a nil err and otherwise unhealthy with the
// sanitized error text.
func FromError(name string, err error) Status {
	if err == nil {
		return NewHealthy(name, "ok")
	}
	return NewUnhealthy(name, Sanitize(err.Error()))
}

func (s Status) IsHealthy() bool   { return s.Status == StateHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StateDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// redactions run in order; endpoints go first so their hosts and ports are
// not half rewritten by the later rules.
var redactions = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)\b(?:https?|nats|tls|wss?)://[^\s"]+`), "[URL]"},
	{regexp.MustCompile(`(?i)\b(?:tcp|udp|tls|quic|unixsock-stream)/[^\s"]+`), "[URL]"},
	{regexp.MustCompile(`(^|[\s"'(=])/[a-zA-Z0-9_.-]+(?:/[a-zA-Z0-9_.-]+)*`), "${1}[PATH]"},
	{regexp.MustCompile(`[A-Z]:\\[^:\s]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

var (
	secretWords = []string{"password", "token", "secret", "credential"}
	secretRe    = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Sanitize strips endpoints, file paths, addresses and credentials from an
// error message before it is published. Key expressions such as demo/** are
// relative and survive.
func Sanitize(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.with)
	}
	lower := strings.ToLower(msg)
	for _, w := range secretWords {
		if strings.Contains(lower, w) {
			return secretRe.ReplaceAllString(msg, "[REDACTED]")
		}
	}
	return msg
}
