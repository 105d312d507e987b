package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	for class, want := range map[ErrorClass]string{
		ErrorTransient: "transient",
		ErrorInvalid:   "invalid",
		ErrorFatal:     "fatal",
		ErrorClass(-1): "unknown",
		ErrorClass(7):  "unknown",
	} {
		if got := class.String(); got != want {
			t.Errorf("ErrorClass(%d).String() = %q, want %q", int(class), got, want)
		}
	}
}

// TestClassification checks every predicate against one error at a time so
// the precedence between sentinels, classes and wording stays visible.
func TestClassification(t *testing.T) {
	tests := []struct {
		name                      string
		err                       error
		transient, invalid, fatal bool
		class                     ErrorClass
	}{
		{name: "nil", err: nil, class: ErrorTransient},
		{name: "deadline", err: context.DeadlineExceeded, transient: true, class: ErrorTransient},
		{name: "cancelled", err: fmt.Errorf("get: %w", context.Canceled), transient: true, class: ErrorTransient},
		{name: "no connection", err: ErrNoConnection, transient: true, class: ErrorTransient},
		{name: "rate limited", err: ErrRateLimited, transient: true, class: ErrorTransient},
		{name: "circuit open", err: fmt.Errorf("%w, retry in 1s", ErrCircuitOpen), transient: true, class: ErrorTransient},
		{name: "refused wording", err: errors.New("dial tcp: connection refused"), transient: true, class: ErrorTransient},
		{name: "unknown wording", err: errors.New("odd"), class: ErrorTransient},
		{name: "session closed", err: ErrSessionClosed, fatal: true, class: ErrorFatal},
		{name: "exhausted", err: fmt.Errorf("pending table: %w", ErrResourceExhausted), fatal: true, class: ErrorFatal},
		{name: "host unsupported", err: &UnsupportedHostError{Locator: "udp/x"}, fatal: true, class: ErrorFatal},
		{name: "panic wording", err: errors.New("handler panic: nil map"), fatal: true, class: ErrorFatal},
		{name: "missing key", err: ErrMissingKeyExpr, invalid: true, class: ErrorInvalid},
		{name: "bad key", err: fmt.Errorf("demo/**x: %w", ErrInvalidKeyExpr), invalid: true, class: ErrorInvalid},
		{name: "query not found", err: ErrQueryNotFound, invalid: true, class: ErrorInvalid},
		{name: "invalid config mentioning timeout", err: fmt.Errorf("connect timeout: %w", ErrInvalidConfig), invalid: true, class: ErrorInvalid},
		{name: "classified transient over fatal sentinel", err: WrapTransient(ErrSessionClosed, "Manager", "Get", "reopen"), transient: true, class: ErrorTransient},
		{name: "classified invalid over wording", err: WrapInvalid(errors.New("connection string"), "config", "Validate", "parse"), invalid: true, class: ErrorInvalid},
		{name: "classified fatal", err: WrapFatal(errors.New("bad cert"), "gateway", "NewServer", "load TLS"), fatal: true, class: ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			if got := IsInvalid(tt.err); got != tt.invalid {
				t.Errorf("IsInvalid = %v, want %v", got, tt.invalid)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal = %v, want %v", got, tt.fatal)
			}
			if got := Classify(tt.err); got != tt.class {
				t.Errorf("Classify = %v, want %v", got, tt.class)
			}
		})
	}
}

func TestUnsupportedHostError(t *testing.T) {
	err := &UnsupportedHostError{
		Locator:   "udp/10.0.0.1:7447",
		Scheme:    "udp",
		Supported: []string{"nats", "mem"},
		Hint:      "Register a runtime for this scheme.",
	}

	msg := err.Error()
	for _, want := range []string{"udp/10.0.0.1:7447", `"udp"`, "nats, mem", "Register a runtime"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should contain %q", msg, want)
		}
	}

	wrapped := WrapFatal(err, "session", "Get", "open")
	if !IsHostUnsupported(wrapped) {
		t.Error("wrapped host error should remain distinguishable")
	}
	var he *UnsupportedHostError
	if !errors.As(wrapped, &he) || he.Scheme != "udp" {
		t.Error("errors.As should recover the typed host error")
	}
	if IsHostUnsupported(ErrConnectionTimeout) {
		t.Error("connection timeout is not a host error")
	}
}

func TestIsCorrelation(t *testing.T) {
	if !IsCorrelation(WrapInvalid(ErrQueryNotFound, "queryable", "Respond", "lookup")) {
		t.Error("wrapped query-not-found should be a correlation error")
	}
	if !IsCorrelation(ErrQueryErrored) {
		t.Error("expected ErrQueryErrored to be a correlation error")
	}
	if IsCorrelation(ErrMissingQueryID) {
		t.Error("missing query id is a configuration error, not a correlation error")
	}
	if IsCorrelation(nil) {
		t.Error("nil is not a correlation error")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "Manager", "Get", "open") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}

	err := Wrap(ErrNoConnection, "Manager", "Get", "open")
	if want := "Manager.Get: open failed: no connection available"; err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrNoConnection) {
		t.Error("Wrap should keep the cause matchable")
	}
}

func TestWrapClassified(t *testing.T) {
	wrappers := map[ErrorClass]func(error, string, string, string) error{
		ErrorTransient: WrapTransient,
		ErrorInvalid:   WrapInvalid,
		ErrorFatal:     WrapFatal,
	}

	for class, wrap := range wrappers {
		t.Run(class.String(), func(t *testing.T) {
			if wrap(nil, "Engine", "Query", "send") != nil {
				t.Fatal("wrapping nil should give nil")
			}

			err := wrap(ErrMissingSelector, "Engine", "Query", "resolve selector")
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ClassifiedError, got %T", err)
			}
			if ce.Class != class || ce.Component != "Engine" || ce.Operation != "Query" {
				t.Errorf("unexpected fields: %+v", ce)
			}
			if !strings.HasPrefix(err.Error(), "Engine.Query: resolve selector failed: ") {
				t.Errorf("unexpected message %q", err.Error())
			}
			if !errors.Is(err, ErrMissingSelector) {
				t.Error("classified error should unwrap to its cause")
			}
			if Classify(err) != class {
				t.Errorf("Classify = %v, want %v", Classify(err), class)
			}
		})
	}
}

func TestClassifiedError_MessageFallback(t *testing.T) {
	ce := &ClassifiedError{Class: ErrorInvalid, Err: ErrMissingPayload}
	if ce.Error() != ErrMissingPayload.Error() {
		t.Errorf("empty Message should fall back to the cause, got %q", ce.Error())
	}
}

func BenchmarkClassify(b *testing.B) {
	err := fmt.Errorf("put demo/a: %w", errors.New("nats: connection closed"))
	for b.Loop() {
		_ = Classify(err)
	}
}
