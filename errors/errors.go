package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells a caller what to do with an error: retry it, fix the
// input, or give up.
type ErrorClass int

// Error classes.
const (
	ErrorTransient ErrorClass = iota
	ErrorInvalid
	ErrorFatal
)

var classNames = [...]string{
	ErrorTransient: "transient",
	ErrorInvalid:   "invalid",
	ErrorFatal:     "fatal",
}

func (ec ErrorClass) String() string {
	if ec < 0 || int(ec) >= len(classNames) {
		return "unknown"
	}
	return classNames[ec]
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrSessionClosed     = errors.New("session closed")
	ErrHostUnsupported   = errors.New("host environment lacks transport support")

	// Configuration errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingConfig   = errors.New("missing required configuration")
	ErrMissingSession  = errors.New("no session configuration provided")
	ErrMissingKeyExpr  = errors.New("no key expression provided")
	ErrMissingSelector = errors.New("no selector provided")
	ErrMissingPayload  = errors.New("no payload provided")
	ErrMissingQueryID  = errors.New("no query id in message")
	ErrInvalidKeyExpr  = errors.New("invalid key expression")

	// Correlation errors
	ErrQueryNotFound = errors.New("query not found or already finalized")
	ErrQueryErrored  = errors.New("query already answered with an error")

	// Data errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	// Resource errors
	ErrRateLimited       = errors.New("rate limited")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrCircuitOpen       = errors.New("circuit breaker open")
)

// ClassifiedError carries a class and the component and operation that
// produced it. Message is the rendered text; Err stays matchable.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// UnsupportedHostError reports a locator the running binary cannot serve. It
// carries enough detail for an operator to fix the deployment instead of
// chasing a generic dial failure.
type UnsupportedHostError struct {
	Locator   string
	Scheme    string
	Supported []string
	Hint      string
	Err       error
}

// Error renders the diagnostic, including the remediation hint.
func (e *UnsupportedHostError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no transport available for locator %q", e.Locator)
	if e.Scheme != "" {
		fmt.Fprintf(&b, " (scheme %q)", e.Scheme)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Supported) > 0 {
		fmt.Fprintf(&b, "\n\nSupported locator schemes: %s", strings.Join(e.Supported, ", "))
	}
	if e.Hint != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Hint)
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *UnsupportedHostError) Unwrap() error {
	return e.Err
}

// Is reports ErrHostUnsupported so callers can match with errors.Is.
func (e *UnsupportedHostError) Is(target error) bool {
	return target == ErrHostUnsupported
}

// IsHostUnsupported checks whether err means the host cannot run the requested transport
func IsHostUnsupported(err error) bool {
	return err != nil && errors.Is(err, ErrHostUnsupported)
}

// IsCorrelation checks whether err refers to an unknown or finalized query handle,
// or to an action the handle's state no longer allows
func IsCorrelation(err error) bool {
	return err != nil && (errors.Is(err, ErrQueryNotFound) || errors.Is(err, ErrQueryErrored))
}

// Unclassified errors are recognised by sentinel first and by wording last.
var (
	transientSentinels = []error{
		ErrConnectionTimeout, ErrConnectionLost, ErrNoConnection, ErrRateLimited,
		ErrCircuitOpen, context.DeadlineExceeded, context.Canceled,
	}
	fatalSentinels   = []error{ErrHostUnsupported, ErrSessionClosed, ErrResourceExhausted}
	invalidSentinels = []error{
		ErrInvalidConfig, ErrMissingConfig, ErrMissingSession, ErrMissingKeyExpr,
		ErrMissingSelector, ErrMissingPayload, ErrMissingQueryID, ErrInvalidKeyExpr,
		ErrQueryNotFound, ErrQueryErrored, ErrInvalidData, ErrParsingFailed,
	}

	transientWords = []string{"timeout", "connection", "network", "temporary", "unavailable", "refused", "retry"}
	fatalWords     = []string{"fatal", "panic", "out of memory"}
)

// classOf returns the class of the outermost ClassifiedError in err's chain.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func mentionsAny(err error, words []string) bool {
	msg := strings.ToLower(err.Error())
	for _, w := range words {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// IsTransient reports whether retrying err may succeed. A classified error
// answers for itself; otherwise known sentinels, then the wording, decide.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	if matchesAny(err, transientSentinels) {
		return true
	}
	if IsFatal(err) || IsInvalid(err) {
		return false
	}
	return mentionsAny(err, transientWords)
}

// IsFatal reports whether err should stop processing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return matchesAny(err, fatalSentinels) || mentionsAny(err, fatalWords)
}

// IsInvalid reports whether err was caused by bad input or configuration.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return matchesAny(err, invalidSentinels)
}

// Classify returns the class of err. Anything neither fatal nor invalid,
// nil included, counts as transient.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Wrap adds context in the form "component.method: action failed: cause".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err like Wrap and marks it retryable.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err like Wrap and marks it unrecoverable.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err like Wrap and marks it as a caller mistake.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
