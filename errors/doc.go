// Package errors provides standardized error handling patterns for keybridge components.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid (bad input or
// configuration, do not retry) and Fatal (unrecoverable, stop the component). Callers
// classify with IsTransient, IsInvalid, IsFatal or Classify. All helpers walk wrap chains,
// so errors.Is and errors.As keep working after wrapping.
//
// # Bridge taxonomy
//
// The sentinels map onto the failure modes of the bridge:
//
//   - configuration: ErrMissingSession, ErrMissingKeyExpr, ErrMissingSelector,
//     ErrMissingPayload, ErrMissingQueryID, ErrInvalidKeyExpr, ErrInvalidConfig
//   - connection: ErrNoConnection, ErrConnectionTimeout, ErrConnectionLost, ErrSessionClosed
//   - host support: ErrHostUnsupported, reported through *UnsupportedHostError
//   - correlation: ErrQueryNotFound
//
// A host-support failure must stay distinguishable from an ordinary connection failure,
// because retrying it never helps:
//
//	if errors.IsHostUnsupported(err) {
//	    logger.Error("transport not available", "error", err)
//	    return err
//	}
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions attach a class while wrapping:
//
//	errors.WrapTransient(err, "session", "Get", "open")
//	errors.WrapInvalid(err, "query", "Query", "resolve selector")
//	errors.WrapFatal(err, "session", "Get", "open")
//
// Wrap alone adds context without changing the class of the cause.
package errors
