// Package health tracks the health of bridge components.
//
// Responders and subscribers run receive loops that are not tied to any caller, so
// their failures cannot be returned as errors. They publish them instead to a
// Monitor, which the gateway aggregates on /health:
//
//	monitor.Update(name, health.FromError(name, err))
//	monitor.UpdateHealthy(name, "waiting for queries")
//
// Messages pass through Sanitize before publication so endpoint addresses, file
// paths and credentials do not leak to status consumers.
package health
