// Package retry provides exponential backoff for transient failures.
//
// The binary uses it to warm up sessions before starting the pipeline: a broker
// that is still booting produces transient connection errors worth waiting for,
// while a malformed locator or an unsupported host scheme is reported at once.
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    _, err := manager.Get(ctx)
//	    return err
//	})
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 50ms-1s delay
//   - Persistent(): 30 attempts, 200ms-10s delay
//
// Do stops early when the error is wrapped with NonRetryable or classified as
// Invalid or Fatal by the errors package. Errors without a class are retried.
package retry
