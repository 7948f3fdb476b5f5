// Package reliability provides the backoff and retry primitives used by the
// connection and consume recovery loops.
//
// This package implements:
//   - Backoff Policies: exponential (doubling, capped), linear, and fixed delay
//   - Retry: a helper that runs a function under a policy with context cancellation
//
// Key properties:
//   - Policies are pure and stateless; the attempt counter lives on the
//     caller's stack, never in shared state
//   - An attempt ceiling of 0 means retry without bound
//
// Example usage:
//
//	policy := reliability.DefaultConnectBackoff()
//	err := reliability.Retry(ctx, policy, func() error {
//	    return dialBroker()
//	})
package reliability
