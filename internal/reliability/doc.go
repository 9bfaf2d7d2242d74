// Package reliability provides caller-side protection for request paths.
//
// The message bus itself never retries. Components that issue requests on
// behalf of a caller (the correlation bridge, consumer recovery) use:
//   - CircuitBreaker: stops calling a failing broker until a cool-down passes
//   - RetryPolicy: exponential backoff or fixed delay between attempts
//
// Configuration and usage errors are never retried.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//	err := cb.Execute(ctx, func() error {
//	    return conn.Publish(ctx, "orders:order.created", headers, payload)
//	})
package reliability
