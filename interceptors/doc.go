// Package interceptors wraps bus handlers with cross-cutting concerns.
//
// An InterceptorChain turns a messaging.Handler into another one that passes
// each delivery through the interceptors in the order they were added:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewFilteringInterceptor(interceptors.NewHeaderFilter("Tenant", "acme")))
//	conn.Subscribe(ctx, "billing", chain.Wrap(handle))
//
// Built-in interceptors:
//   - RecoveryInterceptor keeps a panicking handler from killing the worker
//   - LoggingInterceptor logs every delivery with its handling time
//   - FilteringInterceptor drops deliveries a MessageFilter rejects
//   - DuplicateDetectionInterceptor drops redelivered Message-Ids
package interceptors
