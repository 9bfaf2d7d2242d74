// Package messaging provides the broker-agnostic message bus.
//
// This package implements:
//   - Connection: the facade used by producers and consumers (Publish, Bind, Subscribe, Close)
//   - Namespace resolution: "namespace:topic" addresses are resolved through a ContextProvider
//     and cached for the lifetime of the Connection
//   - Registry: the ordered table of backend factories; the first factory that supports an
//     endpoint type wins
//   - Consumer group fan-out: one logical group may bind sources on several endpoints and
//     receives every delivery through a single Handler
//   - Executor: the worker pool deliveries are dispatched on
//   - MessageDispatcher: routes the deliveries of one group to handlers by source pattern
//
// Backends live under transports/ and implement EndpointConnectionFactory.
//
// Example usage:
//
//	registry := messaging.NewRegistry(rabbitmq.NewFactory(), memory.NewFactory())
//	conn, err := messaging.NewConnection(provider, registry)
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	err = conn.Bind("billing", "orders:order.created")
//	err = conn.Subscribe(ctx, "billing", func(source string, headers contracts.Headers, payload []byte) {
//		// handle delivery
//	})
//	err = conn.Publish(ctx, "orders:order.created", contracts.Headers{}, payload)
package messaging
