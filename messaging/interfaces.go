package messaging

import (
	"context"
	"log/slog"

	"github.com/pocat-io/messagebus/contracts"
)

// Handler receives every delivery of a subscribed consumer group
type Handler func(source string, headers contracts.Headers, payload []byte)

// ContextProvider supplies descriptors by name
type ContextProvider interface {
	// NamespaceContext returns the namespace descriptor or an error wrapping ErrUnknownNamespace
	NamespaceContext(name string) (*contracts.NamespaceDescriptor, error)

	// EndpointContext returns the endpoint descriptor or an error wrapping ErrUnknownEndpoint
	EndpointContext(name string) (*contracts.EndpointDescriptor, error)
}

// Publisher sends messages through one endpoint
type Publisher interface {
	// Publish sends payload to the destination
	Publish(ctx context.Context, dest Destination, headers contracts.Headers, payload []byte) error

	// Close releases the publisher's broker resources
	Close() error
}

// EndpointConsumerGroup is the broker-specific consumer for one group on one endpoint
type EndpointConsumerGroup interface {
	// Bind adds a source routed through this endpoint
	Bind(ctx context.Context, source MessageSource) error

	// Subscribe starts delivery of every bound source. It must not block on delivery.
	Subscribe(ctx context.Context, handler Handler) error

	// Close stops delivery and releases broker resources
	Close() error
}

// EndpointConnection is a live connection to one configured broker endpoint
type EndpointConnection interface {
	// Name returns the endpoint name used in logs
	Name() string

	// CreatePublisher creates a publisher using this endpoint's publisher-role resources
	CreatePublisher(ctx context.Context) (Publisher, error)

	// CreateConsumerGroup creates the physical consumer group for groupName on this endpoint.
	// Deliveries are dispatched on executor.
	CreateConsumerGroup(ctx context.Context, groupName string, executor Executor) (EndpointConsumerGroup, error)

	// Close releases the endpoint's pools
	Close() error
}

// EndpointConnectionFactory turns endpoint descriptors into live connections
type EndpointConnectionFactory interface {
	// IsSupportedEndpointType reports whether the factory handles the endpoint type
	IsSupportedEndpointType(endpointType string) bool

	// NewEndpointConnection creates a connection for the descriptor. Unknown
	// properties are ignored.
	NewEndpointConnection(desc *contracts.EndpointDescriptor, logger *slog.Logger) (EndpointConnection, error)
}
