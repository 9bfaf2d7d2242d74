// Package rabbitmq is the AMQP 0-9-1 backend of the message bus.
//
// Endpoint descriptors of type "rabbitmq" or "amqp" become endpoint
// connections holding two pools: one for publishers and one for consumer
// groups. Pools with equal URL and limits are shared between endpoints of the
// same factory and closed with their last endpoint.
package rabbitmq

import (
	"log/slog"
	"strings"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/internal/rabbitmq"
	"github.com/pocat-io/messagebus/messaging"
)

// Traffic roles
const (
	RolePublisher = "publisher"
	RoleConsumer  = "consumer"
)

var _ messaging.EndpointConnectionFactory = (*Factory)(nil)

// Factory creates RabbitMQ endpoint connections
type Factory struct {
	dial      rabbitmq.Dialer
	logger    *slog.Logger
	publisher *rabbitmq.PoolRegistry
	consumer  *rabbitmq.PoolRegistry
}

// FactoryOption configures the factory
type FactoryOption func(*Factory)

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.Dialer) FactoryOption {
	return func(f *Factory) {
		if dial != nil {
			f.dial = dial
		}
	}
}

// WithLogger sets the logger used by the factory's pools
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFactory creates a RabbitMQ backend factory
func NewFactory(options ...FactoryOption) *Factory {
	f := &Factory{
		dial:   rabbitmq.DialAMQP,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(f)
	}
	f.publisher = rabbitmq.NewPoolRegistry(RolePublisher, f.dial, f.logger)
	f.consumer = rabbitmq.NewPoolRegistry(RoleConsumer, f.dial, f.logger)
	return f
}

// IsSupportedEndpointType handles "rabbitmq" and "amqp"
func (f *Factory) IsSupportedEndpointType(endpointType string) bool {
	return strings.EqualFold(endpointType, "rabbitmq") || strings.EqualFold(endpointType, "amqp")
}

// NewEndpointConnection resolves the descriptor's connection parameters and
// leases the publisher and consumer pools. Nothing is dialed until first use.
func (f *Factory) NewEndpointConnection(desc *contracts.EndpointDescriptor, logger *slog.Logger) (messaging.EndpointConnection, error) {
	settings, err := ParseSettings(desc.Properties)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = f.logger
	}

	key := settings.poolKey()
	e := &EndpointConnection{
		name:     desc.Name,
		settings: settings,
		factory:  f,
		key:      key,
		pubPool:  f.publisher.Acquire(key),
		conPool:  f.consumer.Acquire(key),
		logger:   logger.With("endpoint", desc.Name, "url", rabbitmq.SanitizeURL(settings.URL)),
	}
	e.logger.Debug("rabbitmq endpoint created",
		"maxConnections", settings.MaxConnections,
		"maxSessions", settings.MaxSessions)
	return e, nil
}

// OpenPools returns how many publisher and consumer pools are open
func (f *Factory) OpenPools() (publisher, consumer int) {
	return f.publisher.Len(), f.consumer.Len()
}
