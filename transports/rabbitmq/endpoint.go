package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/internal/rabbitmq"
	"github.com/pocat-io/messagebus/messaging"
)

var _ messaging.EndpointConnection = (*EndpointConnection)(nil)

// EndpointConnection is one configured RabbitMQ endpoint
type EndpointConnection struct {
	name     string
	settings Settings
	factory  *Factory
	key      rabbitmq.PoolKey
	pubPool  *rabbitmq.ConnectionPool
	conPool  *rabbitmq.ConnectionPool
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Name returns the endpoint name
func (e *EndpointConnection) Name() string {
	return e.name
}

// Settings returns the resolved connection parameters
func (e *EndpointConnection) Settings() Settings {
	return e.settings
}

// Pools returns the publisher and consumer pools
func (e *EndpointConnection) Pools() (publisher, consumer *rabbitmq.ConnectionPool) {
	return e.pubPool, e.conPool
}

// CreatePublisher creates a publisher on the publisher-role pool
func (e *EndpointConnection) CreatePublisher(ctx context.Context) (messaging.Publisher, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return &publisher{
		endpoint: e.name,
		pub: rabbitmq.NewPublisher(e.pubPool,
			rabbitmq.WithConfirmMode(e.settings.Confirm),
			rabbitmq.WithPublisherLogger(e.logger)),
	}, nil
}

// CreateConsumerGroup creates the group's consumer on the consumer-role pool
func (e *EndpointConnection) CreateConsumerGroup(ctx context.Context, groupName string, executor messaging.Executor) (messaging.EndpointConsumerGroup, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return &consumerGroup{
		endpoint: e.name,
		group: rabbitmq.NewConsumerGroup(groupName, e.conPool, executor,
			rabbitmq.WithPrefetch(e.settings.Prefetch),
			rabbitmq.WithConsumerLogger(e.logger)),
	}, nil
}

func (e *EndpointConnection) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return contracts.ErrAlreadyClosed
	}
	return nil
}

// Close releases both pools. A pool shared with another endpoint stays open.
func (e *EndpointConnection) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	return errors.Join(
		e.factory.publisher.Release(e.key),
		e.factory.consumer.Release(e.key),
	)
}

type publisher struct {
	endpoint string
	pub      *rabbitmq.Publisher
}

// Publish routes the message through the namespace exchange with the topic as routing key
func (p *publisher) Publish(ctx context.Context, dest messaging.Destination, headers contracts.Headers, payload []byte) error {
	return p.pub.Publish(ctx, ExchangeFor(dest.Namespace), dest.Topic, rabbitmq.ToPublishing(headers, payload))
}

func (p *publisher) Close() error {
	return p.pub.Close()
}

type consumerGroup struct {
	endpoint string
	group    *rabbitmq.ConsumerGroup
}

func (g *consumerGroup) Bind(ctx context.Context, source messaging.MessageSource) error {
	return g.group.Bind(rabbitmq.GroupBinding{
		Namespace:  source.Namespace.Name(),
		Exchange:   ExchangeFor(source.Namespace),
		RoutingKey: source.Topic,
	})
}

func (g *consumerGroup) Subscribe(ctx context.Context, handler messaging.Handler) error {
	return g.group.Subscribe(ctx, func(source string, d amqp.Delivery) {
		handler(source, rabbitmq.FromDelivery(d), d.Body)
	})
}

func (g *consumerGroup) Close() error {
	return g.group.Close()
}
