package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

const (
	// PropertyBroker selects the named in-process broker of an endpoint
	PropertyBroker = "memory.broker"
	// PropertyExchange names the exchange a namespace publishes to
	PropertyExchange = "memory.exchange"

	// DefaultBroker is used when an endpoint names no broker
	DefaultBroker = "default"
)

// Compile-time checks
var (
	_ messaging.EndpointConnectionFactory = (*Factory)(nil)
	_ messaging.EndpointConnection        = (*EndpointConnection)(nil)
)

// Factory creates in-process endpoint connections. Endpoints naming the same
// broker share it, so a factory plays the role of one broker process.
type Factory struct {
	mu      sync.Mutex
	brokers map[string]*Broker
	bufSize int
}

// FactoryOption configures a factory
type FactoryOption func(*Factory)

// WithQueueBuffer sets how many messages a queue holds before publishers block
func WithQueueBuffer(size int) FactoryOption {
	return func(f *Factory) {
		if size > 0 {
			f.bufSize = size
		}
	}
}

// NewFactory creates a memory backend factory
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		brokers: make(map[string]*Broker),
		bufSize: 1024,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// IsSupportedEndpointType handles "memory" and "inproc"
func (f *Factory) IsSupportedEndpointType(endpointType string) bool {
	return strings.EqualFold(endpointType, "memory") || strings.EqualFold(endpointType, "inproc")
}

// Broker returns the named broker, creating it on first use
func (f *Factory) Broker(name string) *Broker {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.brokers[name]
	if !ok || b.IsClosed() {
		b = NewBroker(name, f.bufSize)
		f.brokers[name] = b
	}
	return b
}

// NewEndpointConnection binds an endpoint to its named broker
func (f *Factory) NewEndpointConnection(desc *contracts.EndpointDescriptor, logger *slog.Logger) (messaging.EndpointConnection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	broker := f.Broker(desc.Properties.Get(PropertyBroker, DefaultBroker))
	return &EndpointConnection{
		name:   desc.Name,
		broker: broker,
		logger: logger.With("endpoint", desc.Name, "broker", broker.Name()),
	}, nil
}

// Close closes every broker the factory created
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, b := range f.brokers {
		_ = b.Close()
		delete(f.brokers, name)
	}
	return nil
}

// EndpointConnection is a connection to an in-process broker
type EndpointConnection struct {
	name   string
	broker *Broker
	logger *slog.Logger
	closed atomic.Bool
}

// Name returns the endpoint name
func (e *EndpointConnection) Name() string {
	return e.name
}

// Broker returns the broker behind this endpoint
func (e *EndpointConnection) Broker() *Broker {
	return e.broker
}

// CreatePublisher creates a publisher on the broker
func (e *EndpointConnection) CreatePublisher(ctx context.Context) (messaging.Publisher, error) {
	if e.closed.Load() {
		return nil, contracts.ErrAlreadyClosed
	}
	return &publisher{endpoint: e}, nil
}

// CreateConsumerGroup creates the consumer for groupName
func (e *EndpointConnection) CreateConsumerGroup(ctx context.Context, groupName string, executor messaging.Executor) (messaging.EndpointConsumerGroup, error) {
	if e.closed.Load() {
		return nil, contracts.ErrAlreadyClosed
	}
	return &consumerGroup{
		name:     groupName,
		endpoint: e,
		executor: executor,
		logger:   e.logger.With("group", groupName),
		stop:     make(chan struct{}),
	}, nil
}

// Close marks the endpoint closed. The broker is shared and stays open.
func (e *EndpointConnection) Close() error {
	e.closed.Store(true)
	return nil
}

func exchangeOf(ns *messaging.Namespace) string {
	return ns.Property(PropertyExchange, ns.Name())
}

type publisher struct {
	endpoint *EndpointConnection
	closed   atomic.Bool
}

func (p *publisher) Publish(ctx context.Context, dest messaging.Destination, headers contracts.Headers, payload []byte) error {
	if p.closed.Load() {
		return contracts.ErrAlreadyClosed
	}
	err := p.endpoint.broker.publish(ctx, exchangeOf(dest.Namespace), dest.Topic, headers, payload)
	if err != nil {
		return &contracts.BrokerError{Endpoint: p.endpoint.name, Op: "publish", Err: err}
	}
	return nil
}

func (p *publisher) Close() error {
	p.closed.Store(true)
	return nil
}
