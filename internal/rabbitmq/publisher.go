package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes through pooled sessions. Each exchange is declared, or
// verified, once per publisher before its first message.
type Publisher struct {
	pool     *ConnectionPool
	topology *TopologyManager
	confirm  bool
	logger   *slog.Logger

	mu       sync.RWMutex
	declared map[string]struct{}
	closed   atomic.Bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmMode waits for a broker confirm on every publish
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ConnectionPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:     pool,
		topology: NewTopologyManager(pool),
		logger:   slog.Default(),
		declared: make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg to exchange with routingKey
func (p *Publisher) Publish(ctx context.Context, exchange ExchangeDeclaration, routingKey string, msg amqp.Publishing) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if err := p.ensureExchange(ctx, exchange); err != nil {
		return err
	}

	s, err := p.pool.Acquire(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange.Name, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	defer p.pool.Release(s)

	if p.confirm {
		if err := s.EnableConfirms(); err != nil {
			return &PublishError{Exchange: exchange.Name, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
		}
	}

	dc, err := s.PublishWithDeferredConfirmWithContext(ctx, exchange.Name, routingKey, false, false, msg)
	if err != nil {
		return &PublishError{Exchange: exchange.Name, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	if !p.confirm || dc == nil {
		return nil
	}

	select {
	case <-dc.Done():
		if !dc.Acked() {
			return &PublishError{Exchange: exchange.Name, RoutingKey: routingKey, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
		}
		return nil
	case <-ctx.Done():
		return &PublishError{Exchange: exchange.Name, RoutingKey: routingKey, Err: ctx.Err(), Timestamp: time.Now()}
	}
}

func (p *Publisher) ensureExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if exchange.Predeclared() {
		return nil
	}

	p.mu.RLock()
	_, ok := p.declared[exchange.Name]
	p.mu.RUnlock()
	if ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.declared[exchange.Name]; ok {
		return nil
	}
	if err := p.topology.DeclareExchange(ctx, exchange); err != nil {
		return err
	}
	p.declared[exchange.Name] = struct{}{}
	p.logger.Debug("exchange ready", "exchange", exchange.Name, "declare", exchange.Declare)
	return nil
}

// Close stops the publisher. The pool is owned by the endpoint connection.
func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}
