package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pocat-io/messagebus/internal/reliability"
	"github.com/pocat-io/messagebus/messaging"
)

// DeliveryHandler receives every delivery together with the source name it
// was published to ("namespace:routing-key").
type DeliveryHandler func(source string, d amqp.Delivery)

// GroupBinding attaches a namespace exchange to a group's queue
type GroupBinding struct {
	Namespace  string
	Exchange   ExchangeDeclaration
	RoutingKey string
}

// ConsumerGroup consumes one queue, named after the group, shared by every
// process subscribing to the same group name.
type ConsumerGroup struct {
	name     string
	pool     *ConnectionPool
	topology *TopologyManager
	prefetch int
	executor messaging.Executor
	recovery reliability.RetryPolicy
	logger   *slog.Logger

	mu       sync.Mutex
	bindings []GroupBinding
	session  *Session
	tag      string
	cancel   context.CancelFunc
	done     chan struct{}
	starting bool
	closed   bool
}

// ConsumerOption configures the consumer group
type ConsumerOption func(*ConsumerGroup)

// WithPrefetch sets the per-session prefetch count
func WithPrefetch(n int) ConsumerOption {
	return func(g *ConsumerGroup) {
		if n > 0 {
			g.prefetch = n
		}
	}
}

// WithRecoveryPolicy sets how consumption is re-established after the broker
// closes the delivery channel
func WithRecoveryPolicy(policy reliability.RetryPolicy) ConsumerOption {
	return func(g *ConsumerGroup) {
		if policy != nil {
			g.recovery = policy
		}
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(g *ConsumerGroup) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewConsumerGroup creates a consumer group. Deliveries are handed to executor.
func NewConsumerGroup(name string, pool *ConnectionPool, executor messaging.Executor, options ...ConsumerOption) *ConsumerGroup {
	g := &ConsumerGroup{
		name:     name,
		pool:     pool,
		topology: NewTopologyManager(pool),
		prefetch: 10,
		executor: executor,
		recovery: reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, reliability.Unlimited),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(g)
	}
	g.logger = g.logger.With("group", name)
	return g
}

// Name returns the group name, which is also the queue name
func (g *ConsumerGroup) Name() string {
	return g.name
}

// Bind records a binding. Topology is declared on Subscribe.
func (g *ConsumerGroup) Bind(b GroupBinding) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrConsumerClosed
	}
	if g.session != nil {
		return ErrAlreadyConsuming
	}
	g.bindings = append(g.bindings, b)
	return nil
}

// Subscribe declares the group queue and its bindings and starts consuming.
// The returned error covers setup only; delivery failures are logged.
func (g *ConsumerGroup) Subscribe(ctx context.Context, handler DeliveryHandler) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrConsumerClosed
	}
	if g.starting || g.done != nil {
		g.mu.Unlock()
		return ErrAlreadyConsuming
	}
	g.starting = true
	bindings := append([]GroupBinding(nil), g.bindings...)
	g.mu.Unlock()

	s, tag, deliveries, err := g.start(ctx, bindings)
	if err != nil {
		g.mu.Lock()
		g.starting = false
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	g.starting = false
	if g.closed {
		g.mu.Unlock()
		_ = s.Cancel(tag, false)
		g.pool.Release(s)
		return ErrConsumerClosed
	}
	runCtx, cancel := context.WithCancel(context.Background())
	g.session, g.tag, g.cancel = s, tag, cancel
	g.done = make(chan struct{})
	g.mu.Unlock()

	go g.run(runCtx, bindings, deliveries, handler)

	g.logger.Info("consumer started",
		"queue", g.name,
		"bindings", len(bindings),
		"prefetch", g.prefetch)
	return nil
}

func (g *ConsumerGroup) start(ctx context.Context, bindings []GroupBinding) (*Session, string, <-chan amqp.Delivery, error) {
	if err := g.declare(ctx, bindings); err != nil {
		return nil, "", nil, err
	}
	return g.consume(ctx)
}

func (g *ConsumerGroup) declare(ctx context.Context, bindings []GroupBinding) error {
	if err := g.topology.EnsureQueue(ctx, QueueDeclaration{
		Name:       g.name,
		Durable:    true,
		AutoDelete: true,
	}); err != nil {
		return err
	}
	for _, b := range bindings {
		if err := g.topology.DeclareExchange(ctx, b.Exchange); err != nil {
			return err
		}
		if err := g.topology.BindQueue(ctx, Binding{
			Queue:      g.name,
			Exchange:   b.Exchange.Name,
			RoutingKey: b.RoutingKey,
		}); err != nil {
			return err
		}
	}
	return nil
}

// consume leases a session and opens an auto-ack consumer on it. The session
// stays leased for the consumer's lifetime.
func (g *ConsumerGroup) consume(ctx context.Context) (*Session, string, <-chan amqp.Delivery, error) {
	s, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, "", nil, &ConsumerError{Queue: g.name, Op: "acquire", Err: err, Timestamp: time.Now()}
	}
	if err := s.Qos(g.prefetch, 0, false); err != nil {
		g.pool.Release(s)
		return nil, "", nil, &ConsumerError{Queue: g.name, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	tag := g.name + "-" + uuid.New().String()
	deliveries, err := s.Consume(g.name, tag, true, false, false, false, nil)
	if err != nil {
		g.pool.Release(s)
		return nil, "", nil, &ConsumerError{Queue: g.name, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}
	return s, tag, deliveries, nil
}

func (g *ConsumerGroup) run(ctx context.Context, bindings []GroupBinding, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer close(g.done)

	for {
		g.dispatchAll(ctx, bindings, deliveries, handler)
		if ctx.Err() != nil {
			return
		}

		g.logger.Warn("delivery channel closed by broker, re-subscribing", "queue", g.name)
		next, err := g.recover(ctx, bindings)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Error("consumer recovery gave up", "queue", g.name, "error", err)
			}
			return
		}
		deliveries = next
	}
}

func (g *ConsumerGroup) dispatchAll(ctx context.Context, bindings []GroupBinding, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			source := sourceName(bindings, d.Exchange, d.RoutingKey)
			if err := g.executor.Execute(func() { handler(source, d) }); err != nil {
				g.logger.Error("failed to dispatch delivery",
					"queue", g.name,
					"source", source,
					"messageId", d.MessageId,
					"error", err)
			}
		}
	}
}

// recover swaps the dead session for a fresh consumer. The queue is
// auto-delete, so topology is declared again.
func (g *ConsumerGroup) recover(ctx context.Context, bindings []GroupBinding) (<-chan amqp.Delivery, error) {
	g.mu.Lock()
	dead := g.session
	g.session = nil
	g.mu.Unlock()
	if dead != nil {
		g.pool.Release(dead)
	}

	var deliveries <-chan amqp.Delivery
	err := reliability.Retry(ctx, g.recovery, func() error {
		s, tag, d, err := g.start(ctx, bindings)
		if err != nil {
			return err
		}

		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			_ = s.Cancel(tag, false)
			g.pool.Release(s)
			return ErrConsumerClosed
		}
		g.session, g.tag = s, tag
		g.mu.Unlock()

		deliveries = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("consumer recovered", "queue", g.name)
	return deliveries, nil
}

// Close cancels the consumer and returns its session to the pool
func (g *ConsumerGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	g.mu.Lock()
	s, tag := g.session, g.tag
	g.session = nil
	g.mu.Unlock()

	var err error
	if s != nil {
		if cerr := s.Cancel(tag, false); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = &ConsumerError{Queue: g.name, ConsumerTag: tag, Op: "cancel", Err: cerr, Timestamp: time.Now()}
		}
		g.pool.Release(s)
	}
	g.logger.Info("consumer stopped", "queue", g.name)
	return err
}

// sourceName maps a delivery back to the "namespace:topic" it was published
// to. The routing key is the topic; the namespace is the first binding on the
// same exchange whose pattern matches, or the exchange name.
func sourceName(bindings []GroupBinding, exchange, routingKey string) string {
	for _, b := range bindings {
		if b.Exchange.Name == exchange && messaging.MatchTopic(b.RoutingKey, routingKey) {
			return b.Namespace + messaging.AddressSeparator + routingKey
		}
	}
	return exchange + messaging.AddressSeparator + routingKey
}
