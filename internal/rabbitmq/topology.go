package rabbitmq

import (
	"context"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchange is the pre-declared topic exchange used when a namespace names none
	DefaultExchange = "amq.topic"
	// DefaultExchangeType is the exchange type used when a namespace names none
	DefaultExchangeType = "topic"
)

// ExchangeDeclaration defines an exchange a namespace routes through
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	// Declare creates the exchange when absent; otherwise it is only verified
	Declare   bool
	Arguments amqp.Table
}

// Predeclared reports exchanges the broker always provides and that may not be redeclared
func (e ExchangeDeclaration) Predeclared() bool {
	return e.Name == "" || strings.HasPrefix(e.Name, "amq.")
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// TopologyManager declares exchanges, queues and bindings through a pool.
// A failed passive check closes its channel on the broker side; the session
// is then discarded on release.
type TopologyManager struct {
	pool *ConnectionPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ConnectionPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareExchange declares the exchange, or passively verifies it when Declare
// is false. Predeclared exchanges are not touched.
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if exchange.Predeclared() {
		return nil
	}
	kind := exchange.Type
	if kind == "" {
		kind = DefaultExchangeType
	}

	op := "declare"
	if !exchange.Declare {
		op = "verify"
	}
	err := tm.pool.Execute(ctx, func(s *Session) error {
		if !exchange.Declare {
			return s.ExchangeDeclarePassive(exchange.Name, kind, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments)
		}
		return s.ExchangeDeclare(exchange.Name, kind, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: op, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// EnsureQueue checks the queue exists and declares it if not
func (tm *TopologyManager) EnsureQueue(ctx context.Context, queue QueueDeclaration) error {
	err := tm.pool.Execute(ctx, func(s *Session) error {
		_, err := s.QueueDeclarePassive(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments)
		return err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &TopologyError{Component: "queue", Name: queue.Name, Op: "verify", Err: err, Timestamp: time.Now()}
	}

	err = tm.pool.Execute(ctx, func(s *Session) error {
		_, err := s.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments)
		return err
	})
	if err != nil {
		return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	err := tm.pool.Execute(ctx, func(s *Session) error {
		return s.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "create", Err: err, Timestamp: time.Now()}
	}
	return nil
}
