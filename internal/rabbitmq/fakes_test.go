package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// fakeBroker records every call made through the connections it dials
type fakeBroker struct {
	mu          sync.Mutex
	dials       int
	dialErr     error
	conns       []*fakeConn
	exchanges   map[string]string
	queues      map[string]bool
	bindings    []Binding
	published   []published
	consumers   map[string]chan amqp.Delivery
	qos         []int
	confirms    int
	cancels     []string
	failPassive bool
	failDeclare error
	failConsume error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]bool),
		consumers: make(map[string]chan amqp.Delivery),
	}
}

func (b *fakeBroker) Dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) Published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

// Deliver pushes a delivery to the first consumer on queue
func (b *fakeBroker) Deliver(queue string, d amqp.Delivery) bool {
	b.mu.Lock()
	var ch chan amqp.Delivery
	for tag, c := range b.consumers {
		if len(tag) > len(queue) && tag[:len(queue)] == queue {
			ch = c
			break
		}
	}
	b.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- d
	return true
}

// DropConsumers closes every delivery channel, as the broker does when a channel dies
func (b *fakeBroker) DropConsumers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tag, ch := range b.consumers {
		close(ch)
		delete(b.consumers, tag)
	}
}

func (b *fakeBroker) ConsumerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

type fakeConn struct {
	broker   *fakeBroker
	closed   atomic.Bool
	channels atomic.Int32
	chanErr  error
}

func (c *fakeConn) Channel() (Channel, error) {
	if c.chanErr != nil {
		return nil, c.chanErr
	}
	c.channels.Add(1)
	return &fakeChannel{conn: c}, nil
}

func (c *fakeConn) IsClosed() bool { return c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeChannel struct {
	conn   *fakeConn
	closed atomic.Bool
}

func (ch *fakeChannel) b() *fakeBroker { return ch.conn.broker }

func (ch *fakeChannel) IsClosed() bool { return ch.closed.Load() || ch.conn.closed.Load() }

func (ch *fakeChannel) Close() error {
	ch.closed.Store(true)
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	ch.b().qos = append(ch.b().qos, prefetchCount)
	return nil
}

func (ch *fakeChannel) Confirm(bool) error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	ch.b().confirms++
	return nil
}

func (ch *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	if ch.IsClosed() {
		return nil, amqp.ErrClosed
	}
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	ch.b().published = append(ch.b().published, published{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil, nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.b().failDeclare != nil {
		return ch.b().failDeclare
	}
	ch.b().exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if _, ok := ch.b().exchanges[name]; !ok {
		// a failed passive declare closes the channel
		ch.closed.Store(true)
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + name + "'"}
	}
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.b().failDeclare != nil {
		return amqp.Queue{}, ch.b().failDeclare
	}
	ch.b().queues[name] = true
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.b().failPassive || !ch.b().queues[name] {
		ch.closed.Store(true)
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	ch.b().bindings = append(ch.b().bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key})
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	if ch.b().failConsume != nil {
		return nil, ch.b().failConsume
	}
	if !ch.b().queues[queue] {
		return nil, errors.New("no queue " + queue)
	}
	d := make(chan amqp.Delivery, 16)
	ch.b().consumers[consumer] = d
	return d, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	ch.b().mu.Lock()
	defer ch.b().mu.Unlock()
	ch.b().cancels = append(ch.b().cancels, consumer)
	if d, ok := ch.b().consumers[consumer]; ok {
		close(d)
		delete(ch.b().consumers, consumer)
	}
	return nil
}

// inlineExecutor runs tasks on the caller's goroutine
type inlineExecutor struct{}

func (inlineExecutor) Execute(task func()) error {
	task()
	return nil
}

func (inlineExecutor) Shutdown(context.Context) error { return nil }
