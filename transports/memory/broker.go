// Package memory provides an in-process message bus backend.
//
// A Broker behaves like a topic exchange broker: publishes go to a named
// exchange with a routing key, queues are bound to exchanges with topic
// patterns, and every queue matching a publish receives one copy. Consumer
// groups with the same name share a queue and compete for its messages.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

var (
	// ErrBrokerClosed is returned when operating on a closed broker
	ErrBrokerClosed = errors.New("memory: broker is closed")
)

// message is one delivery on a queue
type message struct {
	exchange   string
	routingKey string
	headers    contracts.Headers
	payload    []byte
}

type binding struct {
	exchange string
	pattern  string
}

// queue buffers messages for one consumer group name
type queue struct {
	name      string
	msgCh     chan message
	done      chan struct{}
	bindings  []binding
	consumers int
	deleted   bool
}

// delete must be called with the broker lock held
func (q *queue) delete() {
	if !q.deleted {
		q.deleted = true
		close(q.done)
	}
}

// Broker routes messages between publishers and queues in process
type Broker struct {
	name    string
	bufSize int

	mu     sync.RWMutex
	queues map[string]*queue
	closed atomic.Bool
}

// NewBroker creates a broker whose queues buffer bufSize messages
func NewBroker(name string, bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Broker{
		name:    name,
		bufSize: bufSize,
		queues:  make(map[string]*queue),
	}
}

// Name returns the broker name
func (b *Broker) Name() string {
	return b.name
}

// publish delivers one copy to every queue with a matching binding. It blocks
// while a matching queue is full.
func (b *Broker) publish(ctx context.Context, exchange, routingKey string, headers contracts.Headers, payload []byte) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}

	b.mu.RLock()
	var targets []*queue
	for _, q := range b.queues {
		for _, bd := range q.bindings {
			if bd.exchange == exchange && messaging.MatchTopic(bd.pattern, routingKey) {
				targets = append(targets, q)
				break
			}
		}
	}
	b.mu.RUnlock()

	for _, q := range targets {
		msg := message{
			exchange:   exchange,
			routingKey: routingKey,
			headers:    headers.Clone(),
			payload:    append([]byte(nil), payload...),
		}
		select {
		case q.msgCh <- msg:
		case <-q.done:
			// queue deleted, skip
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// declareQueue returns the named queue, creating it when absent, and counts a consumer
func (b *Broker) declareQueue(name string) (*queue, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			name:  name,
			msgCh: make(chan message, b.bufSize),
			done:  make(chan struct{}),
		}
		b.queues[name] = q
	}
	q.consumers++
	return q, nil
}

// bindQueue adds a binding unless an identical one exists
func (b *Broker) bindQueue(q *queue, exchange, pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bd := range q.bindings {
		if bd.exchange == exchange && bd.pattern == pattern {
			return
		}
	}
	q.bindings = append(q.bindings, binding{exchange: exchange, pattern: pattern})
}

// releaseQueue drops a consumer. The queue is deleted with its last consumer.
func (b *Broker) releaseQueue(q *queue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q.consumers--
	if q.consumers > 0 {
		return
	}
	if b.queues[q.name] == q {
		delete(b.queues, q.name)
	}
	q.delete()
}

// QueueNames returns the names of the live queues
func (b *Broker) QueueNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Close deletes every queue
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		q.delete()
		delete(b.queues, name)
	}
	return nil
}

// IsClosed reports whether Close was called
func (b *Broker) IsClosed() bool {
	return b.closed.Load()
}
