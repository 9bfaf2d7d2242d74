package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

// consumerGroup consumes the broker queue named after the group
type consumerGroup struct {
	name     string
	endpoint *EndpointConnection
	executor messaging.Executor
	logger   *slog.Logger

	mu      sync.Mutex
	sources []messaging.MessageSource
	queue   *queue
	closed  bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (g *consumerGroup) Bind(ctx context.Context, source messaging.MessageSource) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sources = append(g.sources, source)
	if g.queue != nil {
		g.endpoint.broker.bindQueue(g.queue, exchangeOf(source.Namespace), source.Topic)
	}
	return nil
}

func (g *consumerGroup) Subscribe(ctx context.Context, handler messaging.Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return contracts.ErrAlreadyClosed
	}
	if g.queue != nil {
		return fmt.Errorf("%w: %s", contracts.ErrAlreadySubscribed, g.name)
	}

	q, err := g.endpoint.broker.declareQueue(g.name)
	if err != nil {
		return &contracts.BrokerError{Endpoint: g.endpoint.name, Op: "declare queue", Err: err}
	}
	for _, src := range g.sources {
		g.endpoint.broker.bindQueue(q, exchangeOf(src.Namespace), src.Topic)
	}
	g.queue = q

	g.wg.Add(1)
	go g.consume(q, handler)

	g.logger.Info("memory consumer started", "queue", q.name, "bindings", len(g.sources))
	return nil
}

func (g *consumerGroup) consume(q *queue, handler messaging.Handler) {
	defer g.wg.Done()
	for {
		select {
		case msg := <-q.msgCh:
			source := g.sourceName(msg.exchange, msg.routingKey)
			err := g.executor.Execute(func() {
				handler(source, msg.headers, msg.payload)
			})
			if err != nil {
				g.logger.Warn("dropping delivery, executor rejected task", "source", source, "error", err)
			}
		case <-q.done:
			return
		case <-g.stop:
			return
		}
	}
}

// sourceName rebuilds "namespace:routingKey" from the binding that matched
func (g *consumerGroup) sourceName(exchange, routingKey string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, src := range g.sources {
		if exchangeOf(src.Namespace) == exchange && messaging.MatchTopic(src.Topic, routingKey) {
			return src.Namespace.Name() + messaging.AddressSeparator + routingKey
		}
	}
	return exchange + messaging.AddressSeparator + routingKey
}

func (g *consumerGroup) Close() error {
	g.once.Do(func() {
		close(g.stop)
	})
	g.wg.Wait()

	g.mu.Lock()
	q := g.queue
	g.queue = nil
	g.closed = true
	g.mu.Unlock()
	if q != nil {
		g.endpoint.broker.releaseQueue(q)
	}
	return nil
}
