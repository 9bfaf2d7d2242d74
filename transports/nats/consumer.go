package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

type consumerGroup struct {
	name     string
	endpoint string
	conn     Conn
	executor messaging.Executor
	logger   *slog.Logger

	mu      sync.Mutex
	sources []messaging.MessageSource
	subs    []Subscription
	started bool
	closed  bool
}

func (g *consumerGroup) Bind(ctx context.Context, source messaging.MessageSource) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return fmt.Errorf("%w: %s", contracts.ErrAlreadySubscribed, g.name)
	}
	g.sources = append(g.sources, source)
	return nil
}

func (g *consumerGroup) Subscribe(ctx context.Context, handler messaging.Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return contracts.ErrAlreadyClosed
	}
	if g.started {
		return fmt.Errorf("%w: %s", contracts.ErrAlreadySubscribed, g.name)
	}

	var subs []Subscription
	for _, src := range g.sources {
		subject, filter := subscriptionSubject(src)
		sub, err := g.conn.QueueSubscribe(subject, g.name, g.deliver(src, filter, handler))
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return &contracts.BrokerError{Endpoint: g.endpoint, Op: "subscribe " + subject, Err: err}
		}
		subs = append(subs, sub)
	}
	g.subs = subs
	g.started = true

	g.logger.Info("nats consumer started", "subscriptions", len(subs))
	return nil
}

func (g *consumerGroup) deliver(src messaging.MessageSource, filter bool, handler messaging.Handler) nats.MsgHandler {
	prefix := subjectPrefix(src.Namespace) + "."
	return func(msg *nats.Msg) {
		topic := strings.TrimPrefix(msg.Subject, prefix)
		if filter && !messaging.MatchTopic(src.Topic, topic) {
			return
		}
		source := src.Namespace.Name() + messaging.AddressSeparator + topic
		headers := headersOf(msg)
		payload := msg.Data

		if err := g.executor.Execute(func() { handler(source, headers, payload) }); err != nil {
			g.logger.Warn("dropping delivery, executor rejected task", "source", source, "error", err)
		}
	}
}

func (g *consumerGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	var errs []error
	for _, s := range g.subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	g.subs = nil
	return errors.Join(errs...)
}

// subscriptionSubject translates a topic pattern into a NATS subject. "*"
// maps directly. A lone "#" becomes ">"; any other "#" may match zero words,
// which NATS cannot express, so the whole prefix is subscribed and deliveries
// are filtered.
func subscriptionSubject(src messaging.MessageSource) (subject string, filter bool) {
	prefix := subjectPrefix(src.Namespace)
	if src.Topic == "#" {
		return prefix + ".>", false
	}
	for _, tok := range strings.Split(src.Topic, ".") {
		if tok == "#" {
			return prefix + ".>", true
		}
	}
	return prefix + "." + src.Topic, false
}

func headersOf(msg *nats.Msg) contracts.Headers {
	headers := make(contracts.Headers, len(msg.Header))
	for k, vs := range msg.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}
	return headers
}
