package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

// fetchBackoff is the pause after a failed fetch
const fetchBackoff = 500 * time.Millisecond

type consumerGroup struct {
	name      string
	endpoint  *EndpointConnection
	executor  messaging.Executor
	logger    *slog.Logger
	clientLog *logrus.Entry

	mu      sync.Mutex
	sources map[string]string
	topics  []string
	reader  Reader
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// Bind adds the source's topic to the group. Kafka topics cannot be matched
// by pattern, so wildcard topics are rejected.
func (g *consumerGroup) Bind(ctx context.Context, source messaging.MessageSource) error {
	if strings.ContainsAny(source.Topic, "*#") {
		return &contracts.AddressError{Address: source.Name(), Reason: "kafka topics cannot contain wildcards"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reader != nil {
		return fmt.Errorf("%w: %s", contracts.ErrAlreadySubscribed, g.name)
	}
	if g.sources == nil {
		g.sources = make(map[string]string)
	}
	topic := Topic(source.Namespace, source.Topic)
	if _, ok := g.sources[topic]; !ok {
		g.topics = append(g.topics, topic)
	}
	g.sources[topic] = source.Name()
	return nil
}

func (g *consumerGroup) Subscribe(ctx context.Context, handler messaging.Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return contracts.ErrAlreadyClosed
	}
	if g.reader != nil {
		return fmt.Errorf("%w: %s", contracts.ErrAlreadySubscribed, g.name)
	}
	if len(g.topics) == 0 {
		return fmt.Errorf("%w: group %s has no bound topics", contracts.ErrUnknownGroup, g.name)
	}

	g.reader = g.endpoint.factory.newReader(g.endpoint.brokers, g.name, append([]string(nil), g.topics...), g.clientLog)
	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.run(runCtx, g.reader, g.sourcesSnapshot(), handler)

	g.logger.Info("kafka consumer started", "topics", g.topics)
	return nil
}

func (g *consumerGroup) sourcesSnapshot() map[string]string {
	out := make(map[string]string, len(g.sources))
	for k, v := range g.sources {
		out[k] = v
	}
	return out
}

func (g *consumerGroup) run(ctx context.Context, reader Reader, sources map[string]string, handler messaging.Handler) {
	defer close(g.done)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			g.logger.Error("kafka fetch failed", "error", err)
			select {
			case <-time.After(fetchBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		source, ok := sources[msg.Topic]
		if !ok {
			source = msg.Topic
		}
		headers := make(contracts.Headers, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
		payload := msg.Value

		if err := g.executor.Execute(func() { handler(source, headers, payload) }); err != nil {
			g.logger.Warn("dropping delivery, executor rejected task", "source", source, "error", err)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			g.logger.Error("kafka commit failed",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		}
	}
}

func (g *consumerGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	reader, cancel, done := g.reader, g.cancel, g.done
	g.mu.Unlock()

	if reader == nil {
		return nil
	}
	cancel()
	<-done
	return reader.Close()
}
