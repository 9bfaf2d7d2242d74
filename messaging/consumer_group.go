package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/pocat-io/messagebus/contracts"
)

// ConsumerGroup is a named logical consumer. Its bindings may route through
// several endpoints; each endpoint gets its own physical consumer group.
type ConsumerGroup struct {
	name   string
	logger *slog.Logger

	mu         sync.Mutex
	endpoints  []EndpointConnection
	bindings   map[EndpointConnection][]MessageSource
	sources    map[string]struct{}
	physical   map[EndpointConnection]EndpointConsumerGroup
	subscribed bool
	closed     bool
}

func newConsumerGroup(name string, logger *slog.Logger) *ConsumerGroup {
	return &ConsumerGroup{
		name:     name,
		logger:   logger.With("group", name),
		bindings: make(map[EndpointConnection][]MessageSource),
		sources:  make(map[string]struct{}),
		physical: make(map[EndpointConnection]EndpointConsumerGroup),
	}
}

// Name returns the group name
func (g *ConsumerGroup) Name() string {
	return g.name
}

// Sources returns the bound source names
func (g *ConsumerGroup) Sources() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	for _, ep := range g.endpoints {
		for _, src := range g.bindings[ep] {
			out = append(out, src.Name())
		}
	}
	return out
}

// bind records a source. Binding the same source twice is a no-op.
func (g *ConsumerGroup) bind(src MessageSource) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.closed:
		return contracts.ErrAlreadyClosed
	case g.subscribed:
		return fmt.Errorf("%w: %s", contracts.ErrAlreadySubscribed, g.name)
	}

	name := src.Name()
	if _, ok := g.sources[name]; ok {
		return nil
	}
	g.sources[name] = struct{}{}

	ep := src.Namespace.Endpoint()
	if _, ok := g.bindings[ep]; !ok {
		g.endpoints = append(g.endpoints, ep)
	}
	g.bindings[ep] = append(g.bindings[ep], src)
	return nil
}

// subscribe creates one physical group per endpoint and starts delivery on all of them.
// On failure every physical group created so far is closed and the group may be subscribed again.
func (g *ConsumerGroup) subscribe(ctx context.Context, executor Executor, handler Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.closed:
		return contracts.ErrAlreadyClosed
	case g.subscribed:
		return fmt.Errorf("%w: %s", contracts.ErrAlreadySubscribed, g.name)
	}

	safe := g.recovering(handler)
	for _, ep := range g.endpoints {
		pg, err := g.startEndpoint(ctx, ep, executor, safe)
		if err != nil {
			g.closePhysicalLocked()
			return err
		}
		g.physical[ep] = pg
	}
	g.subscribed = true
	g.logger.Info("consumer group subscribed", "endpoints", len(g.endpoints), "sources", len(g.sources))
	return nil
}

func (g *ConsumerGroup) startEndpoint(ctx context.Context, ep EndpointConnection, executor Executor, handler Handler) (EndpointConsumerGroup, error) {
	pg, err := ep.CreateConsumerGroup(ctx, g.name, executor)
	if err != nil {
		return nil, err
	}
	for _, src := range g.bindings[ep] {
		if err := pg.Bind(ctx, src); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}
	if err := pg.Subscribe(ctx, handler); err != nil {
		_ = pg.Close()
		return nil, err
	}
	return pg, nil
}

func (g *ConsumerGroup) recovering(handler Handler) Handler {
	return func(source string, headers contracts.Headers, payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("panic in message handler",
					"source", source,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		handler(source, headers, payload)
	}
}

func (g *ConsumerGroup) closePhysicalLocked() error {
	var errs []error
	for ep, pg := range g.physical {
		if err := pg.Close(); err != nil {
			g.logger.Warn("failed to close consumer group", "endpoint", ep.Name(), "error", err)
			errs = append(errs, err)
		}
		delete(g.physical, ep)
	}
	return errors.Join(errs...)
}

// close stops every physical consumer group
func (g *ConsumerGroup) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	return g.closePhysicalLocked()
}
