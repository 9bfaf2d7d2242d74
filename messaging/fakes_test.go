package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/pocat-io/messagebus/contracts"
)

// staticProvider serves descriptors from maps
type staticProvider struct {
	namespaces map[string]*contracts.NamespaceDescriptor
	endpoints  map[string]*contracts.EndpointDescriptor
	lookups    atomic.Int32
}

func (p *staticProvider) NamespaceContext(name string) (*contracts.NamespaceDescriptor, error) {
	p.lookups.Add(1)
	d, ok := p.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownNamespace, name)
	}
	return d, nil
}

func (p *staticProvider) EndpointContext(name string) (*contracts.EndpointDescriptor, error) {
	d, ok := p.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, name)
	}
	return d, nil
}

// fakeFactory creates fakeEndpoints and counts them
type fakeFactory struct {
	kind    string
	mu      sync.Mutex
	created []*fakeEndpoint
	fail    error
}

func (f *fakeFactory) IsSupportedEndpointType(t string) bool {
	return strings.EqualFold(t, f.kind)
}

func (f *fakeFactory) NewEndpointConnection(desc *contracts.EndpointDescriptor, _ *slog.Logger) (EndpointConnection, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	ep := &fakeEndpoint{name: desc.Name}
	f.mu.Lock()
	f.created = append(f.created, ep)
	f.mu.Unlock()
	return ep, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeEndpoint records publishes and delivers them to subscribed groups synchronously through the executor
type fakeEndpoint struct {
	name string

	mu           sync.Mutex
	published    []string
	groups       []*fakeGroup
	publishers   atomic.Int32
	closed       atomic.Bool
	subscribeErr error
}

func (e *fakeEndpoint) Name() string { return e.name }

func (e *fakeEndpoint) CreatePublisher(ctx context.Context) (Publisher, error) {
	e.publishers.Add(1)
	return &fakePublisher{endpoint: e}, nil
}

func (e *fakeEndpoint) CreateConsumerGroup(ctx context.Context, groupName string, executor Executor) (EndpointConsumerGroup, error) {
	g := &fakeGroup{name: groupName, endpoint: e, executor: executor}
	e.mu.Lock()
	e.groups = append(e.groups, g)
	e.mu.Unlock()
	return g, nil
}

func (e *fakeEndpoint) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *fakeEndpoint) deliver(dest Destination, headers contracts.Headers, payload []byte) {
	e.mu.Lock()
	e.published = append(e.published, dest.Name())
	groups := append([]*fakeGroup(nil), e.groups...)
	e.mu.Unlock()

	for _, g := range groups {
		g.offer(dest, headers, payload)
	}
}

type fakePublisher struct {
	endpoint *fakeEndpoint
	closed   atomic.Bool
}

func (p *fakePublisher) Publish(ctx context.Context, dest Destination, headers contracts.Headers, payload []byte) error {
	if p.closed.Load() {
		return contracts.ErrAlreadyClosed
	}
	p.endpoint.deliver(dest, headers, payload)
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeGroup struct {
	name     string
	endpoint *fakeEndpoint
	executor Executor

	mu      sync.Mutex
	sources []MessageSource
	handler Handler
	closed  bool
}

func (g *fakeGroup) Bind(ctx context.Context, source MessageSource) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources = append(g.sources, source)
	return nil
}

func (g *fakeGroup) Subscribe(ctx context.Context, handler Handler) error {
	if g.endpoint.subscribeErr != nil {
		return g.endpoint.subscribeErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = handler
	return nil
}

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGroup) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *fakeGroup) offer(dest Destination, headers contracts.Headers, payload []byte) {
	g.mu.Lock()
	handler := g.handler
	closed := g.closed
	var match bool
	for _, src := range g.sources {
		if src.Namespace.Name() == dest.Namespace.Name() && MatchTopic(src.Topic, dest.Topic) {
			match = true
			break
		}
	}
	g.mu.Unlock()

	if handler == nil || closed || !match {
		return
	}
	_ = g.executor.Execute(func() {
		handler(dest.Name(), headers, payload)
	})
}

// mockFactory is a testify mock of EndpointConnectionFactory
type mockFactory struct {
	mock.Mock
}

func (m *mockFactory) IsSupportedEndpointType(t string) bool {
	args := m.Called(t)
	return args.Bool(0)
}

func (m *mockFactory) NewEndpointConnection(desc *contracts.EndpointDescriptor, logger *slog.Logger) (EndpointConnection, error) {
	args := m.Called(desc, logger)
	ep, _ := args.Get(0).(EndpointConnection)
	return ep, args.Error(1)
}
