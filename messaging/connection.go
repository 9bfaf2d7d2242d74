package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pocat-io/messagebus/contracts"
)

// Connection is the message bus facade. Namespaces, endpoint connections,
// consumer groups and publishers are created lazily and cached until Close.
type Connection struct {
	provider     ContextProvider
	registry     *Registry
	executor     Executor
	ownsExecutor bool
	logger       *slog.Logger
	closeTimeout time.Duration

	nsMu       sync.RWMutex
	namespaces map[string]*Namespace

	epMu      sync.RWMutex
	endpoints map[string]EndpointConnection

	groupMu sync.RWMutex
	groups  map[string]*ConsumerGroup

	publishers *publisherManager
	closed     atomic.Bool
}

// ConnectionOption configures a connection
type ConnectionOption func(*Connection)

// WithExecutor sets the executor deliveries run on. The connection does not shut it down.
func WithExecutor(executor Executor) ConnectionOption {
	return func(c *Connection) {
		if executor != nil {
			c.executor = executor
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCloseTimeout bounds how long Close waits for an owned executor to drain
func WithCloseTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		if timeout > 0 {
			c.closeTimeout = timeout
		}
	}
}

// NewConnection creates a bus connection. Without WithExecutor the connection
// starts and owns a worker pool sized to the CPU count.
func NewConnection(provider ContextProvider, registry *Registry, opts ...ConnectionOption) (*Connection, error) {
	if provider == nil {
		return nil, fmt.Errorf("context provider cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	c := &Connection{
		provider:     provider,
		registry:     registry,
		logger:       slog.Default(),
		closeTimeout: 30 * time.Second,
		namespaces:   make(map[string]*Namespace),
		endpoints:    make(map[string]EndpointConnection),
		groups:       make(map[string]*ConsumerGroup),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.executor == nil {
		c.executor = NewWorkerPool(0, WithWorkerLogger(c.logger))
		c.ownsExecutor = true
	}
	c.publishers = newPublisherManager(c.logger)
	return c, nil
}

// Publish sends payload to "namespace:topic"
func (c *Connection) Publish(ctx context.Context, destination string, headers contracts.Headers, payload []byte) error {
	if c.closed.Load() {
		return contracts.ErrAlreadyClosed
	}
	addr, err := ParseAddress(destination)
	if err != nil {
		return err
	}
	ns, err := c.Namespace(addr.Namespace)
	if err != nil {
		return err
	}
	if headers == nil {
		headers = contracts.Headers{}
	}
	return c.publishers.Publish(ctx, Destination{Namespace: ns, Topic: addr.Topic}, headers, payload)
}

// Bind records that group consumes from source. No broker resource is opened
// until Subscribe.
func (c *Connection) Bind(group, source string) error {
	if c.closed.Load() {
		return contracts.ErrAlreadyClosed
	}
	if group == "" {
		return fmt.Errorf("group name cannot be empty")
	}
	addr, err := ParseAddress(source)
	if err != nil {
		return err
	}
	ns, err := c.Namespace(addr.Namespace)
	if err != nil {
		return err
	}
	g, err := c.groupFor(group)
	if err != nil {
		return err
	}
	return g.bind(MessageSource{Namespace: ns, Topic: addr.Topic})
}

// Subscribe starts delivery of every source bound to group. It returns once
// the broker consumers are set up; handler runs on the executor.
func (c *Connection) Subscribe(ctx context.Context, group string, handler Handler) error {
	if c.closed.Load() {
		return contracts.ErrAlreadyClosed
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	c.groupMu.RLock()
	g, ok := c.groups[group]
	c.groupMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrUnknownGroup, group)
	}
	return g.subscribe(ctx, c.executor, handler)
}

// ConsumerGroup returns a bound group by name
func (c *Connection) ConsumerGroup(name string) (*ConsumerGroup, bool) {
	c.groupMu.RLock()
	defer c.groupMu.RUnlock()
	g, ok := c.groups[name]
	return g, ok
}

// Namespace resolves a namespace by name. The first caller creates it; later
// callers get the cached instance.
func (c *Connection) Namespace(name string) (*Namespace, error) {
	c.nsMu.RLock()
	ns, ok := c.namespaces[name]
	c.nsMu.RUnlock()
	if ok {
		return ns, nil
	}

	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	if ns, ok := c.namespaces[name]; ok {
		return ns, nil
	}
	if c.closed.Load() {
		return nil, contracts.ErrAlreadyClosed
	}

	desc, err := c.provider.NamespaceContext(name)
	if err != nil {
		if !errors.Is(err, contracts.ErrUnknownNamespace) {
			err = fmt.Errorf("%w: %s: %v", contracts.ErrUnknownNamespace, name, err)
		}
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	ep, err := c.endpointFor(desc)
	if err != nil {
		return nil, err
	}

	ns = NewNamespace(name, ep, desc.Properties)
	c.namespaces[name] = ns
	c.logger.Debug("namespace resolved", "namespace", name, "endpoint", ep.Name())
	return ns, nil
}

// endpointFor returns the endpoint connection a namespace routes through.
// Referenced endpoints are keyed by name, inline ones by configuration.
func (c *Connection) endpointFor(ns *contracts.NamespaceDescriptor) (EndpointConnection, error) {
	var key string
	if ns.EndpointRef != "" {
		key = "ref:" + ns.EndpointRef
	} else {
		key = "inline:" + ns.Endpoint.Fingerprint()
	}

	c.epMu.RLock()
	ep, ok := c.endpoints[key]
	c.epMu.RUnlock()
	if ok {
		return ep, nil
	}

	c.epMu.Lock()
	defer c.epMu.Unlock()
	if ep, ok := c.endpoints[key]; ok {
		return ep, nil
	}

	desc := ns.Endpoint
	if ns.EndpointRef != "" {
		d, err := c.provider.EndpointContext(ns.EndpointRef)
		if err != nil {
			if !errors.Is(err, contracts.ErrUnknownEndpoint) {
				err = fmt.Errorf("%w: %s: %v", contracts.ErrUnknownEndpoint, ns.EndpointRef, err)
			}
			return nil, err
		}
		desc = d
	} else if desc.Name == "" {
		inline := *desc
		inline.Name = ns.Name
		desc = &inline
	}

	ep, err := c.registry.Provide(desc, c.logger)
	if err != nil {
		return nil, err
	}
	c.endpoints[key] = ep
	c.logger.Info("endpoint connection created", "endpoint", desc.Name, "type", desc.Type)
	return ep, nil
}

func (c *Connection) groupFor(name string) (*ConsumerGroup, error) {
	c.groupMu.RLock()
	g, ok := c.groups[name]
	c.groupMu.RUnlock()
	if ok {
		return g, nil
	}

	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if c.closed.Load() {
		return nil, contracts.ErrAlreadyClosed
	}
	if g, ok := c.groups[name]; ok {
		return g, nil
	}
	g = newConsumerGroup(name, c.logger)
	c.groups[name] = g
	return g, nil
}

// Close releases every consumer group, publisher and endpoint connection
// created by this connection, then shuts down an owned executor. A second
// call returns ErrAlreadyClosed.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return contracts.ErrAlreadyClosed
	}

	var errs []error

	c.groupMu.Lock()
	groups := c.groups
	c.groups = make(map[string]*ConsumerGroup)
	c.groupMu.Unlock()
	for _, g := range groups {
		if err := g.close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.publishers.Close(); err != nil {
		errs = append(errs, err)
	}

	c.nsMu.Lock()
	c.epMu.Lock()
	endpoints := c.endpoints
	c.endpoints = make(map[string]EndpointConnection)
	c.namespaces = make(map[string]*Namespace)
	c.epMu.Unlock()
	c.nsMu.Unlock()
	for _, ep := range endpoints {
		if err := ep.Close(); err != nil {
			c.logger.Warn("failed to close endpoint connection", "endpoint", ep.Name(), "error", err)
			errs = append(errs, err)
		}
	}

	if c.ownsExecutor {
		ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
		defer cancel()
		if err := c.executor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("executor shutdown: %w", err))
		}
	}

	c.logger.Info("message bus connection closed", "groups", len(groups), "endpoints", len(endpoints))
	return errors.Join(errs...)
}
