// Copyright 2024 Pocat Messagebus Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package messagebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocat-io/messagebus/bridge"
	"github.com/pocat-io/messagebus/config"
	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/health"
	"github.com/pocat-io/messagebus/interceptors"
	"github.com/pocat-io/messagebus/messaging"
	kafkaTransport "github.com/pocat-io/messagebus/transports/kafka"
	"github.com/pocat-io/messagebus/transports/memory"
	natsTransport "github.com/pocat-io/messagebus/transports/nats"
	rabbitmqTransport "github.com/pocat-io/messagebus/transports/rabbitmq"
)

// DefaultBackends returns the built-in backend factories in lookup order:
// rabbitmq, nats, kafka, memory.
func DefaultBackends(logger *slog.Logger) []messaging.EndpointConnectionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return []messaging.EndpointConnectionFactory{
		rabbitmqTransport.NewFactory(rabbitmqTransport.WithLogger(logger)),
		natsTransport.NewFactory(),
		kafkaTransport.NewFactory(),
		memory.NewFactory(),
	}
}

// Client provides the main entry point: a bus connection over the default
// backends, an optional request bridge and a health registry.
type Client struct {
	conn   *messaging.Connection
	bridge *bridge.Bridge
	health *health.Registry
	chain  *interceptors.InterceptorChain
	logger *slog.Logger
}

// NewClient creates a client resolving namespaces through provider
func NewClient(provider messaging.ContextProvider, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.backends == nil {
		cfg.backends = DefaultBackends(cfg.logger)
	}

	connOpts := []messaging.ConnectionOption{messaging.WithLogger(cfg.logger)}
	if cfg.executor != nil {
		connOpts = append(connOpts, messaging.WithExecutor(cfg.executor))
	}
	conn, err := messaging.NewConnection(provider, messaging.NewRegistry(cfg.backends...), connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	c := &Client{
		conn:   conn,
		health: health.NewRegistry(health.WithLogger(cfg.logger)),
		chain:  interceptors.NewInterceptorChain(cfg.logger),
		logger: cfg.logger,
	}
	for _, i := range cfg.interceptors {
		c.chain.Add(i)
	}
	c.health.Register(health.NewRuntimeChecker(5000, 20000))

	if cfg.replyTo != "" {
		opts := append([]bridge.BridgeOption{bridge.WithBridgeLogger(cfg.logger)}, cfg.bridgeOpts...)
		c.bridge, err = bridge.NewBridge(conn, cfg.replyTo, opts...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create bridge: %w", err), conn.Close())
		}
	}
	return c, nil
}

// NewClientFromFile creates a client from a YAML descriptor document
func NewClientFromFile(path string, options ...ClientOption) (*Client, error) {
	provider, err := config.NewFileProvider(path)
	if err != nil {
		return nil, err
	}
	return NewClient(provider, options...)
}

// Connection returns the underlying bus connection
func (c *Client) Connection() *messaging.Connection {
	return c.conn
}

// Publish sends payload to "namespace:topic"
func (c *Client) Publish(ctx context.Context, destination string, headers contracts.Headers, payload []byte) error {
	return c.conn.Publish(ctx, destination, headers, payload)
}

// Listen binds group to every source and starts handler behind the
// client's interceptors
func (c *Client) Listen(ctx context.Context, group string, handler messaging.Handler, sources ...string) error {
	for _, source := range sources {
		if err := c.conn.Bind(group, source); err != nil {
			return err
		}
	}
	return c.conn.Subscribe(ctx, group, c.chain.Wrap(handler))
}

// Bridge returns the request bridge, nil unless WithReplyAddress was given
func (c *Client) Bridge() *bridge.Bridge {
	return c.bridge
}

// Request sends a request through the bridge and waits for its reply. The
// bridge starts consuming replies on first use.
func (c *Client) Request(ctx context.Context, destination string, headers contracts.Headers, payload []byte, ttl time.Duration) (*bridge.Reply, error) {
	if c.bridge == nil {
		return nil, fmt.Errorf("client has no reply address")
	}
	if err := c.bridge.Start(ctx); err != nil {
		return nil, err
	}
	return c.bridge.Request(ctx, destination, headers, payload, ttl)
}

// Serve answers requests arriving on sources for group
func (c *Client) Serve(ctx context.Context, group string, handler bridge.RequestHandler, sources ...string) error {
	r, err := bridge.NewResponder(c.conn, group, handler, c.logger)
	if err != nil {
		return err
	}
	return r.Serve(ctx, sources...)
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

type pinger interface {
	Ping(ctx context.Context) error
}

// WatchNamespace registers health checks for the endpoint behind namespace
func (c *Client) WatchNamespace(name string) error {
	ns, err := c.conn.Namespace(name)
	if err != nil {
		return err
	}
	endpoint := ns.Endpoint()
	prefix := "endpoint." + endpoint.Name()

	switch ep := endpoint.(type) {
	case *rabbitmqTransport.EndpointConnection:
		pub, con := ep.Pools()
		c.health.Register(health.NewPoolChecker(prefix+".publisher", pub))
		c.health.Register(health.NewPoolChecker(prefix+".consumer", con))
	case pinger:
		c.health.Register(health.NewComponentChecker(prefix, func(ctx context.Context) (health.Status, string, error) {
			if err := ep.Ping(ctx); err != nil {
				return health.StatusUnhealthy, "Endpoint unreachable", err
			}
			return health.StatusHealthy, "Endpoint reachable", nil
		}))
	default:
		c.health.Register(health.NewComponentChecker(prefix, func(context.Context) (health.Status, string, error) {
			return health.StatusHealthy, "In-process endpoint", nil
		}))
	}
	return nil
}

// Close closes all resources
func (c *Client) Close() error {
	var errs []error
	if c.bridge != nil {
		errs = append(errs, c.bridge.Close())
	}
	errs = append(errs, c.conn.Close())
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger       *slog.Logger
	backends     []messaging.EndpointConnectionFactory
	executor     messaging.Executor
	replyTo      string
	bridgeOpts   []bridge.BridgeOption
	interceptors []interceptors.Interceptor
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithBackends replaces the default backend table
func WithBackends(factories ...messaging.EndpointConnectionFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.backends = factories
	}
}

// WithExecutor sets the executor that runs handlers
func WithExecutor(executor messaging.Executor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.executor = executor
	}
}

// WithReplyAddress enables the request bridge with replies arriving at replyTo
func WithReplyAddress(replyTo string, opts ...bridge.BridgeOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.replyTo = replyTo
		cfg.bridgeOpts = opts
	}
}

// WithInterceptors runs every Listen handler behind interceptors, in order
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}
