// Package nats is the core NATS backend of the message bus.
//
// A namespace maps to a subject prefix and a topic to the subject suffix, so
// "orders:order.created" is published on "orders.order.created". Consumer
// groups are NATS queue groups: every member of a group subscribes with the
// group name as queue and NATS delivers each message to one of them.
package nats

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

// Endpoint properties
const (
	PropertyURL      = "nats.url"
	PropertyName     = "nats.name"
	PropertyUsername = "nats.username"
	PropertyPassword = "nats.password"
	PropertyToken    = "nats.token"
)

// PropertySubjectPrefix is the namespace property naming the subject prefix
const PropertySubjectPrefix = "nats.subject-prefix"

var (
	_ messaging.EndpointConnectionFactory = (*Factory)(nil)
	_ messaging.EndpointConnection        = (*EndpointConnection)(nil)
)

// Factory creates NATS endpoint connections
type Factory struct {
	connect Connector
}

// FactoryOption configures the factory
type FactoryOption func(*Factory)

// WithConnector replaces the NATS dialer
func WithConnector(connect Connector) FactoryOption {
	return func(f *Factory) {
		if connect != nil {
			f.connect = connect
		}
	}
}

// NewFactory creates a NATS backend factory
func NewFactory(options ...FactoryOption) *Factory {
	f := &Factory{connect: Connect}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// IsSupportedEndpointType handles "nats"
func (f *Factory) IsSupportedEndpointType(endpointType string) bool {
	return strings.EqualFold(endpointType, "nats")
}

// NewEndpointConnection creates an endpoint. The server is dialed on first use.
func (f *Factory) NewEndpointConnection(desc *contracts.EndpointDescriptor, logger *slog.Logger) (messaging.EndpointConnection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	props := desc.Properties
	url := props.Get(PropertyURL, nats.DefaultURL)
	logger = logger.With("endpoint", desc.Name, "url", url)

	opts := []nats.Option{
		nats.Name(props.Get(PropertyName, "messagebus-"+desc.Name)),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if user := props.Get(PropertyUsername, ""); user != "" {
		opts = append(opts, nats.UserInfo(user, props.Get(PropertyPassword, "")))
	}
	if token := props.Get(PropertyToken, ""); token != "" {
		opts = append(opts, nats.Token(token))
	}

	return &EndpointConnection{
		name:    desc.Name,
		url:     url,
		opts:    opts,
		connect: f.connect,
		logger:  logger,
	}, nil
}

// EndpointConnection holds one NATS connection shared by its publishers and groups
type EndpointConnection struct {
	name    string
	url     string
	opts    []nats.Option
	connect Connector
	logger  *slog.Logger

	mu     sync.Mutex
	conn   Conn
	closed bool
}

// Name returns the endpoint name
func (e *EndpointConnection) Name() string {
	return e.name
}

// Conn returns the connection, dialing it on first use. A failed dial is
// retried by the next caller.
func (e *EndpointConnection) Conn() (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, contracts.ErrAlreadyClosed
	}
	if e.conn != nil {
		return e.conn, nil
	}
	conn, err := e.connect(e.url, e.opts...)
	if err != nil {
		return nil, &contracts.BrokerError{Endpoint: e.name, Op: "connect", Err: err}
	}
	e.conn = conn
	e.logger.Info("nats connection opened")
	return conn, nil
}

// Ping dials if needed and reports whether the connection is up
func (e *EndpointConnection) Ping(ctx context.Context) error {
	conn, err := e.Conn()
	if err != nil {
		return err
	}
	if !conn.IsConnected() {
		return &contracts.BrokerError{Endpoint: e.name, Op: "ping", Err: nats.ErrConnectionClosed}
	}
	return nil
}

// CreatePublisher creates a publisher on the endpoint connection
func (e *EndpointConnection) CreatePublisher(ctx context.Context) (messaging.Publisher, error) {
	conn, err := e.Conn()
	if err != nil {
		return nil, err
	}
	return &publisher{endpoint: e.name, conn: conn}, nil
}

// CreateConsumerGroup creates a queue-group consumer
func (e *EndpointConnection) CreateConsumerGroup(ctx context.Context, groupName string, executor messaging.Executor) (messaging.EndpointConsumerGroup, error) {
	conn, err := e.Conn()
	if err != nil {
		return nil, err
	}
	return &consumerGroup{
		name:     groupName,
		endpoint: e.name,
		conn:     conn,
		executor: executor,
		logger:   e.logger.With("group", groupName),
	}, nil
}

// Close drains the connection so in-flight deliveries complete
func (e *EndpointConnection) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.conn == nil {
		return nil
	}
	if e.conn.IsConnected() {
		if err := e.conn.Drain(); err == nil {
			return nil
		}
	}
	e.conn.Close()
	return nil
}

func subjectPrefix(ns *messaging.Namespace) string {
	return ns.Property(PropertySubjectPrefix, ns.Name())
}

// Subject returns the NATS subject a destination publishes on
func Subject(dest messaging.Destination) string {
	return subjectPrefix(dest.Namespace) + "." + dest.Topic
}

type publisher struct {
	endpoint string
	conn     Conn
}

func (p *publisher) Publish(ctx context.Context, dest messaging.Destination, headers contracts.Headers, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(dest))
	for k, v := range headers {
		msg.Header[k] = []string{v}
	}
	msg.Data = payload
	if err := p.conn.PublishMsg(msg); err != nil {
		return &contracts.BrokerError{Endpoint: p.endpoint, Op: "publish", Err: err}
	}
	return nil
}

func (p *publisher) Close() error {
	return nil
}
