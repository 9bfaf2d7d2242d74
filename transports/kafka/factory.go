// Package kafka is the Apache Kafka backend of the message bus.
//
// A destination "orders:order.created" is written to the Kafka topic
// "orders.order.created" (the prefix comes from the namespace). Consumer
// groups are Kafka consumer groups reading every bound topic; offsets are
// committed after a delivery has been handed to the executor.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

// Endpoint properties
const (
	PropertyBrokers  = "kafka.brokers"
	PropertyClientID = "kafka.client-id"
)

// PropertyTopicPrefix is the namespace property naming the topic prefix
const PropertyTopicPrefix = "kafka.topic-prefix"

// Writer is the part of *kafka.Writer the backend uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the part of *kafka.Reader the backend uses
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterFunc creates the writer of an endpoint
type WriterFunc func(brokers []string, clientID string, log *logrus.Entry) Writer

// ReaderFunc creates the reader of a consumer group
type ReaderFunc func(brokers []string, groupID string, topics []string, log *logrus.Entry) Reader

var (
	_ messaging.EndpointConnectionFactory = (*Factory)(nil)
	_ messaging.EndpointConnection        = (*EndpointConnection)(nil)
)

// NewWriter creates a synchronous kafka-go writer routing by message topic
func NewWriter(brokers []string, clientID string, log *logrus.Entry) Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: clientID},
		Logger:                 kafka.LoggerFunc(log.Debugf),
		ErrorLogger:            kafka.LoggerFunc(log.Errorf),
	}
}

// NewReader creates a kafka-go consumer group reader with manual commits
func NewReader(brokers []string, groupID string, topics []string, log *logrus.Entry) Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
		Logger:         kafka.LoggerFunc(log.Debugf),
		ErrorLogger:    kafka.LoggerFunc(log.Errorf),
	})
}

// Factory creates Kafka endpoint connections
type Factory struct {
	newWriter WriterFunc
	newReader ReaderFunc
	clientLog *logrus.Logger
}

// FactoryOption configures the factory
type FactoryOption func(*Factory)

// WithWriterFunc replaces the writer constructor
func WithWriterFunc(fn WriterFunc) FactoryOption {
	return func(f *Factory) {
		if fn != nil {
			f.newWriter = fn
		}
	}
}

// WithReaderFunc replaces the reader constructor
func WithReaderFunc(fn ReaderFunc) FactoryOption {
	return func(f *Factory) {
		if fn != nil {
			f.newReader = fn
		}
	}
}

// WithClientLogger sets the logrus logger receiving kafka-go's own logs
func WithClientLogger(logger *logrus.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.clientLog = logger
		}
	}
}

// NewFactory creates a Kafka backend factory
func NewFactory(options ...FactoryOption) *Factory {
	clientLog := logrus.New()
	clientLog.SetFormatter(&logrus.JSONFormatter{})
	clientLog.SetLevel(logrus.WarnLevel)

	f := &Factory{
		newWriter: NewWriter,
		newReader: NewReader,
		clientLog: clientLog,
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// IsSupportedEndpointType handles "kafka"
func (f *Factory) IsSupportedEndpointType(endpointType string) bool {
	return strings.EqualFold(endpointType, "kafka")
}

// NewEndpointConnection creates an endpoint. kafka-go connects lazily.
func (f *Factory) NewEndpointConnection(desc *contracts.EndpointDescriptor, logger *slog.Logger) (messaging.EndpointConnection, error) {
	brokers := splitBrokers(desc.Properties.Get(PropertyBrokers, "localhost:9092"))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", contracts.ErrInvalidDescriptor, PropertyBrokers)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointConnection{
		name:      desc.Name,
		brokers:   brokers,
		clientID:  desc.Properties.Get(PropertyClientID, "messagebus-"+desc.Name),
		factory:   f,
		clientLog: f.clientLog.WithFields(logrus.Fields{"endpoint": desc.Name}),
		logger:    logger.With("endpoint", desc.Name),
	}, nil
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// EndpointConnection shares one writer between its publishers
type EndpointConnection struct {
	name      string
	brokers   []string
	clientID  string
	factory   *Factory
	clientLog *logrus.Entry
	logger    *slog.Logger

	mu     sync.Mutex
	writer Writer
	closed bool
}

// Name returns the endpoint name
func (e *EndpointConnection) Name() string {
	return e.name
}

// Brokers returns the bootstrap brokers
func (e *EndpointConnection) Brokers() []string {
	return append([]string(nil), e.brokers...)
}

// Ping dials the bootstrap brokers until one answers
func (e *EndpointConnection) Ping(ctx context.Context) error {
	dialer := &kafka.Dialer{ClientID: e.clientID}
	var lastErr error
	for _, broker := range e.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return &contracts.BrokerError{Endpoint: e.name, Op: "ping", Err: lastErr}
}

// CreatePublisher returns a publisher on the endpoint's writer
func (e *EndpointConnection) CreatePublisher(ctx context.Context) (messaging.Publisher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, contracts.ErrAlreadyClosed
	}
	if e.writer == nil {
		e.writer = e.factory.newWriter(e.brokers, e.clientID, e.clientLog.WithField("role", "writer"))
	}
	return &publisher{endpoint: e.name, writer: e.writer}, nil
}

// CreateConsumerGroup creates a consumer group. Its reader is opened on Subscribe.
func (e *EndpointConnection) CreateConsumerGroup(ctx context.Context, groupName string, executor messaging.Executor) (messaging.EndpointConsumerGroup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, contracts.ErrAlreadyClosed
	}
	return &consumerGroup{
		name:      groupName,
		endpoint:  e,
		executor:  executor,
		logger:    e.logger.With("group", groupName),
		clientLog: e.clientLog.WithFields(logrus.Fields{"role": "reader", "group": groupName}),
	}, nil
}

// Close closes the shared writer
func (e *EndpointConnection) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.writer == nil {
		return nil
	}
	return e.writer.Close()
}

// Topic returns the Kafka topic of a namespace topic
func Topic(ns *messaging.Namespace, topic string) string {
	return ns.Property(PropertyTopicPrefix, ns.Name()) + "." + topic
}

type publisher struct {
	endpoint string
	writer   Writer
}

func (p *publisher) Publish(ctx context.Context, dest messaging.Destination, headers contracts.Headers, payload []byte) error {
	msg := kafka.Message{
		Topic: Topic(dest.Namespace, dest.Topic),
		Value: payload,
		Time:  time.Now(),
	}
	// Tx-Id keys the message so a conversation stays on one partition
	if tx := headers.TxID(); tx != "" {
		msg.Key = []byte(tx)
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return &contracts.BrokerError{Endpoint: p.endpoint, Op: "publish " + msg.Topic, Err: err}
	}
	return nil
}

// Close is a no-op; the writer belongs to the endpoint
func (p *publisher) Close() error {
	return nil
}
