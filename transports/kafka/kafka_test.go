package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

// MockWriter records written messages and feeds them to readers of the same cluster
type MockWriter struct {
	cluster  *mockCluster
	FailWith error
	closed   bool
}

func (w *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.FailWith != nil {
		return w.FailWith
	}
	for _, m := range msgs {
		w.cluster.append(m)
	}
	return nil
}

func (w *MockWriter) Close() error {
	w.closed = true
	return nil
}

type mockCluster struct {
	mu        sync.Mutex
	messages  []kafka.Message
	readers   []*MockReader
	writers   []*MockWriter
	committed []kafka.Message
}

func (c *mockCluster) append(m kafka.Message) {
	c.mu.Lock()
	m.Offset = int64(len(c.messages))
	c.messages = append(c.messages, m)
	readers := append([]*MockReader(nil), c.readers...)
	c.mu.Unlock()

	for _, r := range readers {
		for _, topic := range r.topics {
			if topic == m.Topic {
				r.ch <- m
				break
			}
		}
	}
}

func (c *mockCluster) writer(brokers []string, clientID string, log *logrus.Entry) Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &MockWriter{cluster: c}
	c.writers = append(c.writers, w)
	return w
}

func (c *mockCluster) reader(brokers []string, groupID string, topics []string, log *logrus.Entry) Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &MockReader{cluster: c, groupID: groupID, topics: topics, ch: make(chan kafka.Message, 16)}
	c.readers = append(c.readers, r)
	return r
}

// MockReader delivers the messages written to its topics
type MockReader struct {
	cluster *mockCluster
	groupID string
	topics  []string
	ch      chan kafka.Message
	closed  bool
}

func (r *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.cluster.mu.Lock()
	defer r.cluster.mu.Unlock()
	r.cluster.committed = append(r.cluster.committed, msgs...)
	return nil
}

func (r *MockReader) Close() error {
	r.closed = true
	return nil
}

type syncExecutor struct{}

func (syncExecutor) Execute(task func()) error      { task(); return nil }
func (syncExecutor) Shutdown(context.Context) error { return nil }

func newTestEndpoint(t *testing.T, cluster *mockCluster) *EndpointConnection {
	t.Helper()
	f := NewFactory(WithWriterFunc(cluster.writer), WithReaderFunc(cluster.reader), WithClientLogger(logrus.New()))
	ep, err := f.NewEndpointConnection(&contracts.EndpointDescriptor{
		Name:       "stream",
		Type:       "kafka",
		Properties: contracts.Properties{PropertyBrokers: "k1:9092, k2:9092,"},
	}, nil)
	require.NoError(t, err)
	return ep.(*EndpointConnection)
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	assert.True(t, f.IsSupportedEndpointType("Kafka"))
	assert.False(t, f.IsSupportedEndpointType("rabbitmq"))

	_, err := f.NewEndpointConnection(&contracts.EndpointDescriptor{
		Name: "bad", Type: "kafka", Properties: contracts.Properties{PropertyBrokers: " , "},
	}, nil)
	assert.ErrorIs(t, err, contracts.ErrInvalidDescriptor)

	cluster := &mockCluster{}
	ep := newTestEndpoint(t, cluster)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, ep.Brokers())
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "orders.created", Topic(messaging.NewNamespace("orders", nil, nil), "created"))
	assert.Equal(t, "acme.orders.created", Topic(messaging.NewNamespace("orders", nil,
		contracts.Properties{PropertyTopicPrefix: "acme.orders"}), "created"))
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	cluster := &mockCluster{}
	ep := newTestEndpoint(t, cluster)
	defer ep.Close()
	ns := messaging.NewNamespace("orders", ep, nil)

	group, err := ep.CreateConsumerGroup(ctx, "billing", syncExecutor{})
	require.NoError(t, err)
	require.NoError(t, group.Bind(ctx, messaging.MessageSource{Namespace: ns, Topic: "created"}))
	require.NoError(t, group.Bind(ctx, messaging.MessageSource{Namespace: ns, Topic: "created"}))

	type delivery struct {
		source  string
		headers contracts.Headers
		payload string
	}
	got := make(chan delivery, 4)
	require.NoError(t, group.Subscribe(ctx, func(source string, headers contracts.Headers, payload []byte) {
		got <- delivery{source, headers, string(payload)}
	}))

	cluster.mu.Lock()
	require.Len(t, cluster.readers, 1)
	reader := cluster.readers[0]
	cluster.mu.Unlock()
	assert.Equal(t, "billing", reader.groupID)
	assert.Equal(t, []string{"orders.created"}, reader.topics)

	pub, err := ep.CreatePublisher(ctx)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, messaging.Destination{Namespace: ns, Topic: "created"},
		contracts.Headers{contracts.HeaderTxID: "tx-9"}, []byte("hello")))

	select {
	case d := <-got:
		assert.Equal(t, "orders:created", d.source)
		assert.Equal(t, "tx-9", d.headers.TxID())
		assert.Equal(t, "hello", d.payload)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	cluster.mu.Lock()
	assert.Equal(t, []byte("tx-9"), cluster.messages[0].Key)
	cluster.mu.Unlock()

	require.NoError(t, group.Close())
	assert.True(t, reader.closed)

	cluster.mu.Lock()
	assert.Len(t, cluster.committed, 1)
	cluster.mu.Unlock()
}

func TestBindRules(t *testing.T) {
	ctx := context.Background()
	cluster := &mockCluster{}
	ep := newTestEndpoint(t, cluster)
	ns := messaging.NewNamespace("orders", ep, nil)

	group, err := ep.CreateConsumerGroup(ctx, "g", syncExecutor{})
	require.NoError(t, err)

	err = group.Bind(ctx, messaging.MessageSource{Namespace: ns, Topic: "order.*"})
	assert.ErrorIs(t, err, contracts.ErrInvalidAddress)

	err = group.Subscribe(ctx, func(string, contracts.Headers, []byte) {})
	assert.ErrorIs(t, err, contracts.ErrUnknownGroup)

	require.NoError(t, group.Bind(ctx, messaging.MessageSource{Namespace: ns, Topic: "a"}))
	require.NoError(t, group.Subscribe(ctx, func(string, contracts.Headers, []byte) {}))
	defer group.Close()

	assert.ErrorIs(t, group.Bind(ctx, messaging.MessageSource{Namespace: ns, Topic: "b"}), contracts.ErrAlreadySubscribed)
	assert.ErrorIs(t, group.Subscribe(ctx, func(string, contracts.Headers, []byte) {}), contracts.ErrAlreadySubscribed)
}

func TestPublishErrorsAndClose(t *testing.T) {
	ctx := context.Background()
	cluster := &mockCluster{}
	ep := newTestEndpoint(t, cluster)
	ns := messaging.NewNamespace("orders", ep, nil)

	pub, err := ep.CreatePublisher(ctx)
	require.NoError(t, err)
	pub2, err := ep.CreatePublisher(ctx)
	require.NoError(t, err)

	cluster.mu.Lock()
	require.Len(t, cluster.writers, 1, "publishers share one writer")
	writer := cluster.writers[0]
	cluster.mu.Unlock()

	writer.FailWith = errors.New("leader not available")
	err = pub.Publish(ctx, messaging.Destination{Namespace: ns, Topic: "x"}, nil, nil)
	assert.ErrorIs(t, err, contracts.ErrBrokerIO)
	require.NoError(t, pub2.Close())

	require.NoError(t, ep.Close())
	assert.True(t, writer.closed)
	_, err = ep.CreatePublisher(ctx)
	assert.ErrorIs(t, err, contracts.ErrAlreadyClosed)
}

func TestPingUnreachable(t *testing.T) {
	ep, err := NewFactory().NewEndpointConnection(&contracts.EndpointDescriptor{
		Name: "down", Type: "kafka", Properties: contracts.Properties{PropertyBrokers: "127.0.0.1:1"},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, ep.(*EndpointConnection).Ping(ctx), contracts.ErrBrokerIO)
}
