package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocat-io/messagebus/config"
	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/internal/reliability"
	"github.com/pocat-io/messagebus/messaging"
	"github.com/pocat-io/messagebus/transports/memory"
)

func memoryBus(t *testing.T) *messaging.Connection {
	t.Helper()
	p := config.NewStaticProvider()
	p.AddEndpoint(contracts.EndpointDescriptor{Name: "local", Type: "memory"})
	require.NoError(t, p.AddNamespace(contracts.NamespaceDescriptor{Name: "svc", EndpointRef: "local"}))
	require.NoError(t, p.AddNamespace(contracts.NamespaceDescriptor{Name: "gw", EndpointRef: "local"}))

	conn, err := messaging.NewConnection(p, messaging.NewRegistry(memory.NewFactory()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startBridge(t *testing.T, bus Bus, opts ...BridgeOption) *Bridge {
	t.Helper()
	b, err := NewBridge(bus, "gw:replies.gw-1", opts...)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func serve(t *testing.T, bus Bus, handler RequestHandler) {
	t.Helper()
	r, err := NewResponder(bus, "order-service", handler, nil)
	require.NoError(t, err)
	require.NoError(t, r.Serve(context.Background(), "svc:orders.*"))
}

// stubBus records publishes and fails them while failures > 0
type stubBus struct {
	mu                sync.Mutex
	failures          int
	subscribeFailures int
	subscribes        int
	published         []contracts.Headers
}

func (s *stubBus) Publish(_ context.Context, _ string, headers contracts.Headers, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, headers)
	if s.failures > 0 {
		s.failures--
		return &contracts.BrokerError{Endpoint: "stub", Op: "publish", Err: errors.New("connection reset")}
	}
	return nil
}

func (s *stubBus) Bind(string, string) error { return nil }

func (s *stubBus) Subscribe(context.Context, string, messaging.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes++
	if s.subscribeFailures > 0 {
		s.subscribeFailures--
		return &contracts.BrokerError{Endpoint: "stub", Op: "subscribe", Err: errors.New("broker unavailable")}
	}
	return nil
}

func (s *stubBus) publishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func TestBridge_RequestReply(t *testing.T) {
	bus := memoryBus(t)
	serve(t, bus, func(_ context.Context, req *Reply) (contracts.Headers, []byte, error) {
		return contracts.Headers{"Handled-By": req.Source}, []byte(strings.ToUpper(string(req.Payload))), nil
	})
	b := startBridge(t, bus)

	reply, err := b.Request(context.Background(), "svc:orders.create", contracts.Headers{contracts.HeaderTxID: "tx-42"}, []byte("hello"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(reply.Payload))
	assert.Equal(t, "tx-42", reply.Headers.TxID())
	assert.Equal(t, contracts.StatusSuccess, reply.Status())
	assert.Equal(t, "svc:orders.create", reply.Headers["Handled-By"])
	assert.Equal(t, "gw:replies.gw-1", reply.Source)
	assert.Zero(t, b.Pending())
}

func TestBridge_GeneratesTxID(t *testing.T) {
	bus := &stubBus{}
	b := startBridge(t, bus)

	headers := contracts.Headers{"k": "v"}
	txID, err := b.Send(context.Background(), "svc:orders.create", headers, nil, time.Minute, func(*Reply) {}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, txID)

	sent := bus.published[0]
	assert.Equal(t, txID, sent.TxID())
	assert.Equal(t, "gw:replies.gw-1", sent.ReplyTo())
	assert.Equal(t, "v", sent["k"])
	assert.NotContains(t, headers, contracts.HeaderTxID, "caller headers are not modified")
}

func TestBridge_StatusErrors(t *testing.T) {
	bus := memoryBus(t)
	serve(t, bus, func(_ context.Context, req *Reply) (contracts.Headers, []byte, error) {
		if string(req.Payload) == "missing" {
			return nil, nil, contracts.NewStatusError(contracts.StatusNotFound, "order not found")
		}
		return nil, nil, errors.New("database unavailable")
	})
	b := startBridge(t, bus)

	var statusErr *contracts.StatusError

	reply, err := b.Request(context.Background(), "svc:orders.get", nil, []byte("missing"), time.Second)
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, contracts.StatusNotFound, statusErr.Code)
	assert.Equal(t, "order not found", statusErr.Message)
	require.NotNil(t, reply)
	assert.Equal(t, "40400", reply.Headers[contracts.HeaderStatusCode])

	_, err = b.Request(context.Background(), "svc:orders.get", nil, []byte("boom"), time.Second)
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, contracts.StatusUnknownError, statusErr.Code)
	assert.Equal(t, "database unavailable", statusErr.Message)
}

func TestBridge_Timeout(t *testing.T) {
	bus := memoryBus(t)
	b := startBridge(t, bus)

	start := time.Now()
	_, err := b.Request(context.Background(), "svc:orders.create", nil, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, contracts.ErrTimeout)
	var statusErr *contracts.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, contracts.StatusGatewayTimeout, statusErr.Code)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Zero(t, b.Pending())
}

func TestBridge_LateReplyDropped(t *testing.T) {
	bus := memoryBus(t)
	b := startBridge(t, bus)

	replies := make(chan *Reply, 1)
	timeouts := make(chan error, 1)
	txID, err := b.Send(context.Background(), "svc:orders.create", nil, nil, 50*time.Millisecond,
		func(r *Reply) { replies <- r },
		func(_ string, err error) { timeouts <- err },
	)
	require.NoError(t, err)

	select {
	case err := <-timeouts:
		assert.ErrorIs(t, err, contracts.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}

	require.NoError(t, bus.Publish(context.Background(), b.ReplyTo(), contracts.Headers{contracts.HeaderTxID: txID}, []byte("late")))
	select {
	case <-replies:
		t.Fatal("late reply must be dropped")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridge_ExactlyOnceUnderDuplicateReplies(t *testing.T) {
	bus := memoryBus(t)
	serve(t, bus, func(_ context.Context, req *Reply) (contracts.Headers, []byte, error) {
		// a second copy of the reply races the first one
		dup := contracts.Headers{contracts.HeaderTxID: req.Headers.TxID()}
		_ = bus.Publish(context.Background(), req.Headers.ReplyTo(), dup, []byte("dup"))
		return nil, []byte("first"), nil
	})
	b := startBridge(t, bus)

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{}, 4)
	_, err := b.Send(context.Background(), "svc:orders.create", nil, nil, 200*time.Millisecond,
		func(*Reply) {
			mu.Lock()
			calls++
			mu.Unlock()
			done <- struct{}{}
		},
		func(string, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			done <- struct{}{}
		},
	)
	require.NoError(t, err)

	<-done
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestBridge_PublishFailureWithdraws(t *testing.T) {
	bus := &stubBus{failures: 1}
	b := startBridge(t, bus)

	called := false
	_, err := b.Send(context.Background(), "svc:orders.create", nil, nil, time.Minute,
		func(*Reply) { called = true },
		func(string, error) { called = true },
	)
	assert.ErrorIs(t, err, contracts.ErrBrokerIO)
	assert.Zero(t, b.Pending())
	assert.False(t, called)
}

func TestBridge_RetryPolicy(t *testing.T) {
	bus := &stubBus{failures: 2}
	b := startBridge(t, bus, WithBridgeRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))

	_, err := b.Send(context.Background(), "svc:orders.create", nil, nil, time.Minute, func(*Reply) {}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, bus.publishes())
	assert.Equal(t, 1, b.Pending())
}

func TestBridge_CircuitBreaker(t *testing.T) {
	bus := &stubBus{failures: 10}
	cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Minute))
	b := startBridge(t, bus, WithBridgeCircuitBreaker(cb))

	_, err := b.Send(context.Background(), "svc:orders.create", nil, nil, time.Minute, func(*Reply) {}, nil)
	assert.ErrorIs(t, err, contracts.ErrBrokerIO)

	_, err = b.Send(context.Background(), "svc:orders.create", nil, nil, time.Minute, func(*Reply) {}, nil)
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	assert.Equal(t, 1, bus.publishes(), "open circuit does not reach the bus")
	assert.Zero(t, b.Pending())
}

func TestBridge_MaxPending(t *testing.T) {
	b := startBridge(t, &stubBus{}, WithMaxPendingRequests(1))

	_, err := b.Send(context.Background(), "svc:a", nil, nil, time.Minute, func(*Reply) {}, nil)
	require.NoError(t, err)
	_, err = b.Send(context.Background(), "svc:a", nil, nil, time.Minute, func(*Reply) {}, nil)
	var statusErr *contracts.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, contracts.StatusTooManyRequests, statusErr.Code)
}

func TestBridge_ContextCancel(t *testing.T) {
	b := startBridge(t, &stubBus{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, "svc:orders.create", nil, nil, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, b.Pending())
}

func TestBridge_CloseEvictsPending(t *testing.T) {
	b := startBridge(t, &stubBus{})

	result := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "svc:orders.create", nil, nil, time.Minute)
		result <- err
	}()
	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	select {
	case err := <-result:
		assert.ErrorIs(t, err, contracts.ErrAlreadyClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not evicted")
	}

	_, err := b.Send(context.Background(), "svc:orders.create", nil, nil, time.Minute, func(*Reply) {}, nil)
	assert.ErrorIs(t, err, contracts.ErrAlreadyClosed)
}

func TestNewBridge_Validation(t *testing.T) {
	_, err := NewBridge(nil, "gw:replies")
	assert.Error(t, err)
	_, err = NewBridge(&stubBus{}, "no-topic")
	assert.ErrorIs(t, err, contracts.ErrInvalidAddress)
}

func TestResponder_NoReplyTo(t *testing.T) {
	bus := &stubBus{}
	r, err := NewResponder(bus, "svc", func(context.Context, *Reply) (contracts.Headers, []byte, error) {
		return nil, []byte("ignored"), nil
	}, nil)
	require.NoError(t, err)

	r.serveOne(context.Background(), "svc:orders.create", contracts.Headers{contracts.HeaderTxID: "tx"}, nil)
	assert.Zero(t, bus.publishes(), "fire-and-forget requests get no reply")

	r.serveOne(context.Background(), "svc:orders.create", contracts.Headers{contracts.HeaderTxID: "tx", contracts.HeaderReplyTo: "gw:r"}, nil)
	require.Equal(t, 1, bus.publishes())
	assert.Equal(t, "tx", bus.published[0].TxID())
	assert.Equal(t, "0", bus.published[0][contracts.HeaderStatusCode])

	assert.Error(t, r.Serve(context.Background()))
}

func TestBridge_StartRetriesAfterFailure(t *testing.T) {
	bus := &stubBus{subscribeFailures: 1}
	b, err := NewBridge(bus, "gw:replies.gw-1")
	require.NoError(t, err)

	err = b.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrBrokerIO)

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, 2, bus.subscribes, "a started bridge does not subscribe again")
}

func TestBridge_TimeoutDuringPublishRetries(t *testing.T) {
	bus := &stubBus{failures: 100}
	b := startBridge(t, bus, WithBridgeRetryPolicy(reliability.NewFixedDelay(20*time.Millisecond, 3)))

	var timeouts, replies int
	var mu sync.Mutex
	txID, err := b.Send(context.Background(), "svc:orders.create", nil, nil, 5*time.Millisecond,
		func(*Reply) {
			mu.Lock()
			replies++
			mu.Unlock()
		},
		func(string, error) {
			mu.Lock()
			timeouts++
			mu.Unlock()
		},
	)
	require.NoError(t, err, "the timeout is the single outcome")
	assert.NotEmpty(t, txID)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return timeouts == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, replies)
	assert.Zero(t, b.Pending())
}

func TestBridge_RequestTimesOutDuringPublishRetries(t *testing.T) {
	bus := &stubBus{failures: 100}
	b := startBridge(t, bus, WithBridgeRetryPolicy(reliability.NewFixedDelay(20*time.Millisecond, 3)))

	_, err := b.Request(context.Background(), "svc:orders.create", nil, nil, 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrTimeout)
	var statusErr *contracts.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, contracts.StatusGatewayTimeout, statusErr.Code)
}
