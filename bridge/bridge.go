package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/internal/reliability"
	"github.com/pocat-io/messagebus/messaging"
)

// Bus is the part of a messaging connection the bridge needs
type Bus interface {
	Publish(ctx context.Context, destination string, headers contracts.Headers, payload []byte) error
	Bind(group, source string) error
	Subscribe(ctx context.Context, group string, handler messaging.Handler) error
}

var _ Bus = (*messaging.Connection)(nil)

// BridgeOption configures a bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	Group              string
	DefaultTTL         time.Duration
	MaxPendingRequests int
	CircuitBreaker     *reliability.CircuitBreaker
	RetryPolicy        reliability.RetryPolicy
	Logger             *slog.Logger
}

// WithGroup sets the consumer group that receives replies
func WithGroup(name string) BridgeOption {
	return func(c *BridgeConfig) {
		c.Group = name
	}
}

// WithDefaultTTL sets the reply timeout used when a request passes none
func WithDefaultTTL(ttl time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.DefaultTTL = ttl
	}
}

// WithMaxPendingRequests caps the number of requests awaiting a reply. Zero
// means no limit.
func WithMaxPendingRequests(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPendingRequests = max
	}
}

// WithBridgeCircuitBreaker guards request publishing with cb
func WithBridgeCircuitBreaker(cb *reliability.CircuitBreaker) BridgeOption {
	return func(c *BridgeConfig) {
		c.CircuitBreaker = cb
	}
}

// WithBridgeRetryPolicy retries failed request publishes according to policy
func WithBridgeRetryPolicy(policy reliability.RetryPolicy) BridgeOption {
	return func(c *BridgeConfig) {
		c.RetryPolicy = policy
	}
}

// WithBridgeLogger sets the logger
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// Bridge sends requests over the bus and matches replies arriving on its
// reply address by Tx-Id.
type Bridge struct {
	bus     Bus
	replyTo string
	config  BridgeConfig
	pending *CorrelationRegistry
	logger  *slog.Logger

	startMu sync.Mutex
	started bool
}

// NewBridge creates a bridge whose replies arrive at replyTo ("namespace:topic")
func NewBridge(bus Bus, replyTo string, opts ...BridgeOption) (*Bridge, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if _, err := messaging.ParseAddress(replyTo); err != nil {
		return nil, err
	}

	config := BridgeConfig{
		Group:              fmt.Sprintf("bridge.reply.%s", uuid.New().String()[:8]),
		DefaultTTL:         30 * time.Second,
		MaxPendingRequests: 1000,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Bridge{
		bus:     bus,
		replyTo: replyTo,
		config:  config,
		pending: NewCorrelationRegistry(),
		logger:  config.Logger.With("component", "bridge", "reply_to", replyTo),
	}, nil
}

// ReplyTo returns the address written into the Reply-To header of requests
func (b *Bridge) ReplyTo() string {
	return b.replyTo
}

// Start binds the reply group to the reply address and begins consuming
// replies. A failed start is not remembered; the next call tries again.
func (b *Bridge) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if b.started {
		return nil
	}
	if err := b.bus.Bind(b.config.Group, b.replyTo); err != nil {
		return fmt.Errorf("failed to bind reply group %s: %w", b.config.Group, err)
	}
	if err := b.bus.Subscribe(ctx, b.config.Group, b.handleReply); err != nil {
		return fmt.Errorf("failed to subscribe reply group %s: %w", b.config.Group, err)
	}
	b.started = true
	return nil
}

// Send publishes a request to destination and returns once it is on the bus.
// Exactly one of onReply or onTimeout runs later. If publishing fails the
// request is withdrawn and neither callback runs, unless a callback already
// ran while publishing; then Send reports success and that callback is the
// outcome.
func (b *Bridge) Send(ctx context.Context, destination string, headers contracts.Headers, payload []byte, ttl time.Duration, onReply ReplyFunc, onTimeout TimeoutFunc) (string, error) {
	if ttl <= 0 {
		ttl = b.config.DefaultTTL
	}
	if max := b.config.MaxPendingRequests; max > 0 && b.pending.Pending() >= max {
		return "", contracts.NewStatusError(contracts.StatusTooManyRequests,
			fmt.Sprintf("maximum pending requests (%d) exceeded", max))
	}

	headers = headers.Clone()
	txID := headers.TxID()
	if txID == "" {
		txID = uuid.New().String()
	}
	headers[contracts.HeaderTxID] = txID
	headers[contracts.HeaderReplyTo] = b.replyTo

	if err := b.pending.RegisterPending(txID, onReply, onTimeout, ttl); err != nil {
		return "", err
	}

	if err := b.publish(ctx, destination, headers, payload); err != nil {
		if !b.pending.Withdraw(txID) {
			b.logger.Warn("request publish failed after its outcome was delivered", "tx_id", txID, "error", err)
			return txID, nil
		}
		return "", fmt.Errorf("failed to send request %s: %w", txID, err)
	}
	b.logger.Debug("request sent", "tx_id", txID, "destination", destination, "ttl", ttl)
	return txID, nil
}

// Request sends a request and blocks for its reply. A reply with a non-zero
// Status-Code is returned together with its *contracts.StatusError. A request
// without reply fails with a StatusGatewayTimeout error matching
// contracts.ErrTimeout.
func (b *Bridge) Request(ctx context.Context, destination string, headers contracts.Headers, payload []byte, ttl time.Duration) (*Reply, error) {
	type outcome struct {
		reply *Reply
		err   error
	}
	done := make(chan outcome, 1)

	txID, err := b.Send(ctx, destination, headers, payload, ttl,
		func(reply *Reply) { done <- outcome{reply: reply} },
		func(txID string, err error) { done <- outcome{err: err} },
	)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, contracts.ErrTimeout) {
				return nil, contracts.NewStatusError(contracts.StatusGatewayTimeout, out.err.Error())
			}
			return nil, out.err
		}
		return out.reply, out.reply.Err()
	case <-ctx.Done():
		// a callback racing the withdraw lands in the buffered channel unread
		b.pending.Withdraw(txID)
		return nil, ctx.Err()
	}
}

// Pending returns the number of requests awaiting a reply
func (b *Bridge) Pending() int {
	return b.pending.Pending()
}

// Close evicts every pending request. The reply group stays bound until the
// bus connection closes.
func (b *Bridge) Close() error {
	b.pending.Close()
	return nil
}

func (b *Bridge) publish(ctx context.Context, destination string, headers contracts.Headers, payload []byte) error {
	publishFunc := func() error {
		return b.bus.Publish(ctx, destination, headers, payload)
	}
	if b.config.RetryPolicy != nil {
		inner := publishFunc
		publishFunc = func() error {
			return reliability.Retry(ctx, b.config.RetryPolicy, inner)
		}
	}
	if b.config.CircuitBreaker != nil {
		return b.config.CircuitBreaker.Execute(ctx, publishFunc)
	}
	return publishFunc()
}

func (b *Bridge) handleReply(source string, headers contracts.Headers, payload []byte) {
	txID := headers.TxID()
	if txID == "" {
		b.logger.Warn("reply without transaction id dropped", "source", source)
		return
	}
	if !b.pending.Resolve(txID, &Reply{Source: source, Headers: headers, Payload: payload}) {
		b.logger.Warn("reply for unknown transaction dropped, already timed out", "tx_id", txID, "source", source)
	}
}
