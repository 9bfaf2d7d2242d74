package messaging

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pocat-io/messagebus/contracts"
)

type route struct {
	namespace string
	pattern   string
	handler   Handler
}

// MessageDispatcher routes the deliveries of one consumer group to handlers
// by source. A route "orders:order.*" matches sources of namespace orders
// whose topic matches the pattern. The first matching route wins.
type MessageDispatcher struct {
	mu       sync.RWMutex
	routes   []route
	fallback Handler
	logger   *slog.Logger
}

// DispatcherOption configures the MessageDispatcher
type DispatcherOption func(*MessageDispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.logger = logger
	}
}

// WithFallback handles deliveries no route matches. Without it they are
// logged and dropped.
func WithFallback(handler Handler) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.fallback = handler
	}
}

// NewMessageDispatcher creates a new message dispatcher
func NewMessageDispatcher(options ...DispatcherOption) *MessageDispatcher {
	d := &MessageDispatcher{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// RegisterHandler routes sources matching pattern to handler
func (d *MessageDispatcher) RegisterHandler(pattern string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	addr, err := ParseAddress(pattern)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, route{namespace: addr.Namespace, pattern: addr.Topic, handler: handler})
	return nil
}

// Dispatch implements Handler
func (d *MessageDispatcher) Dispatch(source string, headers contracts.Headers, payload []byte) {
	if h := d.lookup(source); h != nil {
		h(source, headers, payload)
		return
	}
	if d.fallback != nil {
		d.fallback(source, headers, payload)
		return
	}
	d.logger.Warn("no handler for delivery, dropped", "source", source, "txId", headers.TxID())
}

func (d *MessageDispatcher) lookup(source string) Handler {
	addr, err := ParseAddress(source)
	if err != nil {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.routes {
		if r.namespace == addr.Namespace && MatchTopic(r.pattern, addr.Topic) {
			return r.handler
		}
	}
	return nil
}
