package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/pocat-io/messagebus/contracts"
)

// Reply is a response delivered to the reply address of a request
type Reply struct {
	Source  string
	Headers contracts.Headers
	Payload []byte
}

// Status returns the reply's Status-Code
func (r *Reply) Status() int {
	return r.Headers.StatusCode()
}

// Err returns a *contracts.StatusError when the reply carries a non-zero status
func (r *Reply) Err() error {
	code := r.Status()
	if code == contracts.StatusSuccess {
		return nil
	}
	msg := string(r.Payload)
	if msg == "" {
		msg = contracts.StatusText(code)
	}
	return contracts.NewStatusError(code, msg)
}

// ReplyFunc receives the reply of a pending request
type ReplyFunc func(reply *Reply)

// TimeoutFunc is called when a pending request is evicted without a reply
type TimeoutFunc func(txID string, err error)

type pendingEntry struct {
	onReply   ReplyFunc
	onTimeout TimeoutFunc
	timer     *time.Timer
	created   time.Time
}

// CorrelationRegistry tracks requests that are waiting for a reply. Every entry
// is completed exactly once: by Resolve, by its timer, or by Close.
type CorrelationRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	closed  bool
}

// NewCorrelationRegistry creates an empty registry
func NewCorrelationRegistry() *CorrelationRegistry {
	return &CorrelationRegistry{
		pending: make(map[string]*pendingEntry),
	}
}

// RegisterPending stores the callbacks for txID. onTimeout runs with an error
// wrapping contracts.ErrTimeout when no reply arrives within ttl.
func (r *CorrelationRegistry) RegisterPending(txID string, onReply ReplyFunc, onTimeout TimeoutFunc, ttl time.Duration) error {
	if txID == "" {
		return fmt.Errorf("%w: empty transaction id", contracts.ErrInvalidDescriptor)
	}
	if onReply == nil {
		return fmt.Errorf("reply callback cannot be nil")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return contracts.ErrAlreadyClosed
	}
	if _, ok := r.pending[txID]; ok {
		return fmt.Errorf("%w: %s", contracts.ErrDuplicateTxID, txID)
	}

	entry := &pendingEntry{
		onReply:   onReply,
		onTimeout: onTimeout,
		created:   time.Now(),
	}
	entry.timer = time.AfterFunc(ttl, func() {
		r.expire(txID, entry, ttl)
	})
	r.pending[txID] = entry
	return nil
}

// Resolve hands reply to the entry registered for txID. It returns false when
// nothing is pending, typically because the entry already timed out.
func (r *CorrelationRegistry) Resolve(txID string, reply *Reply) bool {
	entry := r.take(txID, nil)
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	entry.onReply(reply)
	return true
}

// Withdraw drops the entry for txID without invoking either callback
func (r *CorrelationRegistry) Withdraw(txID string) bool {
	entry := r.take(txID, nil)
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	return true
}

// Pending returns the number of outstanding entries
func (r *CorrelationRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close evicts every pending entry. Their timeout callbacks receive an error
// wrapping contracts.ErrAlreadyClosed.
func (r *CorrelationRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	evicted := r.pending
	r.pending = make(map[string]*pendingEntry)
	r.mu.Unlock()

	for txID, entry := range evicted {
		entry.timer.Stop()
		if entry.onTimeout != nil {
			entry.onTimeout(txID, fmt.Errorf("request %s evicted: %w", txID, contracts.ErrAlreadyClosed))
		}
	}
}

func (r *CorrelationRegistry) expire(txID string, entry *pendingEntry, ttl time.Duration) {
	if r.take(txID, entry) == nil {
		return
	}
	if entry.onTimeout != nil {
		entry.onTimeout(txID, fmt.Errorf("request %s: no reply within %s: %w", txID, ttl, contracts.ErrTimeout))
	}
}

// take removes the entry for txID. When want is set, only that exact entry is
// removed so a stale timer cannot evict a re-registered id.
func (r *CorrelationRegistry) take(txID string, want *pendingEntry) *pendingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[txID]
	if !ok || (want != nil && entry != want) {
		return nil
	}
	delete(r.pending, txID)
	return entry
}
