package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is a pooled AMQP channel
type Session struct {
	Channel
	id         string
	conn       *physicalConn
	confirming bool
	discarded  atomic.Bool
}

// ID returns the session identifier used in logs and errors
func (s *Session) ID() string {
	return s.id
}

// EnableConfirms puts the session in confirm mode once
func (s *Session) EnableConfirms() error {
	if s.confirming {
		return nil
	}
	if err := s.Confirm(false); err != nil {
		return err
	}
	s.confirming = true
	return nil
}

func (s *Session) usable() bool {
	return !s.Channel.IsClosed() && !s.conn.conn.IsClosed()
}

type physicalConn struct {
	id       string
	conn     Connection
	sessions int
}

// PoolStats is a point-in-time view of a pool
type PoolStats struct {
	Role           string
	Sessions       int
	IdleSessions   int
	Connections    int
	MaxSessions    int
	MaxConnections int
	Closed         bool
}

// ConnectionPool leases channel sessions carved from a bounded set of
// physical connections. Acquire blocks while maxSessions sessions are leased.
type ConnectionPool struct {
	url                   string
	role                  string
	dial                  Dialer
	maxConnections        int
	maxSessions           int
	sessionsPerConnection int
	idleCapacity          int
	logger                *slog.Logger

	idle chan *Session
	done chan struct{}

	mu       sync.Mutex
	conns    []*physicalConn
	dialing  int
	sessions int
	freed    chan struct{}
	closed   bool
}

// PoolOption configures the connection pool
type PoolOption func(*ConnectionPool)

// WithMaxConnections caps the physical connections
func WithMaxConnections(n int) PoolOption {
	return func(p *ConnectionPool) {
		if n > 0 {
			p.maxConnections = n
		}
	}
}

// WithMaxSessions caps the sessions open at once
func WithMaxSessions(n int) PoolOption {
	return func(p *ConnectionPool) {
		if n > 0 {
			p.maxSessions = n
		}
	}
}

// WithSessionsPerConnection sets how many sessions a connection carries before
// another connection is opened
func WithSessionsPerConnection(n int) PoolOption {
	return func(p *ConnectionPool) {
		if n > 0 {
			p.sessionsPerConnection = n
		}
	}
}

// WithIdleCapacity sets how many released sessions are kept open
func WithIdleCapacity(n int) PoolOption {
	return func(p *ConnectionPool) {
		if n >= 0 {
			p.idleCapacity = n
		}
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial Dialer) PoolOption {
	return func(p *ConnectionPool) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// WithRole labels the pool in logs and stats
func WithRole(role string) PoolOption {
	return func(p *ConnectionPool) {
		p.role = role
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *ConnectionPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewConnectionPool creates a pool. No connection is opened until the first Acquire.
func NewConnectionPool(url string, options ...PoolOption) *ConnectionPool {
	p := &ConnectionPool{
		url:            url,
		dial:           DialAMQP,
		maxConnections: runtime.NumCPU(),
		maxSessions:    runtime.NumCPU() * 16,
		idleCapacity:   -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
		freed:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.sessionsPerConnection == 0 {
		p.sessionsPerConnection = (p.maxSessions + p.maxConnections - 1) / p.maxConnections
	}
	if p.idleCapacity < 0 || p.idleCapacity > p.maxSessions {
		p.idleCapacity = p.maxSessions
	}
	p.idle = make(chan *Session, p.idleCapacity)
	p.logger = p.logger.With("pool", p.role, "url", SanitizeURL(url))
	return p
}

// Acquire leases a session. An idle session is reused when available; otherwise
// a new one is opened while under maxSessions. At the cap, Acquire blocks until a
// session is released, the pool closes or ctx is done.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Session, error) {
	for {
		if s := p.pollIdle(); s != nil {
			return s, nil
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.sessions < p.maxSessions {
			p.sessions++
			p.mu.Unlock()

			s, err := p.openSession(ctx)
			if err != nil {
				p.mu.Lock()
				p.sessions--
				p.broadcastLocked()
				p.mu.Unlock()
				return nil, err
			}
			return s, nil
		}
		freed := p.freed
		p.mu.Unlock()

		select {
		case s := <-p.idle:
			if s.usable() {
				return s, nil
			}
			p.discard(s)
		case <-freed:
		case <-p.done:
			return nil, ErrPoolClosed
		case <-ctx.Done():
			return nil, &ChannelError{Op: "acquire", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		}
	}
}

func (p *ConnectionPool) pollIdle() *Session {
	for {
		select {
		case s := <-p.idle:
			if s.usable() {
				return s
			}
			p.discard(s)
		default:
			return nil
		}
	}
}

// openSession mints a channel from an existing connection with spare capacity,
// dialing a new connection only when none has any and the cap allows it.
func (p *ConnectionPool) openSession(ctx context.Context) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		p.pruneLocked()

		pc := p.leastLoadedLocked(true)
		if pc == nil && len(p.conns)+p.dialing < p.maxConnections {
			p.dialing++
			p.mu.Unlock()

			conn, err := p.dial(p.url)

			p.mu.Lock()
			p.dialing--
			p.broadcastLocked()
			if err != nil {
				p.mu.Unlock()
				return nil, &ConnectionError{Op: "dial", URL: SanitizeURL(p.url), Err: err, Timestamp: time.Now()}
			}
			if p.closed {
				p.mu.Unlock()
				_ = conn.Close()
				return nil, ErrPoolClosed
			}
			pc = &physicalConn{id: uuid.New().String(), conn: conn}
			p.conns = append(p.conns, pc)
			p.logger.Info("physical connection opened", "connections", len(p.conns))
		}
		if pc == nil {
			pc = p.leastLoadedLocked(false)
		}
		if pc == nil {
			// every connection slot is mid-dial; wait for one to finish
			freed := p.freed
			p.mu.Unlock()
			select {
			case <-freed:
				continue
			case <-p.done:
				return nil, ErrPoolClosed
			case <-ctx.Done():
				return nil, &ChannelError{Op: "open session", ChannelID: "new", Err: ctx.Err(), Timestamp: time.Now()}
			}
		}
		pc.sessions++
		p.mu.Unlock()

		ch, err := pc.conn.Channel()
		if err != nil {
			p.mu.Lock()
			pc.sessions--
			p.mu.Unlock()
			return nil, &ChannelError{
				Op:        "open session",
				ChannelID: "new",
				Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
				Timestamp: time.Now(),
			}
		}
		return &Session{Channel: ch, id: uuid.New().String(), conn: pc}, nil
	}
}

// leastLoadedLocked picks the live connection with the fewest sessions. With
// spareOnly it ignores connections already carrying sessionsPerConnection.
func (p *ConnectionPool) leastLoadedLocked(spareOnly bool) *physicalConn {
	var best *physicalConn
	for _, pc := range p.conns {
		if spareOnly && pc.sessions >= p.sessionsPerConnection {
			continue
		}
		if best == nil || pc.sessions < best.sessions {
			best = pc
		}
	}
	return best
}

// pruneLocked forgets connections closed by the broker
func (p *ConnectionPool) pruneLocked() {
	live := p.conns[:0]
	for _, pc := range p.conns {
		if pc.conn.IsClosed() {
			p.logger.Warn("dropping closed physical connection", "connection", pc.id)
			continue
		}
		live = append(live, pc)
	}
	for i := len(live); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	p.conns = live
}

// Release returns a session. Dead sessions, and live ones that do not fit the
// idle queue, are closed and free their slot.
func (p *ConnectionPool) Release(s *Session) {
	if s == nil || s.discarded.Load() {
		return
	}

	p.mu.Lock()
	if !p.closed && s.usable() {
		select {
		case p.idle <- s:
			p.mu.Unlock()
			return
		default:
		}
	}
	p.mu.Unlock()
	p.discard(s)
}

func (p *ConnectionPool) discard(s *Session) {
	if !s.discarded.CompareAndSwap(false, true) {
		return
	}
	if !s.Channel.IsClosed() {
		_ = s.Channel.Close()
	}

	p.mu.Lock()
	p.sessions--
	s.conn.sessions--
	p.broadcastLocked()
	p.mu.Unlock()
}

// broadcastLocked wakes every Acquire waiting for a free slot
func (p *ConnectionPool) broadcastLocked() {
	close(p.freed)
	p.freed = make(chan struct{})
}

// Execute runs fn on a leased session and releases it afterwards
func (p *ConnectionPool) Execute(ctx context.Context, fn func(*Session) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in session execution: %v", r)
			}
		}()
		execErr = fn(s)
	}()
	return execErr
}

// Stats reports the pool's current usage
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Role:           p.role,
		Sessions:       p.sessions,
		IdleSessions:   len(p.idle),
		Connections:    len(p.conns),
		MaxSessions:    p.maxSessions,
		MaxConnections: p.maxConnections,
		Closed:         p.closed,
	}
}

// Close closes every physical connection. Idle sessions die with them and
// leased sessions are discarded when released.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

drainLoop:
	for {
		select {
		case s := <-p.idle:
			p.discard(s)
		default:
			break drainLoop
		}
	}

	var errs []error
	for _, pc := range conns {
		if pc.conn.IsClosed() {
			continue
		}
		if err := pc.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("connection pool closed", "connections", len(conns))
	return errors.Join(errs...)
}
