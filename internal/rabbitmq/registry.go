package rabbitmq

import (
	"log/slog"
	"sync"
)

// PoolKey identifies pools that may be shared
type PoolKey struct {
	URL            string
	MaxConnections int
	MaxSessions    int
}

type pooled struct {
	pool *ConnectionPool
	refs int
}

// PoolRegistry shares one pool per key between endpoint connections of the
// same role. A pool is closed when its last holder releases it.
type PoolRegistry struct {
	role   string
	dial   Dialer
	logger *slog.Logger

	mu    sync.Mutex
	pools map[PoolKey]*pooled
}

// NewPoolRegistry creates a registry for one traffic role
func NewPoolRegistry(role string, dial Dialer, logger *slog.Logger) *PoolRegistry {
	if dial == nil {
		dial = DialAMQP
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolRegistry{
		role:   role,
		dial:   dial,
		logger: logger,
		pools:  make(map[PoolKey]*pooled),
	}
}

// Role returns the traffic role of the registry's pools
func (r *PoolRegistry) Role() string {
	return r.role
}

// Acquire returns the pool for key, creating it on first use
func (r *PoolRegistry) Acquire(key PoolKey, options ...PoolOption) *ConnectionPool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.pools[key]; ok {
		e.refs++
		return e.pool
	}

	opts := []PoolOption{
		WithRole(r.role),
		WithDialer(r.dial),
		WithPoolLogger(r.logger),
		WithMaxConnections(key.MaxConnections),
		WithMaxSessions(key.MaxSessions),
	}
	pool := NewConnectionPool(key.URL, append(opts, options...)...)
	r.pools[key] = &pooled{pool: pool, refs: 1}
	return pool
}

// Release drops one reference and closes the pool with the last one
func (r *PoolRegistry) Release(key PoolKey) error {
	r.mu.Lock()
	e, ok := r.pools[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.pools, key)
	r.mu.Unlock()

	return e.pool.Close()
}

// Len returns how many pools are open
func (r *PoolRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}
