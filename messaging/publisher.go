package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pocat-io/messagebus/contracts"
)

// publisherManager caches one Publisher per endpoint connection
type publisherManager struct {
	mu         sync.RWMutex
	publishers map[EndpointConnection]Publisher
	closed     bool
	logger     *slog.Logger
}

func newPublisherManager(logger *slog.Logger) *publisherManager {
	return &publisherManager{
		publishers: make(map[EndpointConnection]Publisher),
		logger:     logger,
	}
}

// Publish sends through the endpoint's publisher, creating it on first use
func (m *publisherManager) Publish(ctx context.Context, dest Destination, headers contracts.Headers, payload []byte) error {
	p, err := m.publisherFor(ctx, dest.Namespace.Endpoint())
	if err != nil {
		return err
	}
	return p.Publish(ctx, dest, headers, payload)
}

func (m *publisherManager) publisherFor(ctx context.Context, ep EndpointConnection) (Publisher, error) {
	m.mu.RLock()
	p, ok := m.publishers[ep]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, contracts.ErrAlreadyClosed
	}
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, contracts.ErrAlreadyClosed
	}
	if p, ok := m.publishers[ep]; ok {
		return p, nil
	}

	p, err := ep.CreatePublisher(ctx)
	if err != nil {
		return nil, err
	}
	m.publishers[ep] = p
	m.logger.Debug("publisher created", "endpoint", ep.Name())
	return p, nil
}

// Len returns how many publishers are cached
func (m *publisherManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishers)
}

// Close closes every publisher
func (m *publisherManager) Close() error {
	m.mu.Lock()
	m.closed = true
	publishers := m.publishers
	m.publishers = make(map[EndpointConnection]Publisher)
	m.mu.Unlock()

	var errs []error
	for ep, p := range publishers {
		if err := p.Close(); err != nil {
			m.logger.Warn("failed to close publisher", "endpoint", ep.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
