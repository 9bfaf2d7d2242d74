package messaging

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pocat-io/messagebus/contracts"
)

// Registry holds backend factories in registration order
type Registry struct {
	mu        sync.RWMutex
	factories []EndpointConnectionFactory
}

// NewRegistry creates a registry with the given factories, queried in order
func NewRegistry(factories ...EndpointConnectionFactory) *Registry {
	r := &Registry{}
	for _, f := range factories {
		r.Register(f)
	}
	return r
}

// Register appends a factory. Earlier registrations take precedence.
func (r *Registry) Register(factory EndpointConnectionFactory) {
	if factory == nil {
		return
	}
	r.mu.Lock()
	r.factories = append(r.factories, factory)
	r.mu.Unlock()
}

// Lookup returns the first factory supporting endpointType
func (r *Registry) Lookup(endpointType string) (EndpointConnectionFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, f := range r.factories {
		if f.IsSupportedEndpointType(endpointType) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", contracts.ErrUnknownEndpointType, endpointType)
}

// Provide creates an endpoint connection for the descriptor
func (r *Registry) Provide(desc *contracts.EndpointDescriptor, logger *slog.Logger) (EndpointConnection, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	f, err := r.Lookup(desc.Type)
	if err != nil {
		return nil, err
	}
	return f.NewEndpointConnection(desc, logger)
}
