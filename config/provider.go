// Package config supplies namespace and endpoint descriptors to the message bus.
//
// Descriptors are read from YAML (gopkg.in/yaml.v3), either one document with
// every endpoint and namespace (FileProvider) or a directory with one file per
// descriptor (DirProvider). Property values may reference environment
// variables as ${VAR}.
package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

var (
	_ messaging.ContextProvider = (*StaticProvider)(nil)
	_ messaging.ContextProvider = (*DirProvider)(nil)
)

// Document is the on-disk layout of a descriptor file
type Document struct {
	Endpoints  []contracts.EndpointDescriptor  `yaml:"endpoints"`
	Namespaces []contracts.NamespaceDescriptor `yaml:"namespaces"`
}

// Validate checks every descriptor and rejects duplicate names
func (d *Document) Validate() error {
	endpoints := make(map[string]struct{}, len(d.Endpoints))
	for i := range d.Endpoints {
		ep := &d.Endpoints[i]
		if ep.Name == "" {
			return fmt.Errorf("%w: endpoint #%d has no name", contracts.ErrInvalidDescriptor, i)
		}
		if _, dup := endpoints[ep.Name]; dup {
			return fmt.Errorf("%w: duplicate endpoint [%s]", contracts.ErrInvalidDescriptor, ep.Name)
		}
		endpoints[ep.Name] = struct{}{}
		if err := ep.Validate(); err != nil {
			return err
		}
	}

	namespaces := make(map[string]struct{}, len(d.Namespaces))
	for i := range d.Namespaces {
		ns := &d.Namespaces[i]
		if err := ns.Validate(); err != nil {
			return err
		}
		if _, dup := namespaces[ns.Name]; dup {
			return fmt.Errorf("%w: duplicate namespace [%s]", contracts.ErrInvalidDescriptor, ns.Name)
		}
		namespaces[ns.Name] = struct{}{}
	}
	return nil
}

// StaticProvider serves descriptors held in memory
type StaticProvider struct {
	mu         sync.RWMutex
	endpoints  map[string]*contracts.EndpointDescriptor
	namespaces map[string]*contracts.NamespaceDescriptor
}

// NewStaticProvider creates an empty provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		endpoints:  make(map[string]*contracts.EndpointDescriptor),
		namespaces: make(map[string]*contracts.NamespaceDescriptor),
	}
}

// FromDocument validates doc and loads it into a provider
func FromDocument(doc *Document) (*StaticProvider, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	p := NewStaticProvider()
	for i := range doc.Endpoints {
		p.AddEndpoint(doc.Endpoints[i])
	}
	for i := range doc.Namespaces {
		if err := p.AddNamespace(doc.Namespaces[i]); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddEndpoint registers or replaces an endpoint descriptor
func (p *StaticProvider) AddEndpoint(desc contracts.EndpointDescriptor) {
	desc.Properties = ExpandProperties(desc.Properties)
	p.mu.Lock()
	p.endpoints[desc.Name] = &desc
	p.mu.Unlock()
}

// AddNamespace registers or replaces a namespace descriptor
func (p *StaticProvider) AddNamespace(desc contracts.NamespaceDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	desc.Properties = ExpandProperties(desc.Properties)
	if desc.Endpoint != nil {
		inline := *desc.Endpoint
		inline.Properties = ExpandProperties(inline.Properties)
		desc.Endpoint = &inline
	}
	p.mu.Lock()
	p.namespaces[desc.Name] = &desc
	p.mu.Unlock()
	return nil
}

func (p *StaticProvider) replace(other *StaticProvider) {
	other.mu.RLock()
	endpoints, namespaces := other.endpoints, other.namespaces
	other.mu.RUnlock()

	p.mu.Lock()
	p.endpoints, p.namespaces = endpoints, namespaces
	p.mu.Unlock()
}

// NamespaceContext returns a namespace descriptor
func (p *StaticProvider) NamespaceContext(name string) (*contracts.NamespaceDescriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownNamespace, name)
	}
	return d, nil
}

// EndpointContext returns an endpoint descriptor
func (p *StaticProvider) EndpointContext(name string) (*contracts.EndpointDescriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, name)
	}
	return d, nil
}

// NamespaceNames returns the registered namespace names in order
func (p *StaticProvider) NamespaceNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.namespaces))
	for name := range p.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Endpoints returns the registered endpoint descriptors
func (p *StaticProvider) Endpoints() []contracts.EndpointDescriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]contracts.EndpointDescriptor, 0, len(p.endpoints))
	for _, d := range p.endpoints {
		out = append(out, *d)
	}
	return out
}
