package messaging

import (
	"strings"

	"github.com/pocat-io/messagebus/contracts"
)

// AddressSeparator splits the namespace from the topic
const AddressSeparator = ":"

// Address is a parsed "namespace:topic" string
type Address struct {
	Namespace string
	Topic     string
}

// String returns the "namespace:topic" form
func (a Address) String() string {
	return a.Namespace + AddressSeparator + a.Topic
}

// ParseAddress splits an address at the first separator. Both parts must be non-empty.
func ParseAddress(address string) (Address, error) {
	idx := strings.Index(address, AddressSeparator)
	if idx < 0 {
		return Address{}, &contracts.AddressError{Address: address, Reason: "missing separator"}
	}
	ns, topic := address[:idx], address[idx+1:]
	if ns == "" {
		return Address{}, &contracts.AddressError{Address: address, Reason: "empty namespace"}
	}
	if topic == "" {
		return Address{}, &contracts.AddressError{Address: address, Reason: "empty topic"}
	}
	return Address{Namespace: ns, Topic: topic}, nil
}

// Namespace is a resolved routing domain bound to one endpoint connection.
// It is immutable once created.
type Namespace struct {
	name       string
	endpoint   EndpointConnection
	properties contracts.Properties
}

// NewNamespace creates a namespace. Used by the connection and by backend tests.
func NewNamespace(name string, endpoint EndpointConnection, properties contracts.Properties) *Namespace {
	props := make(contracts.Properties, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	return &Namespace{name: name, endpoint: endpoint, properties: props}
}

func (n *Namespace) Name() string                     { return n.name }
func (n *Namespace) Endpoint() EndpointConnection     { return n.endpoint }
func (n *Namespace) Properties() contracts.Properties { return n.properties }

// Property returns a namespace property or def
func (n *Namespace) Property(key, def string) string {
	return n.properties.Get(key, def)
}

// Destination is a publish target
type Destination struct {
	Namespace *Namespace
	Topic     string
}

// Name returns "namespace:topic"
func (d Destination) Name() string {
	return d.Namespace.Name() + AddressSeparator + d.Topic
}

// MessageSource is a subscribe source
type MessageSource struct {
	Namespace *Namespace
	Topic     string
}

// Name returns "namespace:topic"
func (s MessageSource) Name() string {
	return s.Namespace.Name() + AddressSeparator + s.Topic
}
