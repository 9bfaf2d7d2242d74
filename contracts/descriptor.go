package contracts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Properties is the key/value bag attached to descriptors
type Properties map[string]string

// Get returns the value for key or def when the key is absent or empty
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Bool parses key as a boolean, falling back to def on absence or parse failure
func (p Properties) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Int parses key as an integer, falling back to def on absence or parse failure
func (p Properties) Int(key string, def int) int {
	v, ok := p[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// EndpointDescriptor names a physical broker and its connection parameters
type EndpointDescriptor struct {
	Name       string     `yaml:"name" json:"name"`
	Type       string     `yaml:"type" json:"type"`
	Properties Properties `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Validate checks the descriptor is usable
func (d *EndpointDescriptor) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("%w: endpoint [%s] has no type", ErrInvalidDescriptor, d.Name)
	}
	return nil
}

// Fingerprint identifies the endpoint by configuration. Two descriptors with
// the same type and property set produce the same fingerprint regardless of name.
func (d *EndpointDescriptor) Fingerprint() string {
	keys := make([]string, 0, len(d.Properties))
	for k := range d.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.ToLower(d.Type))
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(d.Properties[k])
	}
	return b.String()
}

// NamespaceDescriptor describes a logical routing domain. Exactly one of
// EndpointRef and Endpoint must be set.
type NamespaceDescriptor struct {
	Name        string              `yaml:"name" json:"name"`
	EndpointRef string              `yaml:"endpoint-ref,omitempty" json:"endpointRef,omitempty"`
	Endpoint    *EndpointDescriptor `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Properties  Properties          `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Validate enforces the endpoint-ref XOR inline endpoint rule
func (d *NamespaceDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: namespace has no name", ErrInvalidDescriptor)
	}
	hasRef := d.EndpointRef != ""
	hasInline := d.Endpoint != nil
	switch {
	case hasRef && hasInline:
		return fmt.Errorf("%w: namespace [%s] sets both endpoint-ref and endpoint", ErrInvalidDescriptor, d.Name)
	case !hasRef && !hasInline:
		return fmt.Errorf("%w: namespace [%s] sets neither endpoint-ref nor endpoint", ErrInvalidDescriptor, d.Name)
	case hasInline:
		return d.Endpoint.Validate()
	}
	return nil
}
