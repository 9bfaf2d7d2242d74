package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pocat-io/messagebus/contracts"
)

// DirProvider reads <root>/namespaces/<name>.yaml and <root>/endpoints/<name>.yaml
// on every lookup. The bus caches what it resolves, so edits only affect
// connections created afterwards.
type DirProvider struct {
	root string
}

// NewDirProvider creates a provider rooted at dir
func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{root: dir}
}

// NamespaceContext reads a namespace file
func (p *DirProvider) NamespaceContext(name string) (*contracts.NamespaceDescriptor, error) {
	var desc contracts.NamespaceDescriptor
	found, err := p.read("namespaces", name, &desc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownNamespace, name)
	}
	if desc.Name == "" {
		desc.Name = name
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	desc.Properties = ExpandProperties(desc.Properties)
	if desc.Endpoint != nil {
		desc.Endpoint.Properties = ExpandProperties(desc.Endpoint.Properties)
	}
	return &desc, nil
}

// EndpointContext reads an endpoint file
func (p *DirProvider) EndpointContext(name string) (*contracts.EndpointDescriptor, error) {
	var desc contracts.EndpointDescriptor
	found, err := p.read("endpoints", name, &desc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, name)
	}
	if desc.Name == "" {
		desc.Name = name
	}
	desc.Properties = ExpandProperties(desc.Properties)
	return &desc, nil
}

func (p *DirProvider) read(kind, name string, out interface{}) (bool, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return false, nil
	}

	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(p.root, kind, name+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("%w: %s: %v", contracts.ErrInvalidDescriptor, path, err)
		}
		return true, nil
	}
	return false, nil
}
