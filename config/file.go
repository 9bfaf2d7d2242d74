package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML descriptor document
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse descriptors: %w", err)
	}
	return &doc, nil
}

// LoadFile reads a descriptor document into a StaticProvider
func LoadFile(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return FromDocument(doc)
}

// FileProvider serves the descriptors of one YAML document
type FileProvider struct {
	*StaticProvider
	path string
}

// NewFileProvider loads the document at path
func NewFileProvider(path string) (*FileProvider, error) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &FileProvider{StaticProvider: p, path: path}, nil
}

// Path returns the document location
func (p *FileProvider) Path() string {
	return p.path
}

// Reload re-reads the document. On failure the previous descriptors stay in
// place. Connections keep the namespaces they already resolved.
func (p *FileProvider) Reload() error {
	next, err := LoadFile(p.path)
	if err != nil {
		return err
	}
	p.StaticProvider.replace(next)
	return nil
}
