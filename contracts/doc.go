// Package contracts defines the vocabulary shared by every part of the message bus.
//
// This package includes:
//   - EndpointDescriptor / NamespaceDescriptor: configuration supplied by a context provider
//   - Headers: the reserved header names that form the wire-level contract between services
//   - Status codes carried in the Status-Code header of replies
//   - The error taxonomy returned by the bus, its backends and the correlation bridge
//
// Descriptors are plain data. They are produced by the config package (or any other
// provider) and are never mutated once handed to the bus.
package contracts
