package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress is returned for a malformed "namespace:topic" address
	ErrInvalidAddress = errors.New("messagebus: invalid address")
	// ErrUnknownNamespace is returned when no namespace descriptor exists for a name
	ErrUnknownNamespace = errors.New("messagebus: unknown namespace")
	// ErrUnknownEndpoint is returned when a referenced endpoint descriptor does not exist
	ErrUnknownEndpoint = errors.New("messagebus: unknown endpoint")
	// ErrUnknownEndpointType is returned when no backend supports an endpoint type
	ErrUnknownEndpointType = errors.New("messagebus: unsupported endpoint type")
	// ErrUnknownGroup is returned when subscribing a group that was never bound
	ErrUnknownGroup = errors.New("messagebus: unknown consumer group")
	// ErrAlreadySubscribed is returned when a consumer group is subscribed twice
	ErrAlreadySubscribed = errors.New("messagebus: consumer group already subscribed")
	// ErrInvalidDescriptor is returned for a descriptor that violates its invariants
	ErrInvalidDescriptor = errors.New("messagebus: invalid descriptor")
	// ErrBrokerIO marks a communication failure with a broker
	ErrBrokerIO = errors.New("messagebus: broker i/o error")
	// ErrAlreadyClosed is returned by operations attempted after Close
	ErrAlreadyClosed = errors.New("messagebus: already closed")
	// ErrTimeout is reported when a pending correlation entry expires
	ErrTimeout = errors.New("messagebus: request timed out")
	// ErrDuplicateTxID is returned when registering a transaction id that is still pending
	ErrDuplicateTxID = errors.New("messagebus: transaction id already pending")
)

// AddressError describes why an address was rejected
type AddressError struct {
	Address string
	Reason  string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid address [%s]: %s", e.Address, e.Reason)
}

func (e *AddressError) Unwrap() error {
	return ErrInvalidAddress
}

// StatusError is a domain error carried by a reply with a non-zero Status-Code
type StatusError struct {
	Code    int
	Message string
}

// NewStatusError creates a status error
func NewStatusError(code int, message string) *StatusError {
	return &StatusError{Code: code, Message: message}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Is lets a timed-out status match ErrTimeout
func (e *StatusError) Is(target error) bool {
	return target == ErrTimeout && e.Code == StatusGatewayTimeout
}

// BrokerError wraps a failure reported by a backend
type BrokerError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("endpoint [%s]: %s failed: %v", e.Endpoint, e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is reports every broker error as ErrBrokerIO
func (e *BrokerError) Is(target error) bool {
	return target == ErrBrokerIO
}

// IsConfigurationError reports errors that will not go away by retrying
func IsConfigurationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrUnknownNamespace),
		errors.Is(err, ErrUnknownEndpoint),
		errors.Is(err, ErrUnknownEndpointType),
		errors.Is(err, ErrUnknownGroup),
		errors.Is(err, ErrInvalidDescriptor):
		return true
	}
	return false
}
