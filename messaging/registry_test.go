package messaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pocat-io/messagebus/contracts"
)

func TestRegistry(t *testing.T) {
	t.Run("first matching factory wins", func(t *testing.T) {
		first := &mockFactory{}
		second := &mockFactory{}
		ep := &fakeEndpoint{name: "main"}
		desc := &contracts.EndpointDescriptor{Name: "main", Type: "amqp"}

		first.On("IsSupportedEndpointType", "amqp").Return(true)
		first.On("NewEndpointConnection", desc, mock.Anything).Return(ep, nil)

		r := NewRegistry(first, second)
		got, err := r.Provide(desc, nil)
		require.NoError(t, err)
		assert.Same(t, ep, got)

		first.AssertExpectations(t)
		second.AssertNotCalled(t, "IsSupportedEndpointType", mock.Anything)
	})

	t.Run("falls through to a later factory", func(t *testing.T) {
		first := &mockFactory{}
		second := &mockFactory{}
		first.On("IsSupportedEndpointType", "kafka").Return(false)
		second.On("IsSupportedEndpointType", "kafka").Return(true)

		r := NewRegistry(first, second)
		f, err := r.Lookup("kafka")
		require.NoError(t, err)
		assert.Same(t, second, f)
	})

	t.Run("unsupported type", func(t *testing.T) {
		r := NewRegistry(&fakeFactory{kind: "memory"})
		_, err := r.Provide(&contracts.EndpointDescriptor{Name: "x", Type: "carrier-pigeon"}, nil)
		assert.ErrorIs(t, err, contracts.ErrUnknownEndpointType)
	})

	t.Run("invalid descriptor is rejected before lookup", func(t *testing.T) {
		f := &mockFactory{}
		r := NewRegistry(f)
		_, err := r.Provide(&contracts.EndpointDescriptor{Name: "x"}, nil)
		assert.ErrorIs(t, err, contracts.ErrInvalidDescriptor)
		f.AssertNotCalled(t, "IsSupportedEndpointType", mock.Anything)
	})

	t.Run("factory errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		r := NewRegistry(&fakeFactory{kind: "memory", fail: boom})
		_, err := r.Provide(&contracts.EndpointDescriptor{Name: "x", Type: "memory"}, nil)
		assert.ErrorIs(t, err, boom)
	})
}
