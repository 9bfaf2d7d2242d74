package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocat-io/messagebus/contracts"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("constructor", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("respects max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errBroker)
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}
		retry, delay := eb.ShouldRetry(3, errBroker)
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("unlimited attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, Unlimited)
		retry, _ := eb.ShouldRetry(10000, errBroker)
		assert.True(t, retry)
	})

	t.Run("delay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 100; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("configuration errors are final", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 5)
		retry, _ := eb.ShouldRetry(0, fmt.Errorf("publish: %w", contracts.ErrUnknownNamespace))
		assert.False(t, retry)
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(50*time.Millisecond, 2)

	retry, delay := fd.ShouldRetry(1, errBroker)
	assert.True(t, retry)
	assert.Equal(t, 50*time.Millisecond, delay)

	retry, _ = fd.ShouldRetry(2, errBroker)
	assert.False(t, retry)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errBroker
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("wraps last error when exhausted", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 2), func() error {
			atomic.AddInt32(&calls, 1)
			return errBroker
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, errBroker)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("returns non-retryable error unwrapped", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			atomic.AddInt32(&calls, 1)
			return contracts.ErrAlreadyClosed
		})
		assert.Equal(t, contracts.ErrAlreadyClosed, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		err := Retry(cctx, NewFixedDelay(10*time.Millisecond, Unlimited), func() error {
			return errBroker
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errBroker, true},
		{"broker io", &contracts.BrokerError{Endpoint: "main", Op: "publish", Err: errBroker}, true},
		{"invalid address", &contracts.AddressError{Address: "x", Reason: "missing separator"}, false},
		{"unknown endpoint", contracts.ErrUnknownEndpoint, false},
		{"closed", fmt.Errorf("bus: %w", contracts.ErrAlreadyClosed), false},
		{"circuit open", &CircuitBreakerError{State: StateOpen}, false},
		{"status reply", contracts.NewStatusError(contracts.StatusBadRequest, "bad"), false},
		{"cancelled", context.Canceled, false},
		{"wrapped plain", fmt.Errorf("ctx: %w", errors.New("boom")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
