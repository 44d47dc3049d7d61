package errors

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuerErrorMatching(t *testing.T) {
	t.Run("errors.Is matches by code through wrapping", func(t *testing.T) {
		err := NewConflict("event 7: ledger has \"Old\", database has \"New\"")
		wrapped := pkgerrors.Wrap(err, "reconcile event 7")

		assert.True(t, errors.Is(wrapped, ErrConflict))
		assert.False(t, errors.Is(wrapped, ErrRegistryUnreachable))
		assert.True(t, HasCode(wrapped, ErrCodeConflict))
		assert.Equal(t, ErrCodeConflict, CodeOf(wrapped))
	})

	t.Run("cause is preserved", func(t *testing.T) {
		cause := fmt.Errorf("dial tcp: connection refused")
		err := NewRegistryUnreachable("getEventName(3)", cause)

		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "REGISTRY_UNREACHABLE")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("plain errors map to internal", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("boom")))
	})
}

func TestSeverityAndRetryable(t *testing.T) {
	testCases := []struct {
		err       error
		retryable bool
		severity  Severity
	}{
		{NewRegistryUnreachable("x", nil), true, SeverityMedium},
		{NewConflict("x"), false, SeverityHigh},
		{NewOperationInFlight("x"), true, SeverityInfo},
		{NewStaleTransition("x"), false, SeverityLow},
		{NewUnconfirmed("x"), true, SeverityMedium},
		{NewUndecodableLog("x", nil), false, SeverityHigh},
		{NewInternalError("x", nil), false, SeverityCritical},
		{fmt.Errorf("read: connection reset by peer"), true, SeverityHigh},
		{fmt.Errorf("execution reverted"), false, SeverityHigh},
	}

	for _, tc := range testCases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
			assert.Equal(t, tc.severity, GetSeverity(tc.err))
		})
	}
}

func TestRetryWithConfig(t *testing.T) {
	fastConfig := func() *RetryConfig {
		return &RetryConfig{
			MaxAttempts:     3,
			InitialDelay:    1 * time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			Multiplier:      2.0,
			RetryableErrors: []ErrorCode{ErrCodeRegistryUnreachable},
		}
	}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int32
		err := RetryWithConfig(context.Background(), func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return NewRegistryUnreachable("flaky", nil)
			}
			return nil
		}, fastConfig())

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		var calls int32
		err := RetryWithConfig(context.Background(), func() error {
			atomic.AddInt32(&calls, 1)
			return NewConflict("name mismatch")
		}, fastConfig())

		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, int32(1), calls)
	})

	t.Run("returns last error with its code when exhausted", func(t *testing.T) {
		var calls int32
		err := RetryWithConfig(context.Background(), func() error {
			atomic.AddInt32(&calls, 1)
			return NewRegistryUnreachable("down", nil)
		}, fastConfig())

		require.ErrorIs(t, err, ErrRegistryUnreachable)
		assert.Equal(t, int32(3), calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RetryWithConfig(ctx, func() error { return nil }, fastConfig())
		require.ErrorIs(t, err, context.Canceled)
	})
}
