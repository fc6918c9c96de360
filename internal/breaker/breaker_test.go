package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dufeut/mik-sub001/internal/errs"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("mod-a", Settings{FailureThreshold: 3, Cooldown: 50 * time.Millisecond})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Call(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	// Breaker is now open: fn must not run, and the returned error is the
	// CircuitBreakerOpen kind.
	ran := false
	err := b.Call(func() error { ran = true; return nil })
	require.False(t, ran)
	require.ErrorIs(t, err, errs.ErrCircuitOpen)
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b := New("mod-b", Settings{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	err := b.Call(func() error { return errors.New("fail") })
	require.Error(t, err)

	// Still open immediately after tripping.
	err = b.Call(func() error { return nil })
	require.ErrorIs(t, err, errs.ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond) // past cooldown: half-open probe allowed

	probed := false
	err = b.Call(func() error { probed = true; return nil })
	require.NoError(t, err)
	require.True(t, probed)

	// A successful probe closes the breaker; subsequent calls run normally.
	ran := false
	err = b.Call(func() error { ran = true; return nil })
	require.NoError(t, err)
	require.True(t, ran)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetrySettings{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := Retry(ctx, RetrySettings{InitialInterval: time.Millisecond}, func() error {
		attempts++
		return errors.New("always fails")
	})
	require.Error(t, err)
}
