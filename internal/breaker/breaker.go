// Package breaker implements the per-module circuit breaker and the
// orthogonal host-initiated retry helper. The breaker trips
// on consecutive guest-invocation failures and is never consulted for
// host-initiated calls (cache I/O, registry downloads); the retry
// helper is the reverse — it is only ever used for host-initiated calls
// and never retries a guest handler invocation.
package breaker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/dufeut/mik-sub001/internal/errs"
)

// Settings configures a module's breaker: consecutive-failure threshold
// and open-state cooldown.
type Settings struct {
	FailureThreshold uint32
	Cooldown         time.Duration
}

// Breaker wraps gobreaker with the standard closed/open/half-open
// semantics: one probe in half-open, success closes and resets, failure
// reopens for the same cooldown (no unbounded backoff growth).
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// New builds a Breaker named after the module it guards, so gobreaker's
// own state-change logging/metrics hooks can identify it.
func New(module string, s Settings) *Breaker {
	st := gobreaker.Settings{
		Name:        module,
		MaxRequests: 1, // one probe request admitted in half-open
		Interval:    0, // never reset closed-state counters on a timer
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](st)}
}

// Call runs fn if the breaker is closed or half-open-and-probing,
// recording its outcome. A breaker that is open short-circuits fn
// entirely and returns the CircuitBreakerOpen kind so the router can
// map it to a 503 without touching the guest at all.
func (b *Breaker) Call(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) { return nil, fn() })
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errs.ErrCircuitOpen
	}
	return err
}

// State reports the breaker's current state for the health surface.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// RetrySettings configures the host-initiated retry helper: transient
// infrastructure errors are retried with exponential backoff and
// jitter.
type RetrySettings struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Retry runs fn with exponential backoff and jitter, for host-initiated
// network or disk operations only (cache I/O, registry downloads).
// Guest handler invocations must never be passed here.
func Retry(ctx context.Context, s RetrySettings, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	if s.InitialInterval > 0 {
		bo.InitialInterval = s.InitialInterval
	}
	if s.MaxInterval > 0 {
		bo.MaxInterval = s.MaxInterval
	}
	if s.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = s.MaxElapsedTime
	}
	return backoff.Retry(fn, backoff.WithContext(bo, ctx))
}
