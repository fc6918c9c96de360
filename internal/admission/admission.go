// Package admission implements the global admission controller: a
// single atomic in-flight counter bounded by a ceiling, with no
// queueing. Saturation returns immediately so upstream load balancers
// see backpressure instead of latency.
package admission

import "sync/atomic"

// Controller bounds the number of requests being serviced concurrently.
type Controller struct {
	ceiling  int64
	inFlight int64
}

// New builds a Controller with the given ceiling. A ceiling <= 0 means
// unbounded (every TryAcquire succeeds).
func New(ceiling int) *Controller {
	return &Controller{ceiling: int64(ceiling)}
}

// Credit is the RAII-style admission token; Release must be called
// exactly once, on every terminal path including errors and panics.
type Credit struct {
	c *Controller
}

// TryAcquire atomically increments the in-flight count iff under the
// ceiling, returning a Credit and true on success. On failure the
// caller must refuse the request immediately rather than queue it.
func (c *Controller) TryAcquire() (*Credit, bool) {
	if c.ceiling <= 0 {
		atomic.AddInt64(&c.inFlight, 1)
		return &Credit{c: c}, true
	}
	for {
		cur := atomic.LoadInt64(&c.inFlight)
		if cur >= c.ceiling {
			return nil, false
		}
		if atomic.CompareAndSwapInt64(&c.inFlight, cur, cur+1) {
			return &Credit{c: c}, true
		}
	}
}

// Release decrements the in-flight count. Safe to call at most once per
// Credit; a nil Credit is a no-op so deferred releases on a failed
// TryAcquire stay simple at call sites.
func (cr *Credit) Release() {
	if cr == nil {
		return
	}
	atomic.AddInt64(&cr.c.inFlight, -1)
}

// InFlight returns the current in-flight count, exposed on the health
// surface.
func (c *Controller) InFlight() int64 {
	return atomic.LoadInt64(&c.inFlight)
}

// Ceiling returns the configured ceiling (0 meaning unbounded).
func (c *Controller) Ceiling() int64 {
	return c.ceiling
}
