// Package sandbox builds the per-request context: the resource-limiter
// observer and outbound-HTTP checker shared by every engine backend,
// plus the request ID, module name and limits that ride alongside
// them. The actual WASI/HTTP/resource-table objects are owned
// by the engine backend; this package holds only what is
// engine-independent and must be identical across backends.
package sandbox

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dufeut/mik-sub001/internal/engine"
	"github.com/dufeut/mik-sub001/internal/errs"
	"github.com/dufeut/mik-sub001/internal/security"
)

// AuditPublisher is the narrow slice of internal/audit.Channel that
// sandbox needs, kept as an interface to avoid an import cycle (audit
// has no reason to depend on sandbox).
type AuditPublisher interface {
	PublishEvent(event errs.AuditEvent, module, path string)
}

// EpochTick is the interval at which the background epoch ticker
// increments the engine's epoch counter.
const EpochTick = 10 * time.Millisecond

// Context is the per-request sandbox state. A fresh Context is built on
// request entry and discarded after the response is flushed; it is
// never shared between requests.
type Context struct {
	RequestID string
	Module    string
	Allow     *security.Allowlist
	Limits    engine.Limits
	log       zerolog.Logger
	audit     AuditPublisher
}

// New builds a Context bound to module's allowlist and limits. If
// limits.MaxTableEntries is unset it defaults to engine.MaxTableEntries.
// audit may be nil, in which case denial events are only logged, not
// published to the audit channel.
func New(requestID, module string, allow *security.Allowlist, limits engine.Limits, log zerolog.Logger, audit AuditPublisher) *Context {
	if limits.MaxTableEntries == 0 {
		limits.MaxTableEntries = engine.MaxTableEntries
	}
	return &Context{RequestID: requestID, Module: module, Allow: allow, Limits: limits, log: log, audit: audit}
}

// EpochDeadlineTicks converts a wall-clock timeout into the number of
// epoch ticks the engine should be interrupted after: ceil(timeout /
// EpochTick).
func EpochDeadlineTicks(timeout time.Duration) uint64 {
	if timeout <= 0 {
		return 1
	}
	ticks := timeout / EpochTick
	if timeout%EpochTick != 0 {
		ticks++
	}
	if ticks < 1 {
		ticks = 1
	}
	return uint64(ticks)
}

// Observe implements engine.LimitObserver: refusals are logged with
// current/desired/limit. They are not published to the audit channel.
func (c *Context) Observe(ev engine.LimitEvent) {
	c.log.Warn().
		Str("request_id", c.RequestID).
		Str("module", c.Module).
		Str("kind", ev.Kind).
		Uint64("current", ev.Current).
		Uint64("desired", ev.Desired).
		Uint64("limit", ev.Limit).
		Msg("resource limiter refused growth")
}

// CheckOutbound implements the outbound HTTP hook: an empty or nil
// allowlist denies everything; otherwise security.Allowlist is the sole
// authority.
func (c *Context) CheckOutbound(host string) error {
	if c.Allow == nil || !c.Allow.Allowed(host) {
		c.log.Warn().
			Str("request_id", c.RequestID).
			Str("module", c.Module).
			Str("host", host).
			Msg("outbound host denied")
		if c.audit != nil {
			c.audit.PublishEvent(errs.AuditOutboundDenied, c.Module, host)
		}
		return errs.New(errs.KindHttp, "HttpRequestDenied").WithModule(c.Module).WithPath(host)
	}
	return nil
}
