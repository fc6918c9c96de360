// Package errs defines the structured error taxonomy shared by every
// component of the runtime and the single point that maps a Kind to an
// HTTP status.
package errs

import (
	"errors"
	"net/http"
	"time"
)

// Kind identifies why a request failed. Every Kind maps to exactly one
// HTTP status via StatusFor.
type Kind int

const (
	KindUnknown Kind = iota
	KindModuleNotFound
	KindScriptNotFound
	KindPathTraversal
	KindInvalidRequest
	KindPayloadTooLarge
	KindRateLimitExceeded
	KindCircuitBreakerOpen
	KindExecutionTimeout
	KindModuleLoadFailed
	KindWasmtime
	KindIo
	KindConfig
	KindHttp
	KindExecution
)

func (k Kind) String() string {
	switch k {
	case KindModuleNotFound:
		return "ModuleNotFound"
	case KindScriptNotFound:
		return "ScriptNotFound"
	case KindPathTraversal:
		return "PathTraversal"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindRateLimitExceeded:
		return "RateLimitExceeded"
	case KindCircuitBreakerOpen:
		return "CircuitBreakerOpen"
	case KindExecutionTimeout:
		return "ExecutionTimeout"
	case KindModuleLoadFailed:
		return "ModuleLoadFailed"
	case KindWasmtime:
		return "Wasmtime"
	case KindIo:
		return "Io"
	case KindConfig:
		return "Config"
	case KindHttp:
		return "Http"
	case KindExecution:
		return "Execution"
	default:
		return "Unknown"
	}
}

// StatusFor is the single mapping point from error Kind to HTTP status.
// Nothing else in this module should hand-map a Kind to a status.
func StatusFor(k Kind) int {
	switch k {
	case KindModuleNotFound, KindScriptNotFound:
		return http.StatusNotFound
	case KindPathTraversal, KindInvalidRequest:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindCircuitBreakerOpen:
		return http.StatusServiceUnavailable
	case KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case KindModuleLoadFailed, KindWasmtime, KindIo, KindConfig, KindHttp, KindExecution:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error type carried through the request
// boundary. Fields are filled in as available; none are required.
type Error struct {
	Kind     Kind
	Module   string
	Reason   string
	Path     string
	Duration time.Duration
	cause    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Module != "" {
		msg += " module=" + e.Module
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a bare Error of the given kind and reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// WithModule returns a copy of e with Module set.
func (e *Error) WithModule(name string) *Error {
	c := *e
	c.Module = name
	return &c
}

// WithPath returns a copy of e with Path set.
func (e *Error) WithPath(p string) *Error {
	c := *e
	c.Path = p
	return &c
}

// WithDuration returns a copy of e with Duration set.
func (e *Error) WithDuration(d time.Duration) *Error {
	c := *e
	c.Duration = d
	return &c
}

// KindOf extracts the Kind from err, defaulting to KindExecution for any
// error that did not originate as an *Error — a guest trap or an
// unexpected host panic both fall back to a 500 rather than leaking
// internals.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExecution
}

// Sentinels for errors.Is comparisons against well-known conditions.
var (
	ErrModuleNotFound   = New(KindModuleNotFound, "module not found")
	ErrPathTraversal    = New(KindPathTraversal, "path traversal rejected")
	ErrCircuitOpen      = New(KindCircuitBreakerOpen, "circuit breaker open")
	ErrExecutionTimeout = New(KindExecutionTimeout, "execution timeout")
)

// Is implements errors.Is by comparing Kind only, so wrapped instances
// with different Reason/Module still match a sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// AuditEvent names a security-relevant occurrence for the audit channel
// (see internal/audit).
type AuditEvent string

const (
	AuditPathTraversalBlocked AuditEvent = "path_traversal_blocked"
	AuditOutboundDenied       AuditEvent = "outbound_host_denied"
	AuditCircuitOpened        AuditEvent = "circuit_opened"
	AuditExecutionTimeout     AuditEvent = "execution_timeout"
	AuditAdmissionRefused     AuditEvent = "admission_refused"
)

// JSONBody is the wire shape of an error response body.
type JSONBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ToJSONBody converts err into the response body shape, defaulting
// unknown errors to a generic message so internals never leak.
func ToJSONBody(err error, requestID string) JSONBody {
	kind := KindOf(err)
	msg := err.Error()
	if kind == KindExecution {
		// Guest traps and host panics get a generic message; only the
		// audit/log channel keeps the detail.
		msg = "internal execution error"
	}
	return JSONBody{Error: kind.String(), Message: msg, RequestID: requestID}
}
