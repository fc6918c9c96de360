// Package executor implements the per-request execution pipeline:
// build a fresh request context, install epoch/fuel/resource limits,
// instantiate the component, invoke its incoming-handler export, and
// collect the response — all inside nested wall-clock timeouts, with
// admission credit and the store always released on every terminal
// path.
package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dufeut/mik-sub001/internal/engine"
	"github.com/dufeut/mik-sub001/internal/errs"
	"github.com/dufeut/mik-sub001/internal/registry"
	"github.com/dufeut/mik-sub001/internal/sandbox"
	"github.com/dufeut/mik-sub001/internal/security"
)

// AuditPublisher mirrors sandbox.AuditPublisher so callers can wire
// *audit.Channel straight through without this package importing
// internal/audit.
type AuditPublisher = sandbox.AuditPublisher

// state names the executor's request state machine: Admitted ->
// ContextBuilt -> Instantiating -> Handling -> Collecting -> Done |
// Failed(kind). Tracked only for logging/observability; no caller
// branches on it directly.
type state string

const (
	stateContextBuilt  state = "ContextBuilt"
	stateInstantiating state = "Instantiating"
	stateHandling      state = "Handling"
	stateCollecting    state = "Collecting"
	stateDone          state = "Done"
	stateFailed        state = "Failed"
)

// instantiateTimeout bounds how long a single instantiation may take,
// independent of the handler-invocation timeout: two nested wall-clock
// timeouts, one per phase.
const instantiateTimeout = 2 * time.Second

// Executor runs the per-request pipeline against a registry.Handle's
// compiled Module.
type Executor struct {
	allow            *security.Allowlist
	limits           engine.Limits
	executionTimeout time.Duration
	maxBodySize      int64
	log              zerolog.Logger
	audit            AuditPublisher
}

// New builds an Executor sharing one allowlist and one set of
// per-request resource limits across every invocation. audit may be
// nil.
func New(allow *security.Allowlist, limits engine.Limits, executionTimeout time.Duration, maxBodySize int64, log zerolog.Logger, audit AuditPublisher) *Executor {
	return &Executor{allow: allow, limits: limits, executionTimeout: executionTimeout, maxBodySize: maxBodySize, log: log, audit: audit}
}

// Execute is the executor's single public operation:
// execute(module_handle, http_request) -> http_response.
func (ex *Executor) Execute(ctx context.Context, h *registry.Handle, req *http.Request) (*http.Response, error) {
	requestID := req.Header.Get("X-Trace-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	start := time.Now()
	st := stateContextBuilt

	// Step 1: fresh request context bound to the module's allowlist and
	// memory ceiling.
	sbCtx := sandbox.New(requestID, h.Name, ex.allow, ex.limits, ex.log, ex.audit)

	limits := ex.limits
	limits.EpochDeadlineTicks = sandbox.EpochDeadlineTicks(ex.executionTimeout)

	logDone := func(err error) (*http.Response, error) {
		dur := time.Since(start)
		ev := ex.log.Debug()
		if err != nil {
			st = stateFailed
			ev = ex.log.Warn().Str("error_kind", errs.KindOf(err).String())
		}
		ev.Str("request_id", requestID).Str("module", h.Name).Str("state", string(st)).
			Dur("duration_ms", dur).Msg("request finished")
		return nil, err
	}

	// Step 5 (instantiation half): bounded by its own wall-clock timeout.
	st = stateInstantiating
	instCtx, instCancel := context.WithTimeout(ctx, instantiateTimeout)
	defer instCancel()

	inst, err := h.Module.Instantiate(instCtx, limits, sbCtx.CheckOutbound, sbCtx.Observe)
	if err != nil {
		if instCtx.Err() != nil {
			return logDone(errs.Wrap(errs.KindExecutionTimeout, instCtx.Err(), "instantiation timeout").WithModule(h.Name).WithDuration(time.Since(start)))
		}
		return logDone(errs.Wrap(errs.KindModuleLoadFailed, err, "instantiate module").WithModule(h.Name))
	}
	defer func() {
		// Step 7: drop the store before returning, on every path.
		_ = inst.Close(context.Background())
	}()

	// Collect the request body up to the configured ceiling; the same
	// ceiling applies symmetrically to the request and the response, and
	// excess yields a 413.
	if req.Body != nil {
		limited := io.LimitReader(req.Body, ex.maxBodySize+1)
		body, readErr := io.ReadAll(limited)
		if readErr != nil {
			return logDone(errs.Wrap(errs.KindInvalidRequest, readErr, "read request body").WithModule(h.Name))
		}
		if int64(len(body)) > ex.maxBodySize {
			return logDone(errs.New(errs.KindPayloadTooLarge, "request body exceeds max_body_size").WithModule(h.Name))
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	// Step 4/5 (handler half): bounded by the outer execution timeout.
	st = stateHandling
	handleCtx, handleCancel := context.WithTimeout(ctx, ex.executionTimeout)
	defer handleCancel()

	resp, err := inst.HandleIncoming(handleCtx, req)
	if err != nil {
		if handleCtx.Err() != nil {
			return logDone(errs.Wrap(errs.KindExecutionTimeout, handleCtx.Err(), "handler invocation timeout").WithModule(h.Name).WithDuration(time.Since(start)))
		}
		// If the handler exits without producing a response,
		// HandleIncoming itself returns a KindExecution error; here we
		// just propagate whatever kind was set (trap vs timeout vs
		// denial already classified).
		return logDone(errs.Wrap(errs.KindOf(err), err, "handler invocation failed").WithModule(h.Name))
	}

	// Step 6: collect the (possibly streaming) response body into bytes
	// with the same body-size ceiling.
	st = stateCollecting
	if resp.Body != nil {
		limited := io.LimitReader(resp.Body, ex.maxBodySize+1)
		body, readErr := io.ReadAll(limited)
		_ = resp.Body.Close()
		if readErr != nil {
			return logDone(errs.Wrap(errs.KindExecution, readErr, "collect response body").WithModule(h.Name))
		}
		if int64(len(body)) > ex.maxBodySize {
			return logDone(errs.New(errs.KindPayloadTooLarge, "response body exceeds max_body_size").WithModule(h.Name))
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
	}

	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set("X-Trace-ID", requestID)

	st = stateDone
	logDone(nil)
	return resp, nil
}
