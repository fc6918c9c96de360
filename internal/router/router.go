// Package router implements the HTTP surface: /health and /metrics,
// plus /run/<name>/<rest> rewritten to /<rest> and dispatched through
// the registry and executor. Tie-break order when admission,
// per-module rate limiting, and the circuit breaker are all configured:
// admission first, then per-module rate limit, then circuit breaker.
package router

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dufeut/mik-sub001/internal/admission"
	"github.com/dufeut/mik-sub001/internal/audit"
	"github.com/dufeut/mik-sub001/internal/errs"
	"github.com/dufeut/mik-sub001/internal/executor"
	"github.com/dufeut/mik-sub001/internal/health"
	"github.com/dufeut/mik-sub001/internal/registry"
)

// Router wires the registry, executor, and admission controller behind
// chi's mux.
type Router struct {
	mux *chi.Mux

	reg       *registry.Registry
	exec      *executor.Executor
	admission *admission.Controller
	health    *health.Health
	auditCh   *audit.Channel
	log       zerolog.Logger

	perModuleRate func(module string) *rate.Limiter
}

// New builds the mux. perModuleRate, if non-nil, is consulted after
// admission and before the circuit breaker for each /run/ request,
// implementing the decided tie-break order.
func New(reg *registry.Registry, exec *executor.Executor, adm *admission.Controller, h *health.Health, auditCh *audit.Channel, perModuleRate func(string) *rate.Limiter, log zerolog.Logger) *Router {
	r := &Router{reg: reg, exec: exec, admission: adm, health: h, auditCh: auditCh, perModuleRate: perModuleRate, log: log}

	mux := chi.NewRouter()
	mux.Get("/health", h.ServeHealth)
	mux.Get("/metrics", h.ServeMetrics)
	mux.Handle("/run/*", http.HandlerFunc(r.serveRun))
	r.mux = mux
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// serveRun implements `/run/<name>/<rest>`: sanitize name, look up via
// the registry, invoke the executor with a rewritten request path,
// respond. `/run/` with no name is a 404.
func (r *Router) serveRun(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/run/")
	name, subPath, found := strings.Cut(rest, "/")
	if name == "" {
		r.writeError(w, req, errs.New(errs.KindModuleNotFound, "module name required"))
		return
	}

	// Tie-break order (decided): admission, then per-module rate limit,
	// then circuit breaker.
	credit, ok := r.admission.TryAcquire()
	if !ok {
		r.health.RecordAdmissionRefused()
		r.auditCh.Publish(audit.Record{Event: errs.AuditAdmissionRefused, Module: name, Path: req.URL.Path})
		r.writeError(w, req, errs.New(errs.KindRateLimitExceeded, "admission refused: saturated"))
		return
	}
	defer credit.Release()

	if r.perModuleRate != nil {
		if lim := r.perModuleRate(name); lim != nil && !lim.Allow() {
			r.writeError(w, req, errs.New(errs.KindRateLimitExceeded, "per-module rate limit exceeded").WithModule(name))
			return
		}
	}

	h, err := r.reg.Lookup(name)
	if err != nil {
		if errs.KindOf(err) == errs.KindPathTraversal {
			r.log.Warn().Str("module", name).Err(err).Msg("module name rejected by sanitizer")
			r.auditCh.Publish(audit.Record{Event: errs.AuditPathTraversalBlocked, Module: name, Path: req.URL.Path})
		}
		r.health.RecordResult(errs.KindOf(err))
		r.writeError(w, req, err)
		return
	}

	release := h.Acquire()
	defer release()

	rewritten := req.Clone(req.Context())
	if !found {
		subPath = ""
	}
	rewritten.URL.Path = "/" + subPath

	var resp *http.Response
	breakerErr := h.Breaker.Call(func() error {
		var execErr error
		resp, execErr = r.exec.Execute(req.Context(), h, rewritten)
		return execErr
	})
	if errs.KindOf(breakerErr) == errs.KindCircuitBreakerOpen {
		r.health.RecordCircuitOpen()
		r.auditCh.Publish(audit.Record{Event: errs.AuditCircuitOpened, Module: name, Path: req.URL.Path})
		r.writeError(w, req, breakerErr)
		return
	}
	execErr := breakerErr

	if execErr != nil {
		r.health.RecordResult(errs.KindOf(execErr))
		if errs.KindOf(execErr) == errs.KindExecutionTimeout {
			r.auditCh.Publish(audit.Record{Event: errs.AuditExecutionTimeout, Module: name, Path: req.URL.Path})
		}
		r.writeError(w, req, execErr)
		return
	}
	r.health.RecordResult(errs.KindUnknown)
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(w, resp.Body)
	}
}

func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	requestID := req.Header.Get("X-Trace-ID")
	status := errs.StatusFor(errs.KindOf(err))
	body := errs.ToJSONBody(err, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
