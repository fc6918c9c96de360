// Package health implements the health and metrics surface: GET
// /health returns a JSON summary (module list only when
// ?verbose=true, so the summary form never allocates it); GET /metrics
// exposes Prometheus counters and gauges for every tracked outcome.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dufeut/mik-sub001/internal/admission"
	"github.com/dufeut/mik-sub001/internal/cache"
	"github.com/dufeut/mik-sub001/internal/errs"
)

// ModuleLister is satisfied by *registry.Registry; kept as a narrow
// interface so this package does not import internal/registry (which
// already imports internal/cache, avoiding an import cycle risk).
type ModuleLister interface {
	Names() []string
	Count() int
}

// Health aggregates the request/cache/admission counters and gauges
// and serves both endpoints.
type Health struct {
	startedAt time.Time

	reg    ModuleLister
	cache  *cache.Cache
	adm    *admission.Controller
	memLim uint64

	registry *prometheus.Registry

	total            prometheus.Counter
	success          prometheus.Counter
	clientErr        prometheus.Counter
	serverErr        prometheus.Counter
	timeouts         prometheus.Counter
	admissionRefused prometheus.Counter
	circuitOpens     prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEvictions   prometheus.Counter
	outboundDenials  prometheus.Counter

	inFlight    prometheus.GaugeFunc
	moduleCount prometheus.GaugeFunc
	cacheBytes  prometheus.GaugeFunc
}

// New builds a Health surface backed by reg (module listing), c (cache
// stats), adm (in-flight gauge), and memLimitBytes (the per-request
// memory ceiling reported in the health summary).
func New(reg ModuleLister, c *cache.Cache, adm *admission.Controller, memLimitBytes uint64) *Health {
	reg2 := prometheus.NewRegistry()
	h := &Health{startedAt: time.Now(), reg: reg, cache: c, adm: adm, memLim: memLimitBytes, registry: reg2}

	h.total = prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_total", Help: "total requests handled"})
	h.success = prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_success_total", Help: "requests resolved successfully"})
	h.clientErr = prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_client_error_total", Help: "requests resolved with a 4xx"})
	h.serverErr = prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_server_error_total", Help: "requests resolved with a 5xx"})
	h.timeouts = prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_timeout_total", Help: "requests that hit an execution timeout"})
	h.admissionRefused = prometheus.NewCounter(prometheus.CounterOpts{Name: "admission_refused_total", Help: "requests refused by the admission controller"})
	h.circuitOpens = prometheus.NewCounter(prometheus.CounterOpts{Name: "circuit_open_total", Help: "requests short-circuited by an open breaker"})
	h.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "cache_hits_total", Help: "AOT cache hits"})
	h.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{Name: "cache_misses_total", Help: "AOT cache misses"})
	h.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{Name: "cache_evictions_total", Help: "AOT cache evictions"})
	h.outboundDenials = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbound_denied_total", Help: "guest outbound HTTP requests denied by the allowlist"})

	h.inFlight = prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "in_flight_requests", Help: "requests currently being serviced"}, func() float64 {
		return float64(adm.InFlight())
	})
	h.moduleCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "loaded_module_count", Help: "modules currently loaded"}, func() float64 {
		return float64(reg.Count())
	})
	h.cacheBytes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "cache_bytes", Help: "AOT cache bytes on disk"}, func() float64 {
		return float64(c.Stats().TotalBytes)
	})

	reg2.MustRegister(h.total, h.success, h.clientErr, h.serverErr, h.timeouts, h.admissionRefused,
		h.circuitOpens, h.cacheHits, h.cacheMisses, h.cacheEvictions, h.outboundDenials,
		h.inFlight, h.moduleCount, h.cacheBytes)
	return h
}

// RecordResult increments the total and outcome-specific counters for a
// completed request. kind == KindUnknown denotes success.
func (h *Health) RecordResult(kind errs.Kind) {
	h.total.Inc()
	switch {
	case kind == errs.KindUnknown:
		h.success.Inc()
	case kind == errs.KindExecutionTimeout:
		h.timeouts.Inc()
		h.serverErr.Inc()
	case errs.StatusFor(kind) >= 500:
		h.serverErr.Inc()
	case errs.StatusFor(kind) >= 400:
		h.clientErr.Inc()
	}
}

func (h *Health) RecordAdmissionRefused() { h.admissionRefused.Inc(); h.total.Inc(); h.clientErr.Inc() }
func (h *Health) RecordCircuitOpen()      { h.circuitOpens.Inc(); h.total.Inc(); h.serverErr.Inc() }
func (h *Health) RecordCacheHit()         { h.cacheHits.Inc() }
func (h *Health) RecordCacheMiss()        { h.cacheMisses.Inc() }
func (h *Health) RecordCacheEviction()    { h.cacheEvictions.Inc() }
func (h *Health) RecordOutboundDenied()   { h.outboundDenials.Inc() }

// summary is the JSON shape of GET /health.
type summary struct {
	Status           string   `json:"status"`
	Timestamp        string   `json:"timestamp"`
	TotalRequests    float64  `json:"total_requests"`
	CacheEntries     int      `json:"cache_entries"`
	CacheBytes       int64    `json:"cache_bytes"`
	CacheMaxBytes    int64    `json:"cache_max_bytes"`
	MemoryLimitBytes uint64   `json:"memory_limit_bytes"`
	Modules          []string `json:"modules,omitempty"`
}

// ServeHealth implements GET /health. The module list is only
// populated (and only allocated) when ?verbose=true — the summary form
// must not allocate the module list.
func (h *Health) ServeHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.cache.Stats()
	s := summary{
		Status:           "ok",
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		TotalRequests:    counterValue(h.total),
		CacheEntries:     stats.Entries,
		CacheBytes:       stats.TotalBytes,
		MemoryLimitBytes: h.memLim,
	}
	if r.URL.Query().Get("verbose") == "true" {
		s.Modules = h.reg.Names()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

// ServeMetrics implements GET /metrics via the standard Prometheus
// text-exposition handler.
func (h *Health) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
