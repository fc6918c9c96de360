// Package host is the composition root: it wires the engine backend,
// AOT cache, registry, admission controller, executor, circuit
// breakers, audit channel, and health/metrics surface into one running
// process, and implements the ordered graceful shutdown sequence.
package host

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dufeut/mik-sub001/internal/admission"
	"github.com/dufeut/mik-sub001/internal/audit"
	"github.com/dufeut/mik-sub001/internal/breaker"
	"github.com/dufeut/mik-sub001/internal/cache"
	"github.com/dufeut/mik-sub001/internal/config"
	"github.com/dufeut/mik-sub001/internal/engine"
	wasmtimeengine "github.com/dufeut/mik-sub001/internal/engine/wasmtime"
	wazeroengine "github.com/dufeut/mik-sub001/internal/engine/wazero"
	"github.com/dufeut/mik-sub001/internal/errs"
	"github.com/dufeut/mik-sub001/internal/executor"
	"github.com/dufeut/mik-sub001/internal/health"
	"github.com/dufeut/mik-sub001/internal/registry"
	"github.com/dufeut/mik-sub001/internal/router"
	"github.com/dufeut/mik-sub001/internal/security"
)

// Host owns every long-lived component and implements the shutdown
// sequence: stop the registry's reconciliation loop, let in-flight
// requests drain up to ShutdownDrainSecs, close the audit channel, then
// close the engine last.
type Host struct {
	cfg config.Config
	log zerolog.Logger

	engine   engine.Engine
	cache    *cache.Cache
	registry *registry.Registry
	admCtl   *admission.Controller
	auditCh  *audit.Channel
	health   *health.Health
	Router   *router.Router
}

// New builds every component from cfg, discovers the initial module set,
// and returns a ready-to-serve Host. Callers construct an http.Server
// around h.Router themselves; transport/listener wiring is out of this
// package's scope.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Host, error) {
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}

	c, err := cache.New(cfg.CacheDir, cfg.CacheMaxBytes, log)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}

	bs := breaker.Settings{
		FailureThreshold: uint32(cfg.CircuitFailureThreshold),
		Cooldown:         cfg.CircuitCooldown(),
	}

	reg, err := registry.New(ctx, cfg.ModulesDir, c, eng, bs, log)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}

	admCtl := admission.New(cfg.MaxConcurrentRequests)

	auditCh := audit.New(cfg.AuditBufferSize, os.Stderr, log)

	allow := security.New(cfg.HTTPAllowedHosts)
	limits := engine.Limits{
		MemoryCeilingBytes: cfg.MemoryLimitBytes,
		MaxTableEntries:    engine.MaxTableEntries,
		FuelBudget:         cfg.FuelBudget,
	}
	exec := executor.New(allow, limits, cfg.ExecutionTimeout(), cfg.MaxBodySize, log, auditCh)

	h := health.New(reg, c, admCtl, cfg.MemoryLimitBytes)

	// Per-module rate limiting is not exposed as a top-level config knob
	// yet — only the global admission ceiling is; nil leaves the
	// tie-break order's middle step a no-op without special-casing it at
	// the router.
	var perModuleRate func(string) *rate.Limiter

	r := router.New(reg, exec, admCtl, h, auditCh, perModuleRate, log)

	return &Host{
		cfg:      cfg,
		log:      log,
		engine:   eng,
		cache:    c,
		registry: reg,
		admCtl:   admCtl,
		auditCh:  auditCh,
		health:   h,
		Router:   r,
	}, nil
}

func buildEngine(cfg config.Config) (engine.Engine, error) {
	switch cfg.Engine {
	case config.EngineWazero:
		// wazero caps memory per runtime in 64 KiB pages, at most 65536.
		pages := cfg.MemoryLimitBytes / 65536
		if pages > 65536 {
			pages = 65536
		}
		e, err := wazeroengine.New(context.Background(), wazeroengine.Config{MemoryLimitPages: uint32(pages)})
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "build wazero engine")
		}
		return e, nil
	case config.EngineWasmtime, "":
		e, err := wasmtimeengine.New()
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "build wasmtime engine")
		}
		return e, nil
	default:
		return nil, errs.New(errs.KindConfig, "unknown engine kind").WithPath(string(cfg.Engine))
	}
}

// Shutdown implements the drain sequence: the registry's watcher stops
// first so no further reloads race the drain, then every in-flight
// request gets up to ShutdownDrainSecs before the audit channel and the
// engine are torn down. The cache holds no open handles and is not
// closed. The admission controller needs no explicit close: once
// the caller's listener stops accepting connections no new TryAcquire
// calls occur.
func (h *Host) Shutdown(ctx context.Context) error {
	h.log.Info().Dur("drain", h.cfg.ShutdownDrain()).Msg("shutdown: draining in-flight requests")

	if err := h.registry.Close(); err != nil {
		h.log.Warn().Err(err).Msg("shutdown: failed to close registry watcher")
	}

	drainCtx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownDrain())
	defer cancel()
	waitForDrain(drainCtx, h.admCtl)

	h.auditCh.Close()

	// Engine last: the cache and registry only ever call into the engine,
	// never the reverse, and the registry's loop has already stopped.
	h.log.Info().Msg("shutdown: closing engine")
	if err := h.engine.Close(ctx); err != nil {
		h.log.Warn().Err(err).Msg("shutdown: failed to close engine")
		return err
	}
	return nil
}

// waitForDrain polls the admission controller's in-flight count until it
// reaches zero or ctx's deadline passes, whichever comes first. A poll
// loop is used rather than a WaitGroup because Credit holders are
// request-handling goroutines this package does not itself own.
func waitForDrain(ctx context.Context, adm *admission.Controller) {
	const pollInterval = 25 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if adm.InFlight() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
