// Package wazeroengine is the secondary engine backend: a cgo-free
// wazero integration. It trades precision for portability — wazero has
// no per-instance resource limiter, fuel metering, or epoch
// interruption, so this backend approximates the resource-limit
// guarantees the wasmtime backend enforces exactly:
//
//   - Wall-clock cancellation is real: WithCloseOnContextDone aborts an
//     in-flight call when the context the executor passes is canceled or
//     times out, mirroring wasmtime's epoch interruption in effect if
//     not in mechanism.
//   - Memory is capped at the runtime level (WithMemoryLimitPages) rather
//     than refused per-growth-attempt with current/desired/maximum
//     reporting; MemoryUsedBytes is read back after the fact instead of
//     observed at the moment of refusal.
//   - There is no fuel budget or table-growth ceiling equivalent; both
//     are silently no-ops here. Deployments that need exact fuel/table
//     enforcement select the wasmtime backend (config.Engine).
//
// This is a documented, intentional gap, not an oversight — see
// DESIGN.md.
package wazeroengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/dufeut/mik-sub001/internal/component"
	"github.com/dufeut/mik-sub001/internal/engine"
	"github.com/dufeut/mik-sub001/internal/errs"
)

const i32 = api.ValueTypeI32

// exportIncomingHandler is the export this backend requires, mirroring
// the wasmtime backend's expectation.
const exportIncomingHandler = "handle-incoming-http"

const engineVersion = "wazero-v1"

const wasmPageSize = 65536

// Engine wraps one wazero.Runtime, shared read-only across every
// request for the lifetime of the process. Unlike the wasmtime backend
// there is no epoch ticker: cancellation rides on context deadlines
// alone.
type Engine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache

	closed uint32
}

var _ engine.Engine = (*Engine)(nil)

// Config controls the runtime-wide settings wazero only exposes at
// construction time (see package doc for the approximation this
// implies).
type Config struct {
	// CacheDir, if set, persists compiled modules across process
	// restarts via wazero's own compilation cache, independent of
	// internal/cache's artifact store.
	CacheDir string
	// MemoryLimitPages bounds every module's linear memory at the
	// runtime level. Zero means wazero's default (4 GiB ceiling).
	MemoryLimitPages uint32
}

// New constructs the shared wazero runtime.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errs.Wrap(errs.KindModuleLoadFailed, err, "open wazero compilation cache dir")
		}
		rtCfg = rtCfg.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, errs.Wrap(errs.KindWasmtime, err, "instantiate wasi snapshot preview1")
	}
	if err := defineHostModule(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, errs.Wrap(errs.KindWasmtime, err, "define host module")
	}

	return &Engine{runtime: rt, cache: cache}, nil
}

func (e *Engine) Name() string          { return "wazero" }
func (e *Engine) EngineVersion() string { return engineVersion }

// CompileToNative has no portable serialized form to offer in wazero
// (wazero.CompiledModule does not marshal to bytes): the "artifact"
// internal/cache stores for this backend is the extracted core module
// itself, and reuse across restarts comes from wazero's own
// Config.CacheDir compilation cache instead of internal/cache's LRU
// store.
func (e *Engine) CompileToNative(ctx context.Context, source []byte) ([]byte, error) {
	coreModule, _, err := component.ExtractCoreModule(source)
	if err != nil {
		return nil, errs.Wrap(errs.KindModuleLoadFailed, err, "extract core module from component")
	}
	// Compile once here purely to validate the module is well-formed
	// before it is accepted into the cache; the compiled handle itself
	// is discarded since Load recompiles from the stored core module
	// bytes (wazero.CompiledModule is not independently serializable).
	compiled, err := e.runtime.CompileModule(ctx, coreModule)
	if err != nil {
		return nil, errs.Wrap(errs.KindWasmtime, err, "compile module")
	}
	_ = compiled.Close(ctx)
	return coreModule, nil
}

func (e *Engine) Load(ctx context.Context, artifact []byte) (engine.Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, artifact)
	if err != nil {
		return nil, errs.Wrap(errs.KindWasmtime, err, "compile module")
	}
	hasHandler := false
	for name := range compiled.ExportedFunctions() {
		if name == exportIncomingHandler {
			hasHandler = true
			break
		}
	}
	return &Module{runtime: e.runtime, compiled: compiled, hasHandler: hasHandler}, nil
}

func (e *Engine) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&e.closed, 0, 1) {
		return nil
	}
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		_ = e.cache.Close(ctx)
	}
	return err
}

// Module is a compiled, loaded component shared by concurrent requests.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	hasHandler      bool
	instanceCounter uint64
	closed          uint32
}

func (m *Module) ExportsIncomingHandler() bool { return m.hasHandler }

// Instantiate's limits and observe parameters are unused on this
// backend: wazero has no per-instance memory/table growth callback to
// report against them (see package doc). They remain in the signature
// to satisfy engine.Module.
func (m *Module) Instantiate(ctx context.Context, _ engine.Limits, check engine.OutboundChecker, _ engine.LimitObserver) (engine.Instance, error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, errors.New("cannot instantiate a closed module")
	}

	id := atomic.AddUint64(&m.instanceCounter, 1)
	name := fmt.Sprintf("req-%d", id)

	host := &hostFunctions{check: check}

	modCfg := wazero.NewModuleConfig().
		WithName(name).
		WithStdout(nil).
		WithStderr(nil)
	// No preopened directories and no environment variables: stdout and
	// stderr are not connected to the host, and the guest gets no
	// filesystem access.

	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindWasmtime, err, "instantiate module")
	}

	handlerFn := mod.ExportedFunction(exportIncomingHandler)
	if handlerFn == nil {
		_ = mod.Close(ctx)
		return nil, errs.New(errs.KindModuleLoadFailed, fmt.Sprintf("instance %s missing export %s", name, exportIncomingHandler))
	}

	return &Instance{module: mod, handler: handlerFn, host: host}, nil
}

func (m *Module) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	return m.compiled.Close(ctx)
}

// Instance is one request's sandbox. Never reused across requests.
type Instance struct {
	module  api.Module
	handler api.Function
	host    *hostFunctions

	closed uint32
}

// HandleIncoming marshals req into the host's request buffer, calls the
// guest's incoming-handler export, and unmarshals its response buffer.
// The host functions read and write guest linear memory through the
// calling module's api.Memory.
func (i *Instance) HandleIncoming(ctx context.Context, req *http.Request) (*http.Response, error) {
	if atomic.LoadUint32(&i.closed) != 0 {
		return nil, errors.New("cannot invoke a closed instance")
	}

	reqBytes, err := component.EncodeRequest(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, err, "encode guest request")
	}
	i.host.setRequest(reqBytes)

	callCtx := context.WithValue(ctx, hostStateKey{}, i.host)
	_, callErr := i.handler.Call(callCtx, uint64(len(reqBytes)))
	if callErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, errs.Wrap(errs.KindExecutionTimeout, callErr, "execution timeout")
		}
		return nil, errs.Wrap(errs.KindExecution, callErr, "guest trap")
	}

	respBytes, ok := i.host.takeResponse()
	if !ok {
		return nil, errs.New(errs.KindExecution, "handler produced no response")
	}
	return component.DecodeResponse(respBytes)
}

// MemoryUsedBytes reports current linear memory size. Since wazero
// offers no growth-refusal callback, this is read back after the fact
// rather than enforced at grow time (see package doc).
func (i *Instance) MemoryUsedBytes() uint64 {
	return uint64(i.module.Memory().Size()) * wasmPageSize
}

func (i *Instance) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&i.closed, 0, 1) {
		return nil
	}
	return i.module.Close(ctx)
}

// hostStateKey is the context key HandleIncoming uses to carry the
// calling instance's per-request hostFunctions down to the shared
// "host" module's callbacks, since that module is instantiated once
// for the runtime's lifetime and can't close over any one instance's
// state directly.
type hostStateKey struct{}

// hostFunctions holds one request's request/response buffers and
// outbound-allowlist check. The exported __guest_request,
// __guest_response, and __outbound_fetch_allowed functions are defined
// once per Engine (see defineHostModule) and look up the calling
// instance's hostFunctions from the call context instead of from a
// per-instance closure.
type hostFunctions struct {
	check engine.OutboundChecker

	mu       sync.Mutex
	request  []byte
	response []byte
}

func (h *hostFunctions) setRequest(b []byte) {
	h.mu.Lock()
	h.request = b
	h.response = nil
	h.mu.Unlock()
}

func (h *hostFunctions) takeResponse() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.response == nil {
		return nil, false
	}
	return h.response, true
}

// defineHostModule installs the host import module "host" into r once,
// for the Engine's lifetime. wazero rejects a second module registered
// under the same name in one runtime, so this must run exactly once in
// New rather than on every Instantiate; each call reaches into the
// context passed to handler.Call to find the calling instance's
// hostFunctions.
func defineHostModule(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder("host").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(guestRequest), []api.ValueType{i32}, []api.ValueType{}).
		WithParameterNames("ptr").
		Export("__guest_request").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(guestResponse), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export("__guest_response").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(outboundFetchAllowed), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("host_ptr", "host_len").
		Export("__outbound_fetch_allowed").
		Instantiate(ctx)
	return err
}

func hostStateFrom(ctx context.Context) *hostFunctions {
	h, _ := ctx.Value(hostStateKey{}).(*hostFunctions)
	return h
}

func guestRequest(ctx context.Context, m api.Module, stack []uint64) {
	h := hostStateFrom(ctx)
	if h == nil {
		return
	}
	ptr := uint32(stack[0])
	h.mu.Lock()
	req := h.request
	h.mu.Unlock()
	if req != nil {
		m.Memory().Write(ptr, req)
	}
}

func guestResponse(ctx context.Context, m api.Module, stack []uint64) {
	h := hostStateFrom(ctx)
	if h == nil {
		return
	}
	ptr := uint32(stack[0])
	length := uint32(stack[1])
	buf, ok := m.Memory().Read(ptr, length)
	if !ok {
		return
	}
	resp := make([]byte, len(buf))
	copy(resp, buf)
	h.mu.Lock()
	h.response = resp
	h.mu.Unlock()
}

func outboundFetchAllowed(ctx context.Context, m api.Module, stack []uint64) {
	h := hostStateFrom(ctx)
	hostPtr := uint32(stack[0])
	hostLen := uint32(stack[1])
	host := ""
	if buf, ok := m.Memory().Read(hostPtr, hostLen); ok {
		host = string(buf)
	}
	if h == nil || h.check == nil {
		stack[0] = 0
		return
	}
	if err := h.check(host); err != nil {
		stack[0] = 0
		return
	}
	stack[0] = 1
}
