// Package wasmtime is the primary engine backend: it wraps
// bytecodealliance/wasmtime-go to get native epoch interruption, fuel
// metering, and per-store memory and table ceilings (Store.Limiter).
// The ceilings are enforced by wasmtime itself as fixed numbers; no
// per-growth callback runs, so refusals are not reported to the
// instance's engine.LimitObserver.
//
// Scope note: the C API wasmtime-go binds against predates the
// WebAssembly Component Model's canonical ABI, so this backend does not
// implement full WIT lifting/lowering. Instead it uses a small set of
// named exports/imports carrying byte buffers through linear memory,
// carrying an HTTP request and response rather than an opaque
// operation/payload pair. A component exporting wasi:http/incoming-handler
// is expected to also export this host contract; canonical-ABI lifting
// is not implemented (see DESIGN.md).
package wasmtimeengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/dufeut/mik-sub001/internal/component"
	"github.com/dufeut/mik-sub001/internal/engine"
	"github.com/dufeut/mik-sub001/internal/errs"
)

// exportIncomingHandler is the export this backend requires, standing in
// for wasi:http/incoming-handler@0.2.0.
const exportIncomingHandler = "handle-incoming-http"

// engineVersion qualifies cache artifact filenames so artifacts from an
// incompatible wasmtime build never collide.
const engineVersion = "wasmtime-v25"

// Engine wraps one *wasmtime.Engine, shared read-only across every
// request for the lifetime of the process, plus the background epoch
// ticker.
type Engine struct {
	inner *wasmtime.Engine

	tickerStop chan struct{}
	tickerDone chan struct{}
	closed     uint32
}

var _ engine.Engine = (*Engine)(nil)

// New constructs the shared wasmtime engine and starts the epoch
// ticker: a background goroutine increments the engine's epoch counter
// every 10ms for the lifetime of the process.
func New() (*Engine, error) {
	cfg := wasmtime.NewConfig()
	cfg.SetEpochInterruption(true)
	cfg.SetConsumeFuel(true)

	inner := wasmtime.NewEngineWithConfig(cfg)

	e := &Engine{
		inner:      inner,
		tickerStop: make(chan struct{}),
		tickerDone: make(chan struct{}),
	}
	go e.tick()
	return e, nil
}

func (e *Engine) tick() {
	defer close(e.tickerDone)
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.inner.IncrementEpoch()
		case <-e.tickerStop:
			return
		}
	}
}

func (e *Engine) Name() string          { return "wasmtime" }
func (e *Engine) EngineVersion() string { return engineVersion }

// CompileToNative implements cache.Compiler by compiling the component
// (or, for the single-core-module fast path this backend supports, the
// wrapped core module) and serializing the result to a portable
// artifact.
func (e *Engine) CompileToNative(ctx context.Context, source []byte) ([]byte, error) {
	coreModule, _, err := component.ExtractCoreModule(source)
	if err != nil {
		return nil, errs.Wrap(errs.KindModuleLoadFailed, err, "extract core module from component")
	}
	mod, err := wasmtime.NewModule(e.inner, coreModule)
	if err != nil {
		return nil, errs.Wrap(errs.KindWasmtime, err, "compile module")
	}
	return mod.Serialize()
}

// Load deserializes a previously compiled artifact. It does not compile
// from source: an artifact that fails to deserialize is returned as an
// error.
func (e *Engine) Load(ctx context.Context, artifact []byte) (engine.Module, error) {
	mod, err := wasmtime.NewModuleDeserialize(e.inner, artifact)
	if err != nil {
		// Engine-version mismatch on load discards the entry and the
		// caller (registry) is expected to recompile from source.
		return nil, errs.Wrap(errs.KindWasmtime, err, "deserialize artifact; recompilation required")
	}
	hasHandler := moduleExports(mod, exportIncomingHandler)
	return &Module{engineInner: e.inner, compiled: mod, hasHandler: hasHandler}, nil
}

func (e *Engine) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&e.closed, 0, 1) {
		return nil
	}
	close(e.tickerStop)
	<-e.tickerDone
	return nil
}

// Module is a compiled, deserialized component shared by concurrent
// requests.
type Module struct {
	engineInner *wasmtime.Engine
	compiled    *wasmtime.Module
	hasHandler  bool

	instanceCounter uint64
	closed          uint32
}

func (m *Module) ExportsIncomingHandler() bool { return m.hasHandler }

func (m *Module) Instantiate(ctx context.Context, limits engine.Limits, check engine.OutboundChecker, observe engine.LimitObserver) (engine.Instance, error) {
	if atomic.LoadUint32(&m.closed) != 0 {
		return nil, errors.New("cannot instantiate a closed module")
	}

	store := wasmtime.NewStore(m.engineInner)
	store.SetEpochDeadline(limits.EpochDeadlineTicks)
	if err := store.SetFuel(limits.FuelBudget); err != nil {
		store.Close()
		return nil, errs.Wrap(errs.KindWasmtime, err, "set fuel budget")
	}

	lim := &limiter{limits: limits, observe: observe}
	store.Limiter(lim.maxMemoryBytes(), lim.maxTableElems(), -1, -1, -1)

	wasiCfg := wasmtime.NewWasiConfig()
	wasiCfg.InheritStdout()
	wasiCfg.InheritStderr()
	// No preopened directories: the guest inherits stdout/stderr but gets
	// no filesystem access.
	store.SetWasi(wasiCfg)

	linker := wasmtime.NewLinker(m.engineInner)
	if err := linker.DefineWASI(); err != nil {
		store.Close()
		return nil, errs.Wrap(errs.KindWasmtime, err, "define wasi")
	}

	id := atomic.AddUint64(&m.instanceCounter, 1)
	host := &hostFunctions{check: check}
	if err := host.define(linker); err != nil {
		store.Close()
		return nil, errs.Wrap(errs.KindWasmtime, err, "define host functions")
	}

	inst, err := linker.Instantiate(store, m.compiled)
	if err != nil {
		store.Close()
		return nil, errs.Wrap(errs.KindWasmtime, err, "instantiate module")
	}

	handlerFn := inst.GetFunc(store, exportIncomingHandler)
	if handlerFn == nil {
		store.Close()
		return nil, errs.New(errs.KindModuleLoadFailed, fmt.Sprintf("instance %d missing export %s", id, exportIncomingHandler))
	}

	return &Instance{store: store, handler: handlerFn, host: host, limiter: lim}, nil
}

func (m *Module) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	return nil
}

// Instance is one request's sandbox. Never reused across requests;
// Close drops the store, releasing the guest's linear memory and
// resource table.
type Instance struct {
	store   *wasmtime.Store
	handler *wasmtime.Func
	host    *hostFunctions
	limiter *limiter

	closed uint32
}

// HandleIncoming marshals req into the host's request buffer, calls the
// guest's incoming-handler export, and unmarshals its response buffer.
func (i *Instance) HandleIncoming(ctx context.Context, req *http.Request) (*http.Response, error) {
	if atomic.LoadUint32(&i.closed) != 0 {
		return nil, errors.New("cannot invoke a closed instance")
	}

	reqBytes, err := component.EncodeRequest(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, err, "encode guest request")
	}
	i.host.setRequest(reqBytes)

	done := make(chan struct{})
	var callErr error
	go func() {
		defer close(done)
		_, callErr = i.handler.Call(i.store, int32(len(reqBytes)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Ensure the store unwinds rather than leaking the goroutine
		// past the deadline; wasmtime's epoch/fuel enforcement is what
		// actually interrupts the in-flight call.
		<-done
		return nil, errs.Wrap(errs.KindExecutionTimeout, ctx.Err(), "execution timeout")
	}

	if callErr != nil {
		var trap *wasmtime.Trap
		if errors.As(callErr, &trap) {
			if code := trap.Code(); code != nil && (*code == wasmtime.TrapCodeInterrupt || *code == wasmtime.TrapCodeOutOfFuel) {
				return nil, errs.Wrap(errs.KindExecutionTimeout, callErr, "epoch or fuel exhausted")
			}
		}
		return nil, errs.Wrap(errs.KindExecution, callErr, "guest trap")
	}

	respBytes, ok := i.host.takeResponse()
	if !ok {
		return nil, errs.New(errs.KindExecution, "handler produced no response")
	}
	return component.DecodeResponse(respBytes)
}

func (i *Instance) MemoryUsedBytes() uint64 {
	return i.limiter.currentMemoryBytes()
}

func (i *Instance) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&i.closed, 0, 1) {
		return nil
	}
	i.store.Close()
	return nil
}

// limiter supplies the numeric memory/table ceilings installed with
// Store.Limiter. Its MemoryGrowing/TableGrowing methods are not
// registered with wasmtime and are not called during execution, so
// current stays 0 and MemoryUsedBytes reports 0.
type limiter struct {
	mu      sync.Mutex
	limits  engine.Limits
	current uint64
	observe engine.LimitObserver
}

func (l *limiter) maxMemoryBytes() int64 {
	if l.limits.MemoryCeilingBytes == 0 {
		return -1
	}
	return int64(l.limits.MemoryCeilingBytes)
}

func (l *limiter) maxTableElems() int64 {
	max := l.limits.MaxTableEntries
	if max == 0 {
		max = engine.MaxTableEntries
	}
	return int64(max)
}

// MemoryGrowing decides a memory growth request against the ceiling and
// reports refusals to observe. wasmtime does not call it (see limiter).
func (l *limiter) MemoryGrowing(current, desired uint64, maximum *uint64) bool {
	l.mu.Lock()
	l.current = desired
	l.mu.Unlock()
	allowed := l.limits.MemoryCeilingBytes == 0 || desired <= l.limits.MemoryCeilingBytes
	if !allowed && l.observe != nil {
		l.observe(engine.LimitEvent{Kind: "memory", Current: current, Desired: desired, Limit: l.limits.MemoryCeilingBytes})
	}
	return allowed
}

// TableGrowing decides a table growth request against the ceiling and
// reports refusals to observe. wasmtime does not call it (see limiter).
func (l *limiter) TableGrowing(current, desired uint32, maximum *uint32) bool {
	max := l.limits.MaxTableEntries
	if max == 0 {
		max = engine.MaxTableEntries
	}
	allowed := desired <= max
	if !allowed && l.observe != nil {
		l.observe(engine.LimitEvent{Kind: "table", Current: uint64(current), Desired: uint64(desired), Limit: uint64(max)})
	}
	return allowed
}

func (l *limiter) currentMemoryBytes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// hostFunctions implements the host side of the request/response buffer
// contract described in the package doc comment: __guest_request,
// __guest_response, and __outbound_fetch_allowed exports driving a
// small set of guest-visible host imports.
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

var i32 = wasmtime.NewValType(wasmtime.KindI32)

// define installs the host import module "host" with the guest-facing
// request/response/outbound-fetch functions on linker. Each function
// reaches the calling instance's linear memory through the *wasmtime.Caller
// it's invoked with, since that memory isn't available until the guest
// actually calls in.
func (h *hostFunctions) define(linker *wasmtime.Linker) error {
	guestRequestTy := wasmtime.NewFuncType([]*wasmtime.ValType{i32}, []*wasmtime.ValType{})
	if err := linker.FuncNew("host", "__guest_request", guestRequestTy, h.guestRequest); err != nil {
		return err
	}
	guestResponseTy := wasmtime.NewFuncType([]*wasmtime.ValType{i32, i32}, []*wasmtime.ValType{})
	if err := linker.FuncNew("host", "__guest_response", guestResponseTy, h.guestResponse); err != nil {
		return err
	}
	outboundTy := wasmtime.NewFuncType([]*wasmtime.ValType{i32, i32}, []*wasmtime.ValType{i32})
	if err := linker.FuncNew("host", "__outbound_fetch_allowed", outboundTy, h.outboundFetchAllowed); err != nil {
		return err
	}
	return nil
}

// callerMemory returns the calling instance's exported "memory", or nil
// if it has none.
func callerMemory(caller *wasmtime.Caller) *wasmtime.Memory {
	ext := caller.GetExport("memory")
	if ext == nil {
		return nil
	}
	return ext.Memory()
}

func (h *hostFunctions) guestRequest(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	mem := callerMemory(caller)
	if mem == nil {
		return nil, wasmtime.NewTrap("guest module has no exported memory")
	}
	ptr := args[0].I32()
	h.mu.Lock()
	req := h.request
	h.mu.Unlock()
	if ptr >= 0 && req != nil {
		data := mem.UnsafeData(caller)
		if int(ptr)+len(req) <= len(data) {
			copy(data[ptr:], req)
		}
	}
	return nil, nil
}

func (h *hostFunctions) guestResponse(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	mem := callerMemory(caller)
	if mem == nil {
		return nil, wasmtime.NewTrap("guest module has no exported memory")
	}
	ptr, length := args[0].I32(), args[1].I32()
	if ptr >= 0 && length >= 0 {
		data := mem.UnsafeData(caller)
		if int(ptr)+int(length) <= len(data) {
			resp := make([]byte, length)
			copy(resp, data[ptr:int(ptr)+int(length)])
			h.mu.Lock()
			h.response = resp
			h.mu.Unlock()
		}
	}
	return nil, nil
}

func (h *hostFunctions) outboundFetchAllowed(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	hostPtr, hostLen := args[0].I32(), args[1].I32()
	host := ""
	if mem := callerMemory(caller); mem != nil && hostPtr >= 0 && hostLen >= 0 {
		data := mem.UnsafeData(caller)
		if int(hostPtr)+int(hostLen) <= len(data) {
			host = string(data[hostPtr : int(hostPtr)+int(hostLen)])
		}
	}
	if h.check == nil || h.check(host) != nil {
		return []wasmtime.Val{wasmtime.ValI32(0)}, nil
	}
	return []wasmtime.Val{wasmtime.ValI32(1)}, nil
}

func moduleExports(mod *wasmtime.Module, name string) bool {
	for _, exp := range mod.Exports() {
		if exp.Name() == name {
			return true
		}
	}
	return false
}
