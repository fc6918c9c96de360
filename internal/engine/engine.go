// Package engine defines the boundary between the host (cache,
// registry, executor) and a concrete WebAssembly engine backend. Two
// backends implement it: internal/engine/wasmtime (primary — native
// epoch/fuel/resource-limiter support) and internal/engine/wazero
// (secondary, cgo-free).
package engine

import (
	"context"
	"net/http"
)

// MaxTableEntries is the fixed function-table growth ceiling: table
// growth beyond this is always refused regardless of configuration.
const MaxTableEntries = 10_000

// Limits bounds a single request's resource consumption.
type Limits struct {
	MemoryCeilingBytes uint64
	MaxTableEntries    uint32
	FuelBudget         uint64
	EpochDeadlineTicks uint64
}

// LimitEvent is reported whenever the resource limiter refuses a growth
// request. Refusals are logged with current/desired/limit so operators
// can tell a genuine workload spike from a misconfigured ceiling.
type LimitEvent struct {
	Kind             string // "memory" or "table"
	Current, Desired uint64
	Limit            uint64
}

// LimitObserver receives every refused growth attempt.
type LimitObserver func(LimitEvent)

// OutboundChecker is consulted by the engine's outbound HTTP hook before
// any guest-initiated request is dispatched. A non-nil error denies the
// request.
type OutboundChecker func(host string) error

// Engine is constructed once per process and shared read-only across
// every request. It is also the cache.Compiler.
type Engine interface {
	Name() string
	EngineVersion() string

	// CompileToNative produces a cache-storable artifact from component
	// source bytes (cache.Compiler).
	CompileToNative(ctx context.Context, source []byte) ([]byte, error)

	// Load turns a cache artifact (or, for backends with no portable
	// artifact format, the original source) back into a Module ready to
	// be instantiated per request.
	Load(ctx context.Context, artifact []byte) (Module, error)

	Close(ctx context.Context) error
}

// Module is a compiled, loaded component shared by every concurrent
// request for it. Many Instantiate calls run concurrently against one
// Module.
type Module interface {
	// ExportsIncomingHandler reports whether the component exports
	// wasi:http/incoming-handler@0.2.0. Checked once at discovery time.
	ExportsIncomingHandler() bool

	Instantiate(ctx context.Context, limits Limits, check OutboundChecker, observe LimitObserver) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is a single request's sandbox: fresh store, fresh linear
// memory, fresh resource table. No shared mutable state reaches the
// guest, and instances are never reused across requests.
type Instance interface {
	// HandleIncoming invokes the component's incoming-handler export.
	// ctx carries the wall-clock deadline(s) installed by the executor;
	// epoch and fuel are enforced independently by the instance's own
	// deadline/budget installed at Instantiate.
	HandleIncoming(ctx context.Context, req *http.Request) (*http.Response, error)

	MemoryUsedBytes() uint64

	Close(ctx context.Context) error
}
