// Package registry implements module discovery and hot-reload: it
// presents lookup(name) -> module handle, always the freshest compiled
// form, and keeps it fresh via an fsnotify watch with a periodic poll
// fallback. Handle replacement is atomic and in-flight requests against
// a retracted or superseded handle are allowed to drain before its
// compiled artifact is unpinned from the cache.
package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dufeut/mik-sub001/internal/breaker"
	"github.com/dufeut/mik-sub001/internal/cache"
	"github.com/dufeut/mik-sub001/internal/engine"
	"github.com/dufeut/mik-sub001/internal/errs"
	"github.com/dufeut/mik-sub001/internal/sanitize"
)

// Extension is the file suffix a source component is expected to carry.
const Extension = ".wasm"

// pollInterval is the periodic-poll fallback cadence, used alongside
// fsnotify so a missed or coalesced filesystem event never leaves a
// module stale indefinitely.
const pollInterval = 2 * time.Second

// Handle is the in-memory module handle: name, compiled artifact
// reference, circuit-breaker state, generation counter. Acquire/Release
// bracket a single request's use of it so a superseding reload can wait
// for the last holder to finish before releasing the old artifact.
type Handle struct {
	Name       string
	Generation uint64
	Module     engine.Module
	Breaker    *breaker.Breaker

	cacheKey string
	mtime    time.Time
	size     int64
	wg       sync.WaitGroup
}

// Acquire pins the handle for the duration of one request. Callers must
// call the returned release func exactly once.
func (h *Handle) Acquire() func() {
	h.wg.Add(1)
	return h.wg.Done
}

// Registry presents lookup(name) and keeps handles fresh.
type Registry struct {
	dir      string
	cache    *cache.Cache
	compiler engine.Engine
	log      zerolog.Logger

	breakerSettings breaker.Settings

	mu         sync.RWMutex
	handles    map[string]*atomic.Pointer[Handle]
	generation uint64

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// New scans dir for component sources, compiles and publishes a handle
// for each, then starts the reconciliation loop.
func New(ctx context.Context, dir string, c *cache.Cache, compiler engine.Engine, bs breaker.Settings, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		dir:             dir,
		cache:           c,
		compiler:        compiler,
		log:             log,
		breakerSettings: bs,
		handles:         make(map[string]*atomic.Pointer[Handle]),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	if err := r.scan(ctx); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.KindIo, err, "create fsnotify watcher")
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, errs.Wrap(errs.KindIo, err, "watch modules dir").WithPath(dir)
	}
	r.watcher = w

	go r.reconcileLoop(ctx)
	return r, nil
}

// Lookup returns the current handle for name, sanitized at the registry
// boundary.
func (r *Registry) Lookup(name string) (*Handle, error) {
	clean, err := sanitize.ModuleName(name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	ptr, ok := r.handles[clean]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.ErrModuleNotFound.WithModule(clean)
	}
	h := ptr.Load()
	if h == nil {
		return nil, errs.ErrModuleNotFound.WithModule(clean)
	}
	return h, nil
}

// Names returns every currently loaded module name. Used only by the
// verbose health response — callers must not invoke this on the hot
// path, since the summary form must not allocate the module list.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handles))
	for name, ptr := range r.handles {
		if ptr.Load() != nil {
			names = append(names, name)
		}
	}
	return names
}

// Count returns the number of currently loaded modules, without
// allocating a name list.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ptr := range r.handles {
		if ptr.Load() != nil {
			n++
		}
	}
	return n
}

func (r *Registry) scan(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return errs.Wrap(errs.KindIo, err, "scan modules dir").WithPath(r.dir)
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != Extension {
			continue
		}
		name := de.Name()[:len(de.Name())-len(Extension)]
		if _, err := sanitize.ModuleName(name); err != nil {
			r.log.Warn().Str("file", de.Name()).Err(err).Msg("skipping module with invalid name")
			continue
		}
		if err := r.loadAndPublish(ctx, name); err != nil {
			r.log.Warn().Str("module", name).Err(err).Msg("failed to load module at startup")
		}
	}
	return nil
}

// loadAndPublish compiles (or fetches from cache) the named module's
// current source, builds a new handle, and atomically swaps it in,
// letting the previous handle drain before its artifact is unpinned.
func (r *Registry) loadAndPublish(ctx context.Context, name string) error {
	srcPath := filepath.Join(r.dir, name+Extension)
	info, err := os.Stat(srcPath)
	if err != nil {
		return errs.Wrap(errs.KindIo, err, "stat source file").WithPath(srcPath)
	}
	source, err := os.ReadFile(srcPath)
	if err != nil {
		return errs.Wrap(errs.KindIo, err, "read source file").WithPath(srcPath)
	}

	artifactPath, err := r.cache.GetOrCompile(ctx, source, r.compiler)
	if err != nil {
		return err
	}
	artifact, err := os.ReadFile(artifactPath)
	if err != nil {
		return errs.Wrap(errs.KindIo, err, "read compiled artifact").WithPath(artifactPath)
	}
	mod, err := r.compiler.Load(ctx, artifact)
	if err != nil {
		return err
	}
	if !mod.ExportsIncomingHandler() {
		_ = mod.Close(ctx)
		return errs.New(errs.KindModuleLoadFailed, "module does not export incoming-handler").WithModule(name)
	}

	cacheKey := cache.Fingerprint(source) + "-" + r.compiler.EngineVersion()
	r.cache.Pin(cacheKey)

	gen := atomic.AddUint64(&r.generation, 1)
	newHandle := &Handle{
		Name:       name,
		Generation: gen,
		Module:     mod,
		Breaker:    breaker.New(name, r.breakerSettings),
		cacheKey:   cacheKey,
		mtime:      info.ModTime(),
		size:       info.Size(),
	}

	r.mu.Lock()
	ptr, ok := r.handles[name]
	if !ok {
		ptr = &atomic.Pointer[Handle]{}
		r.handles[name] = ptr
	}
	r.mu.Unlock()

	old := ptr.Swap(newHandle)
	r.log.Info().Str("module", name).Uint64("generation", gen).Msg("published module handle")
	if old != nil {
		go r.retireHandle(ctx, old)
	}
	return nil
}

// retract removes name's handle after its on-disk source disappears:
// new lookups see ModuleNotFound immediately, and the old artifact is
// released once in-flight requests drain.
func (r *Registry) retract(ctx context.Context, name string) {
	r.mu.Lock()
	ptr, ok := r.handles[name]
	if ok {
		delete(r.handles, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	old := ptr.Swap(nil)
	if old != nil {
		r.log.Info().Str("module", name).Msg("retracted module handle")
		go r.retireHandle(ctx, old)
	}
}

// retireHandle waits for every in-flight request holding h to finish,
// then unpins its cache artifact (making it eligible for eviction) and
// closes the compiled module.
func (r *Registry) retireHandle(ctx context.Context, h *Handle) {
	h.wg.Wait()
	r.cache.Unpin(h.cacheKey)
	if err := h.Module.Close(ctx); err != nil {
		r.log.Warn().Str("module", h.Name).Err(err).Msg("failed to close retired module")
	}
}

// needsReload reports whether name's on-disk source no longer matches
// the handle's recorded (mtime, size) pair.
func (r *Registry) needsReload(name string) (bool, bool) {
	srcPath := filepath.Join(r.dir, name+Extension)
	info, err := os.Stat(srcPath)
	if err != nil {
		return false, false // gone: caller checks separately
	}
	r.mu.RLock()
	ptr, ok := r.handles[name]
	r.mu.RUnlock()
	if !ok {
		return true, true
	}
	h := ptr.Load()
	if h == nil {
		return true, true
	}
	changed := !info.ModTime().Equal(h.mtime) || info.Size() != h.size
	return changed, true
}

func (r *Registry) reconcileLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(ctx, ev)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn().Err(err).Msg("fsnotify watcher error")
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Registry) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if filepath.Ext(ev.Name) != Extension {
		return
	}
	name := filepath.Base(ev.Name)
	name = name[:len(name)-len(Extension)]
	if _, err := sanitize.ModuleName(name); err != nil {
		return
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, err := os.Stat(ev.Name); err != nil {
			r.retract(ctx, name)
			return
		}
	}
	if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
		if err := r.loadAndPublish(ctx, name); err != nil {
			r.log.Warn().Str("module", name).Err(err).Msg("failed to reload module")
		}
	}
}

// reconcileOnce is the periodic-poll fallback: it compares every known
// module's (mtime, size) against disk, plus detects brand-new files
// fsnotify may have missed (e.g. events coalesced under heavy I/O).
func (r *Registry) reconcileOnce(ctx context.Context) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.log.Warn().Err(err).Msg("poll: failed to read modules dir")
		return
	}
	seen := make(map[string]bool, len(entries))
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != Extension {
			continue
		}
		name := de.Name()[:len(de.Name())-len(Extension)]
		if _, err := sanitize.ModuleName(name); err != nil {
			continue
		}
		seen[name] = true
		if changed, _ := r.needsReload(name); changed {
			if err := r.loadAndPublish(ctx, name); err != nil {
				r.log.Warn().Str("module", name).Err(err).Msg("poll: failed to reload module")
			}
		}
	}
	r.mu.RLock()
	existing := make([]string, 0, len(r.handles))
	for name := range r.handles {
		existing = append(existing, name)
	}
	r.mu.RUnlock()
	for _, name := range existing {
		if !seen[name] {
			r.retract(ctx, name)
		}
	}
}

// Close stops the reconciliation loop and the fsnotify watcher. It does
// not wait for in-flight requests; callers coordinate overall drain via
// internal/host's Shutdown.
func (r *Registry) Close() error {
	close(r.stop)
	<-r.done
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
