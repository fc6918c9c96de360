// Package cache implements the content-addressed, disk-backed AOT
// compilation cache: one artifact file per source fingerprint, LRU
// eviction bounded by total disk bytes, atomic writes, and
// single-flight coalescing of concurrent compiles for the same
// fingerprint.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dufeut/mik-sub001/internal/errs"
)

// Compiler produces a native-code artifact from a component's source
// bytes. The concrete implementation is an engine backend
// (internal/engine/wasmtime or internal/engine/wazero); Cache itself is
// engine-agnostic.
type Compiler interface {
	CompileToNative(ctx context.Context, source []byte) ([]byte, error)
	// EngineVersion qualifies the artifact filename so artifacts from an
	// incompatible engine build never collide on disk.
	EngineVersion() string
}

// Entry is one AOT cache entry.
type Entry struct {
	Fingerprint string
	Path        string
	Size        int64
}

// Stats summarizes the cache's current state.
type Stats struct {
	Entries    int
	TotalBytes int64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}

// CleanupResult is the return value of Cleanup.
type CleanupResult struct {
	EntriesRemoved int
	BytesFreed     int64
	NewTotal       int64
}

// Cache is safe for concurrent use. The index (fingerprint -> Entry) is
// guarded by a mutex held only for bookkeeping; compilation itself
// happens outside the mutex, coalesced per-fingerprint by a singleflight
// group.
type Cache struct {
	dir      string
	maxBytes int64
	log      zerolog.Logger

	mu     sync.Mutex
	index  *lru.LRU[string, *Entry]
	total  int64
	pinned map[string]int

	sf singleflight.Group

	hits, misses, evictions uint64
}

// New creates a Cache rooted at dir with the given byte ceiling. dir is
// created if missing. The index is rebuilt by scanning dir so no
// separate metadata file is required to remain authoritative.
func New(dir string, maxBytes int64, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIo, err, "create cache dir").WithPath(dir)
	}
	c := &Cache{dir: dir, maxBytes: maxBytes, log: log, pinned: make(map[string]int)}
	// Capacity is a soft ceiling on entry count only to bound the
	// in-memory index map; real eviction is byte-size driven in Cleanup.
	idx, err := lru.NewLRU[string, *Entry](1<<20, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "create lru index")
	}
	c.index = idx
	if err := c.rebuildIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) rebuildIndex() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return errs.Wrap(errs.KindIo, err, "scan cache dir").WithPath(c.dir)
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		name := de.Name()
		if filepath.Ext(name) != ".bin" {
			continue
		}
		key := name[:len(name)-len(".bin")]
		e := &Entry{Fingerprint: key, Path: filepath.Join(c.dir, name), Size: info.Size()}
		c.index.Add(key, e)
		c.total += e.Size
	}
	return nil
}

// Fingerprint computes the content fingerprint used as the cache key.
func Fingerprint(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

func (c *Cache) artifactPath(fingerprint, engineVersion string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s-%s.bin", fingerprint, engineVersion))
}

// GetOrCompile returns the path to a native artifact for source,
// compiling and caching it on miss. Concurrent calls for the same
// fingerprint compile exactly once; the losers of the race block on the
// singleflight group and receive the winner's result.
func (c *Cache) GetOrCompile(ctx context.Context, source []byte, compiler Compiler) (string, error) {
	fp := Fingerprint(source)
	key := fp + "-" + compiler.EngineVersion()

	if path, ok := c.lookup(key); ok {
		c.recordHit()
		return path, nil
	}
	c.recordMiss()

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check under single-flight in case a peer finished between
		// our lookup above and acquiring the flight slot.
		if path, ok := c.lookup(key); ok {
			return path, nil
		}
		return c.compileAndStore(ctx, fp, key, source, compiler)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index.Get(key)
	if !ok {
		return "", false
	}
	if _, err := os.Stat(e.Path); err != nil {
		// Entry in the index but the file vanished out from under us;
		// treat as a miss and drop the stale entry.
		c.index.Remove(key)
		c.total -= e.Size
		return "", false
	}
	return e.Path, true
}

func (c *Cache) compileAndStore(ctx context.Context, fingerprint, key string, source []byte, compiler Compiler) (string, error) {
	artifact, err := compiler.CompileToNative(ctx, source)
	if err != nil {
		return "", errs.Wrap(errs.KindWasmtime, err, "compile component").WithModule(fingerprint)
	}

	final := c.artifactPath(fingerprint, compiler.EngineVersion())
	tmp := final + fmt.Sprintf(".tmp-%d", os.Getpid())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errs.Wrap(errs.KindIo, err, "open temp artifact").WithPath(tmp)
	}
	if _, err := f.Write(artifact); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", errs.Wrap(errs.KindIo, err, "write temp artifact").WithPath(tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", errs.Wrap(errs.KindIo, err, "fsync temp artifact").WithPath(tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", errs.Wrap(errs.KindIo, err, "close temp artifact").WithPath(tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", errs.Wrap(errs.KindIo, err, "rename artifact into place").WithPath(final)
	}

	c.mu.Lock()
	c.index.Add(key, &Entry{Fingerprint: fingerprint, Path: final, Size: int64(len(artifact))})
	c.total += int64(len(artifact))
	c.mu.Unlock()

	c.log.Debug().Str("fingerprint", fingerprint).Int("bytes", len(artifact)).Msg("compiled and cached artifact")

	c.maybeEvict()
	return final, nil
}

// Pin increments the reference count protecting fingerprint's artifact
// from eviction while a module handle maps it into a running process.
func (c *Cache) Pin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[key]++
}

// Unpin releases one reference acquired by Pin.
func (c *Cache) Unpin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.pinned[key]; n <= 1 {
		delete(c.pinned, key)
	} else {
		c.pinned[key] = n - 1
	}
}

func (c *Cache) maybeEvict() {
	c.mu.Lock()
	over := c.total > c.maxBytes
	c.mu.Unlock()
	if !over {
		return
	}
	res := c.Cleanup(c.maxBytes)
	if res.EntriesRemoved > 0 {
		c.log.Info().Int("removed", res.EntriesRemoved).Int64("freed", res.BytesFreed).Msg("evicted cache entries")
	}
}

// Cleanup evicts least-recently-accessed entries until total on-disk
// bytes <= maxBytes, skipping any entry currently pinned by a module
// handle.
func (c *Cache) Cleanup(maxBytes int64) CleanupResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	var freed int64
	for c.total > maxBytes {
		key, e, evicted := c.evictOneLocked()
		if !evicted {
			break // everything left is pinned
		}
		_ = key
		removed++
		freed += e.Size
	}
	return CleanupResult{EntriesRemoved: removed, BytesFreed: freed, NewTotal: c.total}
}

// evictOneLocked removes the least-recently-used unpinned entry. Caller
// holds c.mu.
func (c *Cache) evictOneLocked() (string, *Entry, bool) {
	for _, key := range c.index.Keys() { // oldest first
		if c.pinned[key] > 0 {
			continue
		}
		e, ok := c.index.Peek(key)
		if !ok {
			continue
		}
		c.index.Remove(key)
		c.total -= e.Size
		c.evictions++
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("path", e.Path).Msg("failed to remove evicted artifact")
		}
		return key, e, true
	}
	return "", nil, false
}

// Clear removes every entry. Idempotent.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.index.Keys() {
		if e, ok := c.index.Peek(key); ok {
			_ = os.Remove(e.Path)
		}
	}
	c.index.Purge()
	c.total = 0
}

// Stats returns counts and byte totals.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    c.index.Len(),
		TotalBytes: c.total,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
