package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type countingCompiler struct {
	calls int32
	delay chan struct{}
}

func (c *countingCompiler) CompileToNative(ctx context.Context, source []byte) ([]byte, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay != nil {
		<-c.delay
	}
	out := make([]byte, len(source))
	copy(out, source)
	return bytes.ToUpper(out), nil
}

func (c *countingCompiler) EngineVersion() string { return "test-v1" }

func newTestCache(t *testing.T, maxBytes int64) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir, maxBytes, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestGetOrCompileCachesAndRecompilesOnNewSource(t *testing.T) {
	c := newTestCache(t, 1<<20)
	compiler := &countingCompiler{}

	path1, err := c.GetOrCompile(context.Background(), []byte("hello"), compiler)
	require.NoError(t, err)

	path2, err := c.GetOrCompile(context.Background(), []byte("hello"), compiler)
	require.NoError(t, err)
	require.Equal(t, path1, path2)
	require.EqualValues(t, 1, atomic.LoadInt32(&compiler.calls))

	_, err = c.GetOrCompile(context.Background(), []byte("other"), compiler)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&compiler.calls))

	data, err := os.ReadFile(path1)
	require.NoError(t, err)
	require.Equal(t, "HELLO", string(data))
}

func TestGetOrCompileSingleFlight(t *testing.T) {
	c := newTestCache(t, 1<<20)
	compiler := &countingCompiler{delay: make(chan struct{})}

	const n = 20
	var wg sync.WaitGroup
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.GetOrCompile(context.Background(), []byte("same-source"), compiler)
			require.NoError(t, err)
			paths[i] = p
		}(i)
	}
	close(compiler.delay)
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, paths[0], paths[i])
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&compiler.calls))
}

func TestCleanupEvictsLeastRecentlyUsedAndSkipsPinned(t *testing.T) {
	c := newTestCache(t, 1<<20)
	compiler := &countingCompiler{}

	pA, err := c.GetOrCompile(context.Background(), []byte("aaaaaaaaaa"), compiler)
	require.NoError(t, err)
	keyA := Fingerprint([]byte("aaaaaaaaaa")) + "-" + compiler.EngineVersion()
	c.Pin(keyA)

	_, err = c.GetOrCompile(context.Background(), []byte("bbbbbbbbbb"), compiler)
	require.NoError(t, err)

	_, err = c.GetOrCompile(context.Background(), []byte("cccccccccc"), compiler)
	require.NoError(t, err)

	stats := c.Stats()
	require.Equal(t, 3, stats.Entries)

	// Force eviction down to a single entry's worth of bytes; A is
	// pinned so it must survive even though it is oldest.
	res := c.Cleanup(stats.TotalBytes / 3)
	require.Greater(t, res.EntriesRemoved, 0)

	_, err = os.Stat(pA)
	require.NoError(t, err, "pinned artifact must not be evicted")

	c.Unpin(keyA)
}

func TestClearIsIdempotent(t *testing.T) {
	c := newTestCache(t, 1<<20)
	compiler := &countingCompiler{}
	_, err := c.GetOrCompile(context.Background(), []byte("x"), compiler)
	require.NoError(t, err)

	c.Clear()
	require.Equal(t, 0, c.Stats().Entries)
	c.Clear() // idempotent
	require.Equal(t, 0, c.Stats().Entries)
}

func TestRebuildIndexFromFilesAlone(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc123-test-v1.bin"), []byte("native"), 0o644))

	c, err := New(dir, 1<<20, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 1, c.Stats().Entries)
}
