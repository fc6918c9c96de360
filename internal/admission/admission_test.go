package admission

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryAcquireRespectsCeiling(t *testing.T) {
	c := New(2)

	cr1, ok := c.TryAcquire()
	require.True(t, ok)
	cr2, ok := c.TryAcquire()
	require.True(t, ok)
	_, ok = c.TryAcquire()
	require.False(t, ok, "third acquire must be refused at ceiling 2")
	require.EqualValues(t, 2, c.InFlight())

	cr1.Release()
	require.EqualValues(t, 1, c.InFlight())

	cr3, ok := c.TryAcquire()
	require.True(t, ok, "release must free a slot")
	cr2.Release()
	cr3.Release()
	require.EqualValues(t, 0, c.InFlight())
}

func TestTryAcquireUnboundedWhenCeilingZero(t *testing.T) {
	c := New(0)
	for i := 0; i < 1000; i++ {
		_, ok := c.TryAcquire()
		require.True(t, ok)
	}
	require.EqualValues(t, 1000, c.InFlight())
}

func TestReleaseNilCreditIsNoop(t *testing.T) {
	var cr *Credit
	require.NotPanics(t, func() { cr.Release() })
}

func TestConcurrentAcquireNeverExceedsCeiling(t *testing.T) {
	const ceiling = 8
	c := New(ceiling)

	var wg sync.WaitGroup
	var held, max int32

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cr, ok := c.TryAcquire()
			if !ok {
				return
			}
			defer cr.Release()
			n := atomic.AddInt32(&held, 1)
			for {
				cur := atomic.LoadInt32(&max)
				if n <= cur || atomic.CompareAndSwapInt32(&max, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&held, -1)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, int(max), ceiling)
	require.EqualValues(t, 0, c.InFlight())
}
