package wasmengine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modular-rt/modular"
)

func TestPendingCallbacksTakeIsExactlyOnce(t *testing.T) {
	p := NewPendingCallbacks()
	id := NewCallbackID()

	fired := 0
	cb := modular.FuncCallback{OnSuccessFn: func([]byte) { fired++ }}
	p.Add(id, cb)
	require.Equal(t, 1, p.Len())

	got, ok := p.Take(id)
	require.True(t, ok)
	got.OnSuccess(nil)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, p.Len())

	_, ok = p.Take(id)
	assert.False(t, ok, "a second Take for the same id must report not-found")
}

func TestPendingCallbacksTakeUnknownIDIsNotFound(t *testing.T) {
	p := NewPendingCallbacks()
	_, ok := p.Take(NewCallbackID())
	assert.False(t, ok)
}

func TestCallbackIDRoundTrip(t *testing.T) {
	id := NewCallbackID()
	decoded, err := CallbackIDFromBytes(id[:])
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestCallbackIDFromBytesRejectsWrongLength(t *testing.T) {
	_, err := CallbackIDFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCallbackIDsAreUnique(t *testing.T) {
	a := NewCallbackID()
	b := NewCallbackID()
	assert.NotEqual(t, a, b)
}

func TestEncodeDecodeSliceRoundTrip(t *testing.T) {
	buf := encodeSlice(1234, 56)
	offset, length := decodeSlice(buf)
	assert.Equal(t, uint32(1234), offset)
	assert.Equal(t, uint32(56), length)
}

func TestStoreGuardSerializesConcurrentLocks(t *testing.T) {
	g := NewStoreGuard()
	defer g.Stop()

	var inside atomic.Int32
	var maxObserved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Lock()
			defer g.Unlock()
			n := inside.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxObserved.Load(), "no two lock holders should ever overlap")
}

func TestStoreGuardEnqueueRunsUnderTheLock(t *testing.T) {
	g := NewStoreGuard()
	defer g.Stop()

	done := make(chan struct{})
	var ranWhileLocked bool
	g.Enqueue(func() {
		ranWhileLocked = !g.mu.TryLock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueued work never ran")
	}
	assert.True(t, ranWhileLocked, "pump must hold the guard's mutex while running queued work")
}

func TestStoreGuardEnqueueAfterStopIsDropped(t *testing.T) {
	g := NewStoreGuard()
	g.Stop()

	ran := make(chan struct{}, 1)
	g.Enqueue(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("work enqueued after Stop must not run")
	case <-time.After(50 * time.Millisecond):
	}
}
