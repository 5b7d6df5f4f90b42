// ABOUTME: Tests for the per-conversation run lock
// ABOUTME: Covers acquire/release semantics and concurrent contention

package runlock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireRelease(t *testing.T) {
	l := New()

	require.True(t, l.TryAcquire("conv-1"))
	assert.False(t, l.TryAcquire("conv-1"), "second acquire must conflict")
	assert.True(t, l.TryAcquire("conv-2"), "different conversations are independent")

	l.Release("conv-1")
	assert.True(t, l.TryAcquire("conv-1"), "acquire succeeds after release")
}

func TestLock_ReleaseIsIdempotent(t *testing.T) {
	l := New()

	require.True(t, l.TryAcquire("conv-1"))
	l.Release("conv-1")
	l.Release("conv-1")
	l.Release("never-held")

	assert.True(t, l.TryAcquire("conv-1"))
}

func TestLock_ConcurrentAcquireExactlyOneWins(t *testing.T) {
	l := New()

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for range 50 {
		wg.Go(func() {
			<-start
			if l.TryAcquire("conv-race") {
				wins.Add(1)
			}
		})
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent acquire may win")
}

func TestLock_Held(t *testing.T) {
	l := New()

	assert.False(t, l.Held("conv-1"))
	require.True(t, l.TryAcquire("conv-1"))
	assert.True(t, l.Held("conv-1"))
	l.Release("conv-1")
	assert.False(t, l.Held("conv-1"))
}
