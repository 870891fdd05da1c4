package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/block/localblock"
	"github.com/vaultfs/vaultfs/internal/blockid"
)

const testBlockSize = 64

func newTestUnderlying(t *testing.T) *localblock.Store {
	t.Helper()
	s, err := localblock.Open(t.TempDir(), testBlockSize)
	require.NoError(t, err)
	return s
}

func TestCreateAndAcquireDeferredsStoreUntilFlush(t *testing.T) {
	ctx := context.Background()
	underlying := newTestUnderlying(t)
	c := New(underlying, 10, nil)

	h, err := c.CreateAndAcquire(ctx, nil, make([]byte, testBlockSize))
	require.NoError(t, err)
	id := h.ID()

	_, err = underlying.Load(ctx, id)
	require.Error(t, err, "create_and_acquire must not touch the underlying store before flush")

	require.NoError(t, h.Release())

	// Still not flushed: release alone doesn't force a write.
	_, err = underlying.Load(ctx, id)
	require.Error(t, err)

	require.NoError(t, c.Sync(ctx))
	data, err := underlying.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, make([]byte, testBlockSize), data)
}

func TestAcquireBlocksConcurrentCaller(t *testing.T) {
	ctx := context.Background()
	underlying := newTestUnderlying(t)
	c := New(underlying, 10, nil)

	h, err := c.CreateAndAcquire(ctx, nil, make([]byte, testBlockSize))
	require.NoError(t, err)
	id := h.ID()

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		h2, err := c.Acquire(ctx, id)
		require.NoError(t, err)
		close(acquired)
		require.NoError(t, h2.Release())
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire returned before the first handle released")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, h.Release())
	wg.Wait()
}

func TestEvictionFlushesDirtyLRUEntry(t *testing.T) {
	ctx := context.Background()
	underlying := newTestUnderlying(t)
	c := New(underlying, 1, nil)

	h1, err := c.CreateAndAcquire(ctx, nil, make([]byte, testBlockSize))
	require.NoError(t, err)
	id1 := h1.ID()
	h1.WriteAt([]byte{1, 2, 3}, 0)
	require.NoError(t, h1.Release())

	h2, err := c.CreateAndAcquire(ctx, nil, make([]byte, testBlockSize))
	require.NoError(t, err)
	require.NoError(t, h2.Release())

	data, err := underlying.Load(ctx, id1)
	require.NoError(t, err, "id1 should have been flushed to make room for id2")
	require.Equal(t, byte(1), data[0])
}

func TestEvictionPrefersCleanOverOlderDirtyEntry(t *testing.T) {
	ctx := context.Background()
	underlying := newTestUnderlying(t)
	c := New(underlying, 2, nil)

	// h1 is dirty and least-recently-used once released.
	h1, err := c.CreateAndAcquire(ctx, nil, make([]byte, testBlockSize))
	require.NoError(t, err)
	id1 := h1.ID()
	h1.WriteAt([]byte{1}, 0)
	require.NoError(t, h1.Release())

	// id2 is loaded clean (pre-existing in the underlying store, so Acquire
	// treats it as a cache-miss load rather than a fresh dirty creation) and
	// released more recently than id1, but it must still be chosen for
	// eviction ahead of the older dirty id1 (§4.4 C3: clean before dirty,
	// not strict LRU).
	id2, err := blockid.New()
	require.NoError(t, err)
	require.NoError(t, underlying.Store(ctx, id2, make([]byte, testBlockSize)))
	h2, err := c.Acquire(ctx, id2)
	require.NoError(t, err)
	require.NoError(t, h2.Release())

	// Inserting a third entry forces one eviction: id2 (clean) must go,
	// not id1 (dirty and not yet flushed).
	h3, err := c.CreateAndAcquire(ctx, nil, make([]byte, testBlockSize))
	require.NoError(t, err)
	require.NoError(t, h3.Release())

	_, err = underlying.Load(ctx, id1)
	require.Error(t, err, "dirty id1 must not have been flushed while a clean entry was available to evict")

	c.mu.Lock()
	_, stillResident := c.entries[id2]
	c.mu.Unlock()
	require.False(t, stillResident, "clean id2 should have been evicted ahead of dirty id1")
}

func TestRemoveDiscardsCacheAndForwardsTombstone(t *testing.T) {
	ctx := context.Background()
	underlying := newTestUnderlying(t)
	c := New(underlying, 10, nil)

	h, err := c.CreateAndAcquire(ctx, nil, make([]byte, testBlockSize))
	require.NoError(t, err)
	id := h.ID()
	require.NoError(t, h.Release())

	require.NoError(t, c.Remove(ctx, id))

	_, err = c.Acquire(ctx, id)
	require.Error(t, err, "removed id should no longer be loadable")
}

func TestWriteAtGrowsPayload(t *testing.T) {
	ctx := context.Background()
	underlying := newTestUnderlying(t)
	c := New(underlying, 10, nil)

	h, err := c.CreateAndAcquire(ctx, nil, []byte{})
	require.NoError(t, err)
	h.WriteAt([]byte{9, 9}, 4)
	require.Equal(t, 6, h.Size())
	require.NoError(t, h.Release())
}
