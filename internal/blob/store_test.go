package blob

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/block/localblock"
	"github.com/vaultfs/vaultfs/internal/cache"
)

// A tiny geometry (leaf capacity 32, fanout 2) forces multi-level trees
// with a few hundred bytes of data, keeping the tests fast while still
// exercising depth >= 2.
const (
	testPhysicalBlockSize = 37 // header(5) + 32 bytes body; fanout = 32/16 = 2
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	raw, err := localblock.Open(t.TempDir(), testPhysicalBlockSize)
	require.NoError(t, err)
	c := cache.New(raw, 64, nil)
	s, err := New(c)
	require.NoError(t, err)
	return s
}

func TestCreateEmptyBlobHasZeroSize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h, err := s.Create(ctx)
	require.NoError(t, err)
	size, err := h.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), size)
}

func TestWriteThenReadWithinSingleLeaf(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h, err := s.Create(ctx)
	require.NoError(t, err)

	data := []byte("hello world")
	require.NoError(t, h.Write(ctx, data, 0))
	size, err := h.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), size)

	buf := make([]byte, len(data))
	n, err := h.Read(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
}

func TestLargeWriteSpansMultipleLevels(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h, err := s.Create(ctx)
	require.NoError(t, err)

	data := make([]byte, 500)
	rand.New(rand.NewSource(1)).Read(data)
	require.NoError(t, h.Write(ctx, data, 0))

	size, err := h.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), size)
	require.GreaterOrEqual(t, int(h.depth), 2, "500 bytes over a 32-byte leaf/fanout-2 tree should need depth >= 2")

	buf := make([]byte, len(data))
	n, err := h.Read(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.True(t, bytes.Equal(data, buf))
}

func TestRootIDStableAcrossGrowthAndShrink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h, err := s.Create(ctx)
	require.NoError(t, err)
	rootID := h.RootID()

	require.NoError(t, h.Write(ctx, make([]byte, 500), 0))
	require.Equal(t, rootID, h.RootID(), "growth must not relocate the blob's identity")

	require.NoError(t, h.Resize(ctx, 5))
	require.Equal(t, rootID, h.RootID(), "shrink must not relocate the blob's identity")
}

func TestTruncateThenReadTail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h, err := s.Create(ctx)
	require.NoError(t, err)

	data := make([]byte, 500)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, h.Write(ctx, data, 0))
	require.NoError(t, h.Resize(ctx, 100))

	size, err := h.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), size)

	buf := make([]byte, 50)
	n, err := h.Read(ctx, buf, 50)
	require.NoError(t, err)
	require.Equal(t, 50, n)
	require.Equal(t, data[50:100], buf)
}

func TestResizeGrowReadsZeroFill(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h, err := s.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Write(ctx, []byte("abc"), 0))
	require.NoError(t, h.Resize(ctx, 300))

	size, err := h.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(300), size)

	buf := make([]byte, 10)
	n, err := h.Read(ctx, buf, 290)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, make([]byte, 10), buf)
}

func TestWriteBeyondEndThenTruncateThenExtendAgainIsZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h, err := s.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Write(ctx, bytes.Repeat([]byte{0xFF}, 400), 0))
	require.NoError(t, h.Resize(ctx, 10))
	require.NoError(t, h.Resize(ctx, 400))

	buf := make([]byte, 400)
	n, err := h.Read(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 400, n)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 10), buf[:10])
	require.Equal(t, make([]byte, 390), buf[10:], "bytes beyond the old truncation point must read as zero, not stale data")
}

func TestRemoveFreesAllBlocks(t *testing.T) {
	ctx := context.Background()
	raw, err := localblock.Open(t.TempDir(), testPhysicalBlockSize)
	require.NoError(t, err)
	c := cache.New(raw, 64, nil)
	s, err := New(c)
	require.NoError(t, err)

	h, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Write(ctx, make([]byte, 500), 0))
	require.NoError(t, h.Flush(ctx))

	before, err := raw.NumBlocks(ctx)
	require.NoError(t, err)
	require.Greater(t, before, uint64(1))

	require.NoError(t, s.Remove(ctx, h))

	after, err := raw.NumBlocks(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), after)
}

func TestWriteAtOffsetPastEndLeavesGapZeroed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h, err := s.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Write(ctx, []byte("tail"), 200))
	size, err := h.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(204), size)

	buf := make([]byte, 204)
	n, err := h.Read(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 204, n)
	require.Equal(t, make([]byte, 200), buf[:200])
	require.Equal(t, []byte("tail"), buf[200:])
}
