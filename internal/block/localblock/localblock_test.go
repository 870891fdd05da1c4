package localblock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
)

const testBlockSize = 64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testBlockSize)
	require.NoError(t, err)
	return s
}

func fixedPayload(t *testing.T, b byte) []byte {
	t.Helper()
	buf := make([]byte, testBlockSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestTryCreateThenLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := blockid.New()
	require.NoError(t, err)
	payload := fixedPayload(t, 0xAB)

	created, err := s.TryCreate(ctx, id, payload)
	require.NoError(t, err)
	require.True(t, created)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestTryCreateTwiceReportsNotCreated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := blockid.New()
	require.NoError(t, err)
	payload := fixedPayload(t, 1)

	created, err := s.TryCreate(ctx, id, payload)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.TryCreate(ctx, id, fixedPayload(t, 2))
	require.NoError(t, err)
	require.False(t, created)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, got, "second TryCreate must not overwrite")
}

func TestLoadMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := blockid.New()
	require.NoError(t, err)

	_, err = s.Load(ctx, id)
	require.Equal(t, errors.CodeNotFound, errors.Code(err))
}

func TestStoreOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := blockid.New()
	require.NoError(t, err)

	require.NoError(t, s.Store(ctx, id, fixedPayload(t, 1)))
	require.NoError(t, s.Store(ctx, id, fixedPayload(t, 2)))

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, fixedPayload(t, 2), got)
}

func TestStoreWrongSizeRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := blockid.New()
	require.NoError(t, err)

	err = s.Store(ctx, id, []byte{1, 2, 3})
	require.Equal(t, errors.CodeInvalidArgument, errors.Code(err))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := blockid.New()
	require.NoError(t, err)
	require.NoError(t, s.Store(ctx, id, fixedPayload(t, 1)))

	require.NoError(t, s.Remove(ctx, id))

	_, err = s.Load(ctx, id)
	require.Equal(t, errors.CodeNotFound, errors.Code(err))

	err = s.Remove(ctx, id)
	require.Equal(t, errors.CodeNotFound, errors.Code(err))
}

func TestForEachIDVisitsAllStoredBlocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	want := map[blockid.ID]bool{}
	for i := 0; i < 20; i++ {
		id, err := blockid.New()
		require.NoError(t, err)
		require.NoError(t, s.Store(ctx, id, fixedPayload(t, byte(i))))
		want[id] = true
	}

	seen := map[blockid.ID]bool{}
	require.NoError(t, s.ForEachID(ctx, func(id blockid.ID) error {
		seen[id] = true
		return nil
	}))
	require.Equal(t, want, seen)

	n, err := s.NumBlocks(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(len(want)), n)
}

func TestBlockSize(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, testBlockSize, s.BlockSize())
}
