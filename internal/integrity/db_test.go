package integrity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/blockid"
)

func TestDBSaveLoadRoundTrips(t *testing.T) {
	db := NewDB()
	client, err := blockid.NewClientID()
	require.NoError(t, err)
	id1, err := blockid.New()
	require.NoError(t, err)
	id2, err := blockid.New()
	require.NoError(t, err)

	db.Record(client, id1, 3)
	db.Tombstone(id2, 7)

	path := filepath.Join(t.TempDir(), "known-versions.db")
	require.NoError(t, db.Save(path))

	loaded, err := LoadDB(path)
	require.NoError(t, err)

	v, ok := loaded.LastVersion(client, id1)
	require.True(t, ok)
	require.Equal(t, uint64(3), v)

	tv, ok := loaded.TombstoneVersion(id2)
	require.True(t, ok)
	require.Equal(t, uint64(7), tv)
}

func TestLoadDBMissingFileIsTrustOnFirstUse(t *testing.T) {
	db, err := LoadDB(filepath.Join(t.TempDir(), "missing.db"))
	require.NoError(t, err)
	require.False(t, db.EverExisted(blockid.ID{}))
}
