package filesystem

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/blob"
	"github.com/vaultfs/vaultfs/internal/block/localblock"
	"github.com/vaultfs/vaultfs/internal/cache"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

func newTestFS(t *testing.T, blockSize int, policy types.AtimePolicy) *FileSystem {
	t.Helper()
	raw, err := localblock.Open(t.TempDir(), blockSize)
	require.NoError(t, err)
	c := cache.New(raw, 256, nil)
	bs, err := blob.New(c)
	require.NoError(t, err)
	fs, err := Init(context.Background(), bs, raw, policy, 0755, 0, 0)
	require.NoError(t, err)
	return fs
}

func TestS1CreateWriteReadStat(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeRelative)

	require.NoError(t, fs.CreateDir(ctx, "/a", 0755, 1, 1))
	fd, err := fs.CreateFile(ctx, "/a/f", 0644, 1, 1)
	require.NoError(t, err)

	require.NoError(t, fs.Write(ctx, fd, []byte("hello world"), 0))

	buf := make([]byte, 11)
	n, err := fs.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", string(buf))

	st, err := fs.Stat(ctx, "/a/f")
	require.NoError(t, err)
	require.Equal(t, uint64(11), st.Size)
	require.Equal(t, types.KindFile, st.Kind)

	require.NoError(t, fs.Close(ctx, fd))
}

func TestS2LargeFileAcrossBlocksThenTruncate(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 37, types.AtimeNone) // tiny leaf/fanout, forces a deep tree

	fd, err := fs.CreateFile(ctx, "/big", 0644, 0, 0)
	require.NoError(t, err)

	data := make([]byte, 2000)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, fs.Write(ctx, fd, data, 0))

	st, err := fs.Stat(ctx, "/big")
	require.NoError(t, err)
	require.Equal(t, uint64(2000), st.Size)

	buf := make([]byte, 2000)
	n, err := fs.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 2000, n)
	require.True(t, bytes.Equal(data, buf))

	require.NoError(t, fs.Truncate(ctx, fd, 1000))
	st, err = fs.Stat(ctx, "/big")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), st.Size)

	tail := make([]byte, 500)
	n, err = fs.Read(ctx, fd, tail, 500)
	require.NoError(t, err)
	require.Equal(t, 500, n)
	require.Equal(t, data[500:1000], tail)
}

func TestMkdirDuplicateNameAlreadyExists(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	require.NoError(t, fs.CreateDir(ctx, "/a", 0755, 0, 0))
	err := fs.CreateDir(ctx, "/a", 0755, 0, 0)
	require.Equal(t, errors.CodeAlreadyExists, errors.Code(err))
}

func TestPathResolutionErrors(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)

	_, err := fs.Stat(ctx, "/missing")
	require.Equal(t, errors.CodeNotFound, errors.Code(err))

	_, err = fs.CreateFile(ctx, "/missing-parent/f", 0644, 0, 0)
	require.Equal(t, errors.CodeNotFound, errors.Code(err))

	_, err = fs.CreateFile(ctx, "/a/f", 0644, 0, 0)
	require.Equal(t, errors.CodeNotFound, errors.Code(err))

	fd, err := fs.CreateFile(ctx, "/file", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, fd))
	_, err = fs.CreateFile(ctx, "/file/nested", 0644, 0, 0)
	require.Equal(t, errors.CodeNotADirectory, errors.Code(err))
}

func TestRmdirRequiresEmpty(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	require.NoError(t, fs.CreateDir(ctx, "/a", 0755, 0, 0))
	fd, err := fs.CreateFile(ctx, "/a/f", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, fd))

	err = fs.Rmdir(ctx, "/a")
	require.Equal(t, errors.CodeNotEmpty, errors.Code(err))

	require.NoError(t, fs.Remove(ctx, "/a/f"))
	require.NoError(t, fs.Rmdir(ctx, "/a"))

	_, _, err = fs.resolve(ctx, "/a")
	require.Equal(t, errors.CodeNotFound, errors.Code(err))
}

func TestRemoveRejectsDirectory(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	require.NoError(t, fs.CreateDir(ctx, "/a", 0755, 0, 0))
	err := fs.Remove(ctx, "/a")
	require.Equal(t, errors.CodeIsADirectory, errors.Code(err))
}

func TestRenameSameParent(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	fd, err := fs.CreateFile(ctx, "/old", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ctx, fd, []byte("data"), 0))
	require.NoError(t, fs.Close(ctx, fd))

	require.NoError(t, fs.Rename(ctx, "/old", "/new"))

	_, _, err = fs.resolve(ctx, "/old")
	require.Equal(t, errors.CodeNotFound, errors.Code(err))

	st, err := fs.Stat(ctx, "/new")
	require.NoError(t, err)
	require.Equal(t, uint64(4), st.Size)
}

func TestRenameAcrossDirectoriesUpdatesParentPointer(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	require.NoError(t, fs.CreateDir(ctx, "/src", 0755, 0, 0))
	require.NoError(t, fs.CreateDir(ctx, "/dst", 0755, 0, 0))
	fd, err := fs.CreateFile(ctx, "/src/f", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, fd))

	require.NoError(t, fs.Rename(ctx, "/src/f", "/dst/f"))

	_, err = fs.Readdir(ctx, "/src")
	require.NoError(t, err)
	entries, err := fs.Readdir(ctx, "/dst")
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Name == "f" {
			found = true
		}
	}
	require.True(t, found)
}

func TestRenameRejectsAncestorIntoDescendant(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	require.NoError(t, fs.CreateDir(ctx, "/a", 0755, 0, 0))
	require.NoError(t, fs.CreateDir(ctx, "/a/b", 0755, 0, 0))

	err := fs.Rename(ctx, "/a", "/a/b/a")
	require.Equal(t, errors.CodeInvalidArgument, errors.Code(err))
}

func TestRenameOntoNonEmptyDirFails(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	require.NoError(t, fs.CreateDir(ctx, "/a", 0755, 0, 0))
	require.NoError(t, fs.CreateDir(ctx, "/b", 0755, 0, 0))
	fd, err := fs.CreateFile(ctx, "/b/f", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, fd))

	err = fs.Rename(ctx, "/a", "/b")
	require.Equal(t, errors.CodeNotEmpty, errors.Code(err))
}

func TestS4RenameOverwritesFileAndFreesOldBlob(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)

	fd1, err := fs.CreateFile(ctx, "/f1", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ctx, fd1, []byte("A"), 0))
	require.NoError(t, fs.Close(ctx, fd1))

	fd2, err := fs.CreateFile(ctx, "/f2", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ctx, fd2, []byte("BB"), 0))
	require.NoError(t, fs.Close(ctx, fd2))

	oldF2ID, _, err := fs.resolve(ctx, "/f2")
	require.NoError(t, err)

	before, err := fs.raw.NumBlocks(ctx)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, "/f1", "/f2"))

	_, _, err = fs.resolve(ctx, "/f1")
	require.Equal(t, errors.CodeNotFound, errors.Code(err))

	fd, err := fs.Open(ctx, "/f2")
	require.NoError(t, err)
	buf := make([]byte, 1)
	n, err := fs.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "A", string(buf))
	require.NoError(t, fs.Close(ctx, fd))

	entries, err := fs.Readdir(ctx, "/")
	require.NoError(t, err)
	count := 0
	for _, e := range entries {
		if e.Name == "f2" {
			count++
		}
		require.NotEqual(t, "f1", e.Name)
	}
	require.Equal(t, 1, count)

	_, err = fs.raw.Load(ctx, oldF2ID)
	require.Equal(t, errors.CodeNotFound, errors.Code(err))

	after, err := fs.raw.NumBlocks(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, after, before)
}

func TestSymlinkReadlink(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	require.NoError(t, fs.CreateSymlink(ctx, "/link", "/a/b/target", 0, 0))
	target, err := fs.Readlink(ctx, "/link")
	require.NoError(t, err)
	require.Equal(t, "/a/b/target", target)
}

func TestAtimePolicyMatrix(t *testing.T) {
	ctx := context.Background()
	mtime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("noatime never updates", func(t *testing.T) {
		fs := newTestFS(t, 256, types.AtimeNone)
		fd, err := fs.CreateFile(ctx, "/f", 0644, 0, 0)
		require.NoError(t, err)
		require.NoError(t, fs.Utimens(ctx, "/f", mtime.Add(-time.Hour), mtime))
		buf := make([]byte, 1)
		_, _ = fs.Read(ctx, fd, buf, 0)
		st, err := fs.Stat(ctx, "/f")
		require.NoError(t, err)
		require.True(t, st.Atime.Equal(mtime.Add(-time.Hour)))
	})

	t.Run("strictatime always updates", func(t *testing.T) {
		fs := newTestFS(t, 256, types.AtimeStrict)
		fd, err := fs.CreateFile(ctx, "/f", 0644, 0, 0)
		require.NoError(t, err)
		require.NoError(t, fs.Utimens(ctx, "/f", mtime, mtime))
		buf := make([]byte, 1)
		_, _ = fs.Read(ctx, fd, buf, 0)
		st, err := fs.Stat(ctx, "/f")
		require.NoError(t, err)
		require.False(t, st.Atime.Equal(mtime), "strictatime must bump atime past its previous value")
	})
}

func TestChmodChownUtimens(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	fd, err := fs.CreateFile(ctx, "/f", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, fd))

	require.NoError(t, fs.Chmod(ctx, "/f", 0600))
	require.NoError(t, fs.Chown(ctx, "/f", 42, 43))
	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	mt := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, fs.Utimens(ctx, "/f", at, mt))

	st, err := fs.Stat(ctx, "/f")
	require.NoError(t, err)
	require.Equal(t, uint32(0600), st.Mode)
	require.Equal(t, uint32(42), st.UID)
	require.Equal(t, uint32(43), st.GID)
	require.True(t, st.Atime.Equal(at))
	require.True(t, st.Mtime.Equal(mt))
}

func TestRootChmodChown(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	require.NoError(t, fs.Chmod(ctx, "/", 0700))
	require.NoError(t, fs.Chown(ctx, "/", 9, 9))
	st, err := fs.Stat(ctx, "/")
	require.NoError(t, err)
	require.Equal(t, uint32(0700), st.Mode)
	require.Equal(t, uint32(9), st.UID)
}

func TestReaddirIncludesDotAndDotDot(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	require.NoError(t, fs.CreateDir(ctx, "/a", 0755, 0, 0))
	entries, err := fs.Readdir(ctx, "/a")
	require.NoError(t, err)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	require.True(t, names["."])
	require.True(t, names[".."])
}

func TestStatfsReportsBlockSizeAndUsage(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 256, types.AtimeNone)
	fd, err := fs.CreateFile(ctx, "/f", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ctx, fd, []byte("hello"), 0))
	require.NoError(t, fs.Flush(ctx, fd))

	info, err := fs.Statfs(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(255), info.MaxFilenameLength)
	require.Equal(t, uint32(256-5), info.BlockSize) // blob leaf capacity: block size minus the 5-byte node header
	require.Greater(t, info.NumTotalBlocks, uint64(0))
}
