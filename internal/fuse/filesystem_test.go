package fuse

import (
	"context"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/blob"
	"github.com/vaultfs/vaultfs/internal/block/localblock"
	"github.com/vaultfs/vaultfs/internal/cache"
	vfs "github.com/vaultfs/vaultfs/internal/filesystem"
	"github.com/vaultfs/vaultfs/pkg/types"
)

func newTestFsys(t *testing.T) *vfs.FileSystem {
	t.Helper()
	raw, err := localblock.Open(t.TempDir(), 256)
	require.NoError(t, err)
	c := cache.New(raw, 256, nil)
	bs, err := blob.New(c)
	require.NoError(t, err)
	fsys, err := vfs.Init(context.Background(), bs, raw, types.AtimeRelative, 0755, 0, 0)
	require.NoError(t, err)
	return fsys
}

func TestNodeCreateWriteReadRelease(t *testing.T) {
	ctx := context.Background()
	root := Root(newTestFsys(t)).(*Node)

	var entryOut fuse.EntryOut
	inode, fh, _, errno := root.Create(ctx, "hello.txt", 0, 0644, &entryOut)
	require.Zero(t, errno)
	require.NotNil(t, inode)
	handle := fh.(*FileHandle)

	node := inode.Operations().(*Node)
	require.Equal(t, "/hello.txt", node.path)

	n, errno := node.Write(ctx, handle, []byte("hello world"), 0)
	require.Zero(t, errno)
	require.Equal(t, uint32(11), n)

	require.Zero(t, node.Flush(ctx, handle))

	var attrOut fuse.AttrOut
	require.Zero(t, node.Getattr(ctx, handle, &attrOut))
	require.Equal(t, uint64(11), attrOut.Size)

	buf := make([]byte, 11)
	res, errno := node.Read(ctx, handle, buf, 0)
	require.Zero(t, errno)
	data, status := res.Bytes(buf)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, "hello world", string(data))

	require.Zero(t, node.Release(ctx, handle))
}

func TestNodeMkdirLookupReaddir(t *testing.T) {
	ctx := context.Background()
	root := Root(newTestFsys(t)).(*Node)

	var entryOut fuse.EntryOut
	inode, errno := root.Mkdir(ctx, "sub", 0755, &entryOut)
	require.Zero(t, errno)
	require.NotNil(t, inode)

	dirNode := inode.Operations().(*Node)
	require.Equal(t, "/sub", dirNode.path)

	var lookupOut fuse.EntryOut
	found, errno := root.Lookup(ctx, "sub", &lookupOut)
	require.Zero(t, errno)
	require.Equal(t, "/sub", found.Operations().(*Node).path)

	stream, errno := root.Readdir(ctx)
	require.Zero(t, errno)
	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Zero(t, errno)
		names = append(names, e.Name)
	}
	require.Contains(t, names, "sub")
}

func TestNodeLookupMissingReturnsENOENT(t *testing.T) {
	ctx := context.Background()
	root := Root(newTestFsys(t)).(*Node)

	var out fuse.EntryOut
	_, errno := root.Lookup(ctx, "missing", &out)
	require.Equal(t, int(fuse.ENOENT), int(errno))
}

func TestNodeRenameAndUnlink(t *testing.T) {
	ctx := context.Background()
	root := Root(newTestFsys(t)).(*Node)

	var entryOut fuse.EntryOut
	_, _, _, errno := root.Create(ctx, "a.txt", 0, 0644, &entryOut)
	require.Zero(t, errno)

	require.Zero(t, root.Rename(ctx, "a.txt", root, "b.txt", 0))

	var lookupOut fuse.EntryOut
	_, errno = root.Lookup(ctx, "b.txt", &lookupOut)
	require.Zero(t, errno)

	require.Zero(t, root.Unlink(ctx, "b.txt"))

	_, errno = root.Lookup(ctx, "b.txt", &lookupOut)
	require.Equal(t, int(fuse.ENOENT), int(errno))
}
