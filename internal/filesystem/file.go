package filesystem

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/fsblob"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// registerOpen allocates a new file descriptor for id. Multiple
// independent opens of the same blob are permitted (§4.8's state
// machine).
func (fs *FileSystem) registerOpen(id blockid.ID) uint64 {
	fs.filesMu.Lock()
	defer fs.filesMu.Unlock()
	fs.nextFD++
	fd := fs.nextFD
	fs.openFile[fd] = &openFile{id: id}
	return fd
}

func (fs *FileSystem) lookupOpen(fd uint64) (*openFile, error) {
	fs.filesMu.Lock()
	defer fs.filesMu.Unlock()
	of, ok := fs.openFile[fd]
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument, "unknown file descriptor").WithComponent("filesystem")
	}
	return of, nil
}

// Open resolves an existing file at path and returns a descriptor for it
// (§4.8's `open` transition, Closed → Open).
func (fs *FileSystem) Open(ctx context.Context, path string) (uint64, error) {
	id, kind, err := fs.resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	if kind == types.KindDir {
		return 0, errors.New(errors.CodeIsADirectory, "not a regular file").WithComponent("filesystem").WithPath(path)
	}
	if kind != types.KindFile {
		return 0, errors.New(errors.CodeInvalidArgument, "not a regular file").WithComponent("filesystem").WithPath(path)
	}
	return fs.registerOpen(id), nil
}

// CreateFile creates a new, empty file at path and opens it in one step
// (§4.8's `createAndOpenFile` transition).
func (fs *FileSystem) CreateFile(ctx context.Context, path string, mode, uid, gid uint32) (uint64, error) {
	id, err := fs.createNode(ctx, path, types.KindFile, mode, uid, gid)
	if err != nil {
		return 0, err
	}
	return fs.registerOpen(id), nil
}

// Close retires a descriptor (§4.8's `close` transition, Open → Closed).
func (fs *FileSystem) Close(ctx context.Context, fd uint64) error {
	fs.filesMu.Lock()
	defer fs.filesMu.Unlock()
	if _, ok := fs.openFile[fd]; !ok {
		return errors.New(errors.CodeInvalidArgument, "unknown file descriptor").WithComponent("filesystem")
	}
	delete(fs.openFile, fd)
	return nil
}

// Read reads up to len(buf) bytes from fd at offset.
func (fs *FileSystem) Read(ctx context.Context, fd uint64, buf []byte, offset uint64) (int, error) {
	of, err := fs.lookupOpen(fd)
	if err != nil {
		return 0, err
	}
	fb, err := fsblob.Open(ctx, fs.blobs, of.id)
	if err != nil {
		return 0, err
	}
	n, err := fb.ReadBody(ctx, buf, offset)
	if err != nil {
		return 0, err
	}
	if err := fs.maybeUpdateAtime(ctx, fb.ParentID(), of.id, false); err != nil {
		return 0, err
	}
	return n, nil
}

// Write writes buf to fd at offset, growing the file if necessary, and
// touches the file's own mtime/ctime.
func (fs *FileSystem) Write(ctx context.Context, fd uint64, buf []byte, offset uint64) error {
	of, err := fs.lookupOpen(fd)
	if err != nil {
		return err
	}
	fb, err := fsblob.Open(ctx, fs.blobs, of.id)
	if err != nil {
		return err
	}
	if err := fb.WriteBody(ctx, buf, offset); err != nil {
		return err
	}
	return fs.touchMtime(ctx, of.id)
}

// Truncate sets fd's file to exactly n bytes, zero-filling on growth.
func (fs *FileSystem) Truncate(ctx context.Context, fd uint64, n uint64) error {
	of, err := fs.lookupOpen(fd)
	if err != nil {
		return err
	}
	fb, err := fsblob.Open(ctx, fs.blobs, of.id)
	if err != nil {
		return err
	}
	if err := fb.ResizeBody(ctx, n); err != nil {
		return err
	}
	return fs.touchMtime(ctx, of.id)
}

// Flush forces fd's dirty blocks to the underlying store without closing
// the descriptor.
func (fs *FileSystem) Flush(ctx context.Context, fd uint64) error {
	of, err := fs.lookupOpen(fd)
	if err != nil {
		return err
	}
	fb, err := fsblob.Open(ctx, fs.blobs, of.id)
	if err != nil {
		return err
	}
	return fb.Flush(ctx)
}

// Fsync flushes fd's data and metadata; at this layer it is identical to
// Flush, since the cache (L3) has no separate metadata journal.
func (fs *FileSystem) Fsync(ctx context.Context, fd uint64) error {
	return fs.Flush(ctx, fd)
}

// Fdatasync flushes fd's data only; at this layer it is identical to
// Flush for the same reason as Fsync.
func (fs *FileSystem) Fdatasync(ctx context.Context, fd uint64) error {
	return fs.Flush(ctx, fd)
}
