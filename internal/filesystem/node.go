package filesystem

import (
	"context"
	"time"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/fsblob"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// nodeSize returns the logical size reported by stat for id: the body
// length for files and symlinks, and the serialized entry-list length
// for directories.
func (fs *FileSystem) nodeSize(ctx context.Context, id blockid.ID) (uint64, error) {
	fb, err := fsblob.Open(ctx, fs.blobs, id)
	if err != nil {
		return 0, err
	}
	return fb.BodySize(ctx)
}

func (fs *FileSystem) rootStat(ctx context.Context) (types.Stat, error) {
	size, err := fs.nodeSize(ctx, fs.rootID)
	if err != nil {
		return types.Stat{}, err
	}
	fs.mu.Lock()
	m := fs.rootMeta
	fs.mu.Unlock()
	return types.Stat{
		Kind: types.KindDir, Mode: m.Mode, UID: m.UID, GID: m.GID,
		Size: size, Atime: m.Atime, Mtime: m.Mtime, Ctime: m.Ctime,
	}, nil
}

// Stat returns path's metadata.
func (fs *FileSystem) Stat(ctx context.Context, path string) (types.Stat, error) {
	if path == "/" {
		return fs.rootStat(ctx)
	}
	parentID, name, err := fs.resolveParent(ctx, path)
	if err != nil {
		return types.Stat{}, err
	}
	_, list, err := fs.loadDir(ctx, parentID)
	if err != nil {
		return types.Stat{}, err
	}
	e, err := list.GetByName(name)
	if err != nil {
		return types.Stat{}, err
	}
	size, err := fs.nodeSize(ctx, e.ID)
	if err != nil {
		return types.Stat{}, err
	}
	return types.Stat{
		Kind: e.Kind, Mode: e.Mode, UID: e.UID, GID: e.GID,
		Size: size, Atime: e.Atime, Mtime: e.Mtime, Ctime: e.Ctime,
	}, nil
}

// Chmod sets path's permission bits and touches its ctime.
func (fs *FileSystem) Chmod(ctx context.Context, path string, mode uint32) error {
	if path == "/" {
		fs.mu.Lock()
		fs.rootMeta.Mode = mode
		fs.rootMeta.Ctime = fs.clock()
		fs.mu.Unlock()
		return nil
	}
	parentID, name, err := fs.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	pfb, list, err := fs.loadDir(ctx, parentID)
	if err != nil {
		return err
	}
	e, err := list.GetByName(name)
	if err != nil {
		return err
	}
	e.Mode = mode
	e.Ctime = fs.clock()
	return fs.saveDir(ctx, pfb, list)
}

// Chown sets path's owning uid/gid and touches its ctime.
func (fs *FileSystem) Chown(ctx context.Context, path string, uid, gid uint32) error {
	if path == "/" {
		fs.mu.Lock()
		fs.rootMeta.UID = uid
		fs.rootMeta.GID = gid
		fs.rootMeta.Ctime = fs.clock()
		fs.mu.Unlock()
		return nil
	}
	parentID, name, err := fs.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	pfb, list, err := fs.loadDir(ctx, parentID)
	if err != nil {
		return err
	}
	e, err := list.GetByName(name)
	if err != nil {
		return err
	}
	e.UID = uid
	e.GID = gid
	e.Ctime = fs.clock()
	return fs.saveDir(ctx, pfb, list)
}

// Utimens sets path's atime and mtime explicitly and touches its ctime.
func (fs *FileSystem) Utimens(ctx context.Context, path string, atime, mtime time.Time) error {
	if path == "/" {
		fs.mu.Lock()
		fs.rootMeta.Atime = atime
		fs.rootMeta.Mtime = mtime
		fs.rootMeta.Ctime = fs.clock()
		fs.mu.Unlock()
		return nil
	}
	parentID, name, err := fs.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	pfb, list, err := fs.loadDir(ctx, parentID)
	if err != nil {
		return err
	}
	e, err := list.GetByName(name)
	if err != nil {
		return err
	}
	e.Atime = atime
	e.Mtime = mtime
	e.Ctime = fs.clock()
	return fs.saveDir(ctx, pfb, list)
}

// Access is a best-effort existence check (§4.8): it does not enforce a
// permission model, it only reports whether path resolves.
func (fs *FileSystem) Access(ctx context.Context, path string) error {
	_, _, err := fs.resolve(ctx, path)
	return err
}

// Readlink returns a symlink's target.
func (fs *FileSystem) Readlink(ctx context.Context, path string) (string, error) {
	id, kind, err := fs.resolve(ctx, path)
	if err != nil {
		return "", err
	}
	if kind != types.KindSymlink {
		return "", errors.New(errors.CodeInvalidArgument, "not a symlink").WithComponent("filesystem").WithPath(path)
	}
	fb, err := fsblob.Open(ctx, fs.blobs, id)
	if err != nil {
		return "", err
	}
	body, err := fb.ReadAllBody(ctx)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// maybeUpdateAtime applies the mount's atime policy (§4.7) after a read
// of id, which lives in parentID's entry list (or is the root itself).
func (fs *FileSystem) maybeUpdateAtime(ctx context.Context, parentID, id blockid.ID, isDir bool) error {
	now := fs.clock()
	if id == fs.rootID {
		fs.mu.Lock()
		if types.ShouldUpdateAtime(fs.atimePolicy, isDir, fs.rootMeta.Atime, fs.rootMeta.Mtime, now) {
			fs.rootMeta.Atime = now
		}
		fs.mu.Unlock()
		return nil
	}
	pfb, list, err := fs.loadDir(ctx, parentID)
	if err != nil {
		return err
	}
	if err := list.UpdateAccessTime(id, fs.atimePolicy, now); err != nil {
		return err
	}
	return fs.saveDir(ctx, pfb, list)
}
