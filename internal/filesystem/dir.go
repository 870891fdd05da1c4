package filesystem

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/fsblob"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// DirEntry is one entry yielded by Readdir.
type DirEntry struct {
	Name string
	Kind types.NodeKind
	ID   blockid.ID
}

// Readdir lists path's children plus synthetic "." and "..".
func (fs *FileSystem) Readdir(ctx context.Context, path string) ([]DirEntry, error) {
	id, kind, err := fs.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if kind != types.KindDir {
		return nil, errors.New(errors.CodeNotADirectory, "not a directory").WithComponent("filesystem").WithPath(path)
	}
	fb, list, err := fs.loadDir(ctx, id)
	if err != nil {
		return nil, err
	}
	parentID := fb.ParentID()
	if id == fs.rootID {
		parentID = fs.rootID
	}
	out := make([]DirEntry, 0, list.Len()+2)
	out = append(out, DirEntry{Name: ".", Kind: types.KindDir, ID: id})
	out = append(out, DirEntry{Name: "..", Kind: types.KindDir, ID: parentID})
	for _, e := range list.Entries() {
		out = append(out, DirEntry{Name: e.Name, Kind: e.Kind, ID: e.ID})
	}
	if err := fs.maybeUpdateAtime(ctx, fb.ParentID(), id, true); err != nil {
		return nil, err
	}
	return out, nil
}

func (fs *FileSystem) createNode(ctx context.Context, path string, kind types.NodeKind, mode, uid, gid uint32) (blockid.ID, error) {
	parentID, name, err := fs.resolveParent(ctx, path)
	if err != nil {
		return blockid.Zero, err
	}
	pfb, list, err := fs.loadDir(ctx, parentID)
	if err != nil {
		return blockid.Zero, err
	}
	if _, err := list.GetByName(name); err == nil {
		return blockid.Zero, errors.New(errors.CodeAlreadyExists, "already exists").WithComponent("filesystem").WithPath(path)
	}
	child, err := fsblob.Create(ctx, fs.blobs, kind, parentID)
	if err != nil {
		return blockid.Zero, err
	}
	now := fs.clock()
	if err := list.Add(name, kind, child.ID(), mode, uid, gid, now, now, now); err != nil {
		return blockid.Zero, err
	}
	if err := fs.saveDir(ctx, pfb, list); err != nil {
		return blockid.Zero, err
	}
	if err := fs.touchMtime(ctx, parentID); err != nil {
		return blockid.Zero, err
	}
	return child.ID(), nil
}

// CreateDir creates an empty directory at path.
func (fs *FileSystem) CreateDir(ctx context.Context, path string, mode, uid, gid uint32) error {
	_, err := fs.createNode(ctx, path, types.KindDir, mode, uid, gid)
	return err
}

// CreateSymlink creates a symlink at path pointing at target.
func (fs *FileSystem) CreateSymlink(ctx context.Context, path, target string, uid, gid uint32) error {
	id, err := fs.createNode(ctx, path, types.KindSymlink, 0777, uid, gid)
	if err != nil {
		return err
	}
	fb, err := fsblob.Open(ctx, fs.blobs, id)
	if err != nil {
		return err
	}
	return fb.WriteBody(ctx, []byte(target), 0)
}

// Remove deletes a non-directory entry (unlink).
func (fs *FileSystem) Remove(ctx context.Context, path string) error {
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
	if e.Kind == types.KindDir {
		return errors.New(errors.CodeIsADirectory, "use rmdir to remove a directory").WithComponent("filesystem").WithPath(path)
	}
	childID := e.ID
	if err := list.RemoveByName(name); err != nil {
		return err
	}
	if err := fs.saveDir(ctx, pfb, list); err != nil {
		return err
	}
	if err := fs.removeBlob(ctx, childID); err != nil {
		return err
	}
	return fs.touchMtime(ctx, parentID)
}

// Rmdir removes an empty directory.
func (fs *FileSystem) Rmdir(ctx context.Context, path string) error {
	if path == "/" {
		return errors.New(errors.CodeBusy, "cannot remove the root directory").WithComponent("filesystem").WithPath(path)
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
	if e.Kind != types.KindDir {
		return errors.New(errors.CodeNotADirectory, "not a directory").WithComponent("filesystem").WithPath(path)
	}
	_, childList, err := fs.loadDir(ctx, e.ID)
	if err != nil {
		return err
	}
	if childList.Len() != 0 {
		return errors.New(errors.CodeNotEmpty, "directory not empty").WithComponent("filesystem").WithPath(path)
	}
	childID := e.ID
	if err := list.RemoveByName(name); err != nil {
		return err
	}
	if err := fs.saveDir(ctx, pfb, list); err != nil {
		return err
	}
	if err := fs.removeBlob(ctx, childID); err != nil {
		return err
	}
	return fs.touchMtime(ctx, parentID)
}
