package filesystem

import (
	"context"
	"strings"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/direntry"
	"github.com/vaultfs/vaultfs/internal/fsblob"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// isAncestor reports whether ancestor is a path prefix of descendant at a
// component boundary, i.e. renaming ancestor onto a path inside itself.
func isAncestor(ancestor, descendant string) bool {
	if ancestor == "/" {
		return descendant != "/"
	}
	return strings.HasPrefix(descendant, ancestor+"/")
}

// Rename implements the §4.8 rename protocol: A (oldPath) becomes B
// (newPath), reusing a single parent-directory handle when both paths
// share a parent, rejecting renames of an ancestor onto its own
// descendant, and enforcing §4.7's overwrite kind-compatibility (plus the
// dir-must-be-empty rule direntry itself cannot check) when B exists.
func (fs *FileSystem) Rename(ctx context.Context, oldPath, newPath string) error {
	if oldPath == "/" || newPath == "/" {
		return errors.New(errors.CodeBusy, "cannot rename the root directory").WithComponent("filesystem")
	}
	if oldPath == newPath {
		return nil
	}
	if isAncestor(oldPath, newPath) {
		return errors.New(errors.CodeInvalidArgument, "cannot rename a directory into its own descendant").WithComponent("filesystem").WithPath(newPath)
	}

	oldParentID, oldName, err := fs.resolveParent(ctx, oldPath)
	if err != nil {
		return err
	}
	newParentID, newName, err := fs.resolveParent(ctx, newPath)
	if err != nil {
		return err
	}

	sameParent := oldParentID == newParentID

	oldFB, oldList, err := fs.loadDir(ctx, oldParentID)
	if err != nil {
		return err
	}
	entry, err := oldList.GetByName(oldName)
	if err != nil {
		return err
	}
	movingID, movingKind := entry.ID, entry.Kind
	mode, uid, gid := entry.Mode, entry.UID, entry.GID

	var newFB *fsblob.FsBlob
	var newList *direntry.List
	if sameParent {
		newFB, newList = oldFB, oldList
	} else {
		newFB, newList, err = fs.loadDir(ctx, newParentID)
		if err != nil {
			return err
		}
	}

	if existing, err := newList.GetByName(newName); err == nil {
		if err := fs.checkOverwriteAllowed(ctx, existing.Kind, movingKind, existing.ID); err != nil {
			return err
		}
	}

	now := fs.clock()
	err = newList.AddOrOverwrite(newName, movingKind, movingID, mode, uid, gid, entry.Atime, entry.Mtime, now, func(displaced blockid.ID) error {
		return fs.removeBlob(ctx, displaced)
	})
	if err != nil {
		return err
	}
	if err := oldList.RemoveByName(oldName); err != nil {
		return err
	}

	if sameParent {
		if err := fs.saveDir(ctx, oldFB, oldList); err != nil {
			return err
		}
	} else {
		if err := fs.saveDir(ctx, oldFB, oldList); err != nil {
			return err
		}
		if err := fs.saveDir(ctx, newFB, newList); err != nil {
			return err
		}
		movedFB, err := fsblob.Open(ctx, fs.blobs, movingID)
		if err != nil {
			return err
		}
		if err := movedFB.SetParentPointer(ctx, newParentID); err != nil {
			return err
		}
	}

	if err := fs.touchCtime(ctx, movingID); err != nil {
		return err
	}
	if err := fs.touchMtime(ctx, oldParentID); err != nil {
		return err
	}
	if !sameParent {
		if err := fs.touchMtime(ctx, newParentID); err != nil {
			return err
		}
	}
	return nil
}

// checkOverwriteAllowed pre-validates a rename-destination overwrite
// before direntry.List.AddOrOverwrite runs: dir-onto-dir is only allowed
// when the displaced directory is empty, which direntry itself cannot
// check since it never sees blob contents. Cross-kind mismatches (file
// onto dir or vice versa) are left for AddOrOverwrite's own check.
func (fs *FileSystem) checkOverwriteAllowed(ctx context.Context, existingKind, movingKind types.NodeKind, existingID blockid.ID) error {
	if existingKind != types.KindDir || movingKind != types.KindDir {
		return nil
	}
	_, list, err := fs.loadDir(ctx, existingID)
	if err != nil {
		return err
	}
	if list.Len() != 0 {
		return errors.New(errors.CodeNotEmpty, "destination directory not empty").WithComponent("filesystem")
	}
	return nil
}
