// Package filesystem implements the §4.8 L7 layer: absolute POSIX path
// resolution, per-node operations, the open-file table, the rename
// protocol, and statfs, all built on top of the L4/L5/L6 blob, FsBlob,
// and directory-entry-list layers.
package filesystem

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vaultfs/vaultfs/internal/blob"
	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/direntry"
	"github.com/vaultfs/vaultfs/internal/fsblob"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

const maxFilenameLength = 255

// nodeMeta is the per-node stat metadata that §4.7 stores in the parent
// directory's entry for the node. The root directory has no parent entry
// (§3 records only its blob-id in the config file), so the filesystem
// keeps the root's own metadata in memory, mutated by chmod/chown/
// utimens the same way a parent entry would be.
type nodeMeta struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// FileSystem is the mounted view of one VaultFS filesystem: path
// resolution and node operations over a blob store rooted at a fixed
// root directory blob-id.
type FileSystem struct {
	blobs       *blob.Store
	raw         types.BlockStore
	rootID      blockid.ID
	atimePolicy types.AtimePolicy
	logger      *slog.Logger
	clock       func() time.Time

	mu       sync.Mutex
	rootMeta nodeMeta

	filesMu  sync.Mutex
	nextFD   uint64
	openFile map[uint64]*openFile
}

type openFile struct {
	id blockid.ID
}

// Option configures a FileSystem at construction.
type Option func(*FileSystem)

// WithLogger injects a structured logger; the zero value uses slog's
// default logger.
func WithLogger(l *slog.Logger) Option {
	return func(fs *FileSystem) { fs.logger = l }
}

// WithClock overrides the wall clock used for atime/mtime/ctime stamps,
// for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(fs *FileSystem) { fs.clock = clock }
}

// New mounts an existing filesystem rooted at rootID.
func New(blobs *blob.Store, raw types.BlockStore, rootID blockid.ID, atimePolicy types.AtimePolicy, opts ...Option) *FileSystem {
	fs := &FileSystem{
		blobs:       blobs,
		raw:         raw,
		rootID:      rootID,
		atimePolicy: atimePolicy,
		logger:      slog.Default(),
		clock:       time.Now,
		openFile:    make(map[uint64]*openFile),
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// Init creates a brand-new root directory blob and returns a FileSystem
// mounted on it, for use on a filesystem's first mount (the adapter calls
// it when the config file has no root_blob_id yet). The caller is
// responsible for persisting the returned RootID() into the config file.
func Init(ctx context.Context, blobs *blob.Store, raw types.BlockStore, atimePolicy types.AtimePolicy, rootMode, rootUID, rootGID uint32, opts ...Option) (*FileSystem, error) {
	fb, err := fsblob.Create(ctx, blobs, types.KindDir, blockid.Zero)
	if err != nil {
		return nil, err
	}
	fs := New(blobs, raw, fb.ID(), atimePolicy, opts...)
	now := fs.clock()
	fs.rootMeta = nodeMeta{Mode: rootMode, UID: rootUID, GID: rootGID, Atime: now, Mtime: now, Ctime: now}
	return fs, nil
}

// RootID returns the root directory's blob-id, the §6 config file's
// `root_blob_id` field.
func (fs *FileSystem) RootID() blockid.ID { return fs.rootID }

// splitPath validates and splits an absolute POSIX path into its
// non-empty components. "/" splits to an empty slice.
func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errors.New(errors.CodeInvalidArgument, "path must be absolute").WithComponent("filesystem").WithPath(path)
	}
	var comps []string
	for _, c := range strings.Split(path, "/") {
		if c == "" {
			continue
		}
		if c == "." || c == ".." {
			return nil, errors.New(errors.CodeInvalidArgument, "path must not contain . or ..").WithComponent("filesystem").WithPath(path)
		}
		if len(c) > maxFilenameLength {
			return nil, errors.New(errors.CodeInvalidArgument, "path component too long").WithComponent("filesystem").WithPath(path)
		}
		comps = append(comps, c)
	}
	return comps, nil
}

// loadDir opens id as a directory FsBlob and its decoded entry list. A
// freshly created, never-written directory body is empty and parses as
// an empty list rather than a format error.
func (fs *FileSystem) loadDir(ctx context.Context, id blockid.ID) (*fsblob.FsBlob, *direntry.List, error) {
	fb, err := fsblob.Open(ctx, fs.blobs, id)
	if err != nil {
		return nil, nil, err
	}
	if fb.Kind() != types.KindDir {
		return nil, nil, errors.New(errors.CodeNotADirectory, "not a directory").WithComponent("filesystem")
	}
	raw, err := fb.ReadAllBody(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return fb, direntry.New(), nil
	}
	list, err := direntry.Deserialize(raw)
	if err != nil {
		return nil, nil, err
	}
	return fb, list, nil
}

// saveDir re-serializes list and writes it back as fb's body, resizing
// first so a shrinking directory (entry removed) doesn't leave stale
// trailing bytes.
func (fs *FileSystem) saveDir(ctx context.Context, fb *fsblob.FsBlob, list *direntry.List) error {
	raw := list.Serialize()
	if err := fb.ResizeBody(ctx, uint64(len(raw))); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return fb.WriteBody(ctx, raw, 0)
}

// walk resolves comps starting from the root directory, returning the
// final component's blob-id and kind. An empty comps returns the root
// itself.
func (fs *FileSystem) walk(ctx context.Context, comps []string) (blockid.ID, types.NodeKind, error) {
	curID := fs.rootID
	curKind := types.KindDir
	for _, name := range comps {
		if curKind != types.KindDir {
			return blockid.Zero, 0, errors.New(errors.CodeNotADirectory, "not a directory").WithComponent("filesystem").WithPath(name)
		}
		_, list, err := fs.loadDir(ctx, curID)
		if err != nil {
			return blockid.Zero, 0, err
		}
		e, err := list.GetByName(name)
		if err != nil {
			return blockid.Zero, 0, err
		}
		curID = e.ID
		curKind = e.Kind
	}
	return curID, curKind, nil
}

// resolve walks the full path to its final node's blob-id and kind.
func (fs *FileSystem) resolve(ctx context.Context, path string) (blockid.ID, types.NodeKind, error) {
	comps, err := splitPath(path)
	if err != nil {
		return blockid.Zero, 0, err
	}
	return fs.walk(ctx, comps)
}

// resolveParent splits path into its parent directory's blob-id and the
// final path component's name. Fails with InvalidArgument for "/", which
// has no parent.
func (fs *FileSystem) resolveParent(ctx context.Context, path string) (blockid.ID, string, error) {
	comps, err := splitPath(path)
	if err != nil {
		return blockid.Zero, "", err
	}
	if len(comps) == 0 {
		return blockid.Zero, "", errors.New(errors.CodeInvalidArgument, "root has no parent").WithComponent("filesystem").WithPath(path)
	}
	parentID, kind, err := fs.walk(ctx, comps[:len(comps)-1])
	if err != nil {
		return blockid.Zero, "", err
	}
	if kind != types.KindDir {
		return blockid.Zero, "", errors.New(errors.CodeNotADirectory, "not a directory").WithComponent("filesystem").WithPath(path)
	}
	return parentID, comps[len(comps)-1], nil
}

// mutateEntry loads id's parent directory, applies mutate to id's entry
// there, and saves the directory back. id must not be the root.
func (fs *FileSystem) mutateEntry(ctx context.Context, id blockid.ID, mutate func(e *direntry.Entry)) error {
	fb, err := fsblob.Open(ctx, fs.blobs, id)
	if err != nil {
		return err
	}
	parentID := fb.ParentID()
	pfb, plist, err := fs.loadDir(ctx, parentID)
	if err != nil {
		return err
	}
	e, err := plist.GetByID(id)
	if err != nil {
		return err
	}
	mutate(e)
	return fs.saveDir(ctx, pfb, plist)
}

// touchMtime updates id's own mtime and ctime to now, the effect of a
// content or directory-structure change.
func (fs *FileSystem) touchMtime(ctx context.Context, id blockid.ID) error {
	now := fs.clock()
	if id == fs.rootID {
		fs.mu.Lock()
		fs.rootMeta.Mtime = now
		fs.rootMeta.Ctime = now
		fs.mu.Unlock()
		return nil
	}
	return fs.mutateEntry(ctx, id, func(e *direntry.Entry) {
		e.Mtime = now
		e.Ctime = now
	})
}

// touchCtime updates id's own ctime only, the effect of a metadata-only
// change (chmod/chown/rename).
func (fs *FileSystem) touchCtime(ctx context.Context, id blockid.ID) error {
	now := fs.clock()
	if id == fs.rootID {
		fs.mu.Lock()
		fs.rootMeta.Ctime = now
		fs.mu.Unlock()
		return nil
	}
	return fs.mutateEntry(ctx, id, func(e *direntry.Entry) {
		e.Ctime = now
	})
}

// removeBlob frees the blob rooted at id and every block reachable from
// it.
func (fs *FileSystem) removeBlob(ctx context.Context, id blockid.ID) error {
	h, err := fs.blobs.Load(ctx, id)
	if err != nil {
		return err
	}
	return fs.blobs.Remove(ctx, h)
}
