// Package fsblob implements the §4.6 FsBlob View (L5): a thin adapter over
// a blob that reads and writes the (fs-format-version, kind, parent
// pointer) header and exposes the remainder as a kind-specific payload.
package fsblob

import (
	"context"
	"encoding/binary"

	"github.com/vaultfs/vaultfs/internal/blob"
	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// FormatVersion is the current §3 fs-format-version tag.
const FormatVersion uint16 = 1

// headerSize is 2 (format-version) + 1 (kind) + 16 (parent-id).
const headerSize = 2 + 1 + blockid.Size

// FsBlob is a blob whose user-payload begins with the §3 filesystem
// header. A single open FsBlob is scoped to one filesystem operation
// (§3's ownership rule); it is never retained across calls.
type FsBlob struct {
	blob   *blob.Handle
	kind   types.NodeKind
	parent blockid.ID
}

// Create initializes a brand-new blob as an FsBlob of kind, with the given
// parent-directory id (blockid.Zero for the root directory).
func Create(ctx context.Context, store *blob.Store, kind types.NodeKind, parent blockid.ID) (*FsBlob, error) {
	h, err := store.Create(ctx)
	if err != nil {
		return nil, err
	}
	fb := &FsBlob{blob: h, kind: kind, parent: parent}
	if err := fb.writeHeader(ctx); err != nil {
		return nil, err
	}
	return fb, nil
}

// Open loads the blob rooted at id and parses its FsBlob header.
func Open(ctx context.Context, store *blob.Store, id blockid.ID) (*FsBlob, error) {
	h, err := store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	fb := &FsBlob{blob: h}
	if err := fb.readHeader(ctx); err != nil {
		return nil, err
	}
	return fb, nil
}

func (fb *FsBlob) readHeader(ctx context.Context) error {
	buf := make([]byte, headerSize)
	n, err := fb.blob.Read(ctx, buf, 0)
	if err != nil {
		return err
	}
	if n < headerSize {
		return errors.New(errors.CodeBadFormat, "blob too short for fs header").WithComponent("fsblob").WithPath(fb.blob.RootID().String())
	}
	version := binary.LittleEndian.Uint16(buf[0:2])
	if version != FormatVersion {
		return errors.New(errors.CodeBadFormat, "unknown fs-format-version").WithComponent("fsblob").WithPath(fb.blob.RootID().String())
	}
	kind := types.NodeKind(buf[2])
	if kind != types.KindDir && kind != types.KindFile && kind != types.KindSymlink {
		return errors.New(errors.CodeBadFormat, "unknown node kind").WithComponent("fsblob").WithPath(fb.blob.RootID().String())
	}
	parent, err := blockid.FromBytes(buf[3:headerSize])
	if err != nil {
		return errors.Wrap(errors.CodeBadFormat, err, "parse parent pointer").WithComponent("fsblob")
	}
	fb.kind = kind
	fb.parent = parent
	return nil
}

func (fb *FsBlob) writeHeader(ctx context.Context) error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], FormatVersion)
	buf[2] = byte(fb.kind)
	copy(buf[3:headerSize], fb.parent.Bytes())
	return fb.blob.Write(ctx, buf, 0)
}

// Kind reports what this FsBlob is.
func (fb *FsBlob) Kind() types.NodeKind { return fb.kind }

// ID returns the blob's root block-id, used as its identity in directory
// entries and the parent-pointer of children.
func (fb *FsBlob) ID() blockid.ID { return fb.blob.RootID() }

// ParentID returns the parent directory's blob-id, or blockid.Zero for the
// filesystem root.
func (fb *FsBlob) ParentID() blockid.ID { return fb.parent }

// SetParentPointer rewrites the header's parent-directory id, the only
// mutation of the header after initialization (§4.6), used by rename
// across directories.
func (fb *FsBlob) SetParentPointer(ctx context.Context, newParent blockid.ID) error {
	fb.parent = newParent
	return fb.writeHeader(ctx)
}

// BodySize returns the length of the kind-specific payload following the
// header.
func (fb *FsBlob) BodySize(ctx context.Context) (uint64, error) {
	total, err := fb.blob.Size(ctx)
	if err != nil {
		return 0, err
	}
	if total < headerSize {
		return 0, nil
	}
	return total - headerSize, nil
}

// ReadBody reads up to len(buf) bytes of the kind-specific payload
// starting at bodyOffset.
func (fb *FsBlob) ReadBody(ctx context.Context, buf []byte, bodyOffset uint64) (int, error) {
	return fb.blob.Read(ctx, buf, headerSize+bodyOffset)
}

// WriteBody writes buf into the kind-specific payload starting at
// bodyOffset, growing the blob if needed.
func (fb *FsBlob) WriteBody(ctx context.Context, buf []byte, bodyOffset uint64) error {
	return fb.blob.Write(ctx, buf, headerSize+bodyOffset)
}

// ResizeBody sets the kind-specific payload's length to n bytes.
func (fb *FsBlob) ResizeBody(ctx context.Context, n uint64) error {
	return fb.blob.Resize(ctx, headerSize+n)
}

// ReadAllBody reads the entire kind-specific payload into memory, used by
// directories and symlinks whose whole body is needed at once.
func (fb *FsBlob) ReadAllBody(ctx context.Context) ([]byte, error) {
	size, err := fb.BodySize(ctx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	n, err := fb.ReadBody(ctx, buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Flush forces this FsBlob's dirty blocks to the underlying store.
func (fb *FsBlob) Flush(ctx context.Context) error {
	return fb.blob.Flush(ctx)
}

// Remove deletes the underlying blob and all its blocks.
func (fb *FsBlob) Remove(ctx context.Context, store *blob.Store) error {
	return store.Remove(ctx, fb.blob)
}
