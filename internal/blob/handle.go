package blob

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/blockid"
)

// Handle is a blob whose identity is its root block-id. The id never
// changes across Write/Resize (§9): growth and shrinkage relocate content
// within and below the root block, never the root's own id, so a
// directory entry's child-blob-id stays valid for the blob's entire
// lifetime.
type Handle struct {
	store  *Store
	rootID blockid.ID
	depth  uint8
}

// RootID returns the blob's identity.
func (h *Handle) RootID() blockid.ID { return h.rootID }

// Size returns the blob's current logical length in bytes.
func (h *Handle) Size(ctx context.Context) (uint64, error) {
	return h.store.tree.sizeOf(ctx, h.rootID, h.depth)
}

// Read copies up to len(buf) bytes starting at offset into buf, returning
// the number of bytes actually copied (fewer than len(buf) at end of
// blob).
func (h *Handle) Read(ctx context.Context, buf []byte, offset uint64) (int, error) {
	size, err := h.Size(ctx)
	if err != nil {
		return 0, err
	}
	if offset >= size {
		return 0, nil
	}
	n := uint64(len(buf))
	if offset+n > size {
		n = size - offset
	}
	if err := h.store.tree.readRange(ctx, h.rootID, h.depth, offset, buf[:n]); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Write writes buf at offset, growing the blob if offset+len(buf) exceeds
// the current size (§4.5 "Write").
func (h *Handle) Write(ctx context.Context, buf []byte, offset uint64) error {
	if len(buf) == 0 {
		return nil
	}
	end := offset + uint64(len(buf))
	size, err := h.Size(ctx)
	if err != nil {
		return err
	}
	if end > size {
		if err := h.growTo(ctx, end); err != nil {
			return err
		}
	}
	return h.store.tree.writeRange(ctx, h.rootID, h.depth, offset, buf)
}

// Resize grows (zero-filling) or shrinks the blob to exactly n bytes
// (§4.5 "Resize").
func (h *Handle) Resize(ctx context.Context, n uint64) error {
	size, err := h.Size(ctx)
	if err != nil {
		return err
	}
	switch {
	case n == size:
		return nil
	case n > size:
		return h.growTo(ctx, n)
	default:
		return h.shrinkTo(ctx, n)
	}
}

func (h *Handle) growTo(ctx context.Context, n uint64) error {
	newDepth, err := h.store.tree.growDepth(ctx, h.rootID, h.depth, n)
	if err != nil {
		return err
	}
	h.depth = newDepth
	return h.store.tree.growNodeSize(ctx, h.rootID, h.depth, n)
}

func (h *Handle) shrinkTo(ctx context.Context, n uint64) error {
	if err := h.store.tree.shrinkNode(ctx, h.rootID, h.depth, n); err != nil {
		return err
	}
	newDepth, err := h.store.tree.collapseDepth(ctx, h.rootID, h.depth)
	if err != nil {
		return err
	}
	h.depth = newDepth
	return nil
}

// AddReachableBlocks adds h's root block-id and every block-id reachable
// beneath it to seen, for a consistency-checking walk over the whole blob
// forest (§9's fsck allowance for partial-write-crash cleanup).
func (h *Handle) AddReachableBlocks(ctx context.Context, seen map[blockid.ID]struct{}) error {
	return h.store.tree.walkReachable(ctx, h.rootID, h.depth, seen)
}

// Flush forces every dirty block written through this blob's cache back
// to the underlying store. Because no node handles are held between
// calls (§3's ownership rule), this simply syncs the whole cache: any
// node touched by this blob is necessarily already flushed or still
// resident and dirty, matching §4.5's "does not force children reloaded
// and released in the interim".
func (h *Handle) Flush(ctx context.Context) error {
	return h.store.tree.cache.Sync(ctx)
}
