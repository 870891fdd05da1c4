package cache

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
)

// Handle is a scoped reference to one cache-resident block (§4.4, §9
// "scoped acquisition of cache handles"). Exactly one Handle exists for a
// given block-id at a time; Release must be called on every exit path,
// including errors, to return the block to the cache and admit the next
// waiting acquirer.
type Handle struct {
	store    *Store
	entry    *entry
	released bool
}

// ID returns the block-id this handle covers.
func (h *Handle) ID() blockid.ID { return h.entry.id }

// Size returns the current payload length.
func (h *Handle) Size() int { return len(h.entry.payload) }

// Bytes returns the handle's full payload. The returned slice aliases the
// cache entry's backing array; callers must not retain it past Release and
// must either change it through WriteAt/SetBytes or call MarkDirty after
// mutating it in place, so the entry is marked dirty.
func (h *Handle) Bytes() []byte {
	return h.entry.payload
}

// ReadAt copies min(len(buf), size-offset) bytes starting at offset into
// buf, returning the number of bytes copied.
func (h *Handle) ReadAt(buf []byte, offset int) int {
	if offset >= len(h.entry.payload) {
		return 0
	}
	n := copy(buf, h.entry.payload[offset:])
	return n
}

// WriteAt writes buf into the payload starting at offset, growing the
// payload if offset+len(buf) exceeds the current size, and marks the
// entry dirty.
func (h *Handle) WriteAt(buf []byte, offset int) {
	need := offset + len(buf)
	if need > len(h.entry.payload) {
		grown := make([]byte, need)
		copy(grown, h.entry.payload)
		h.entry.payload = grown
	}
	copy(h.entry.payload[offset:], buf)
	h.entry.dirty = true
}

// SetBytes replaces the entire payload and marks the entry dirty.
func (h *Handle) SetBytes(data []byte) {
	payload := make([]byte, len(data))
	copy(payload, data)
	h.entry.payload = payload
	h.entry.dirty = true
}

// Resize grows (zero-filling) or shrinks the payload in place and marks
// the entry dirty.
func (h *Handle) Resize(n int) {
	if n == len(h.entry.payload) {
		return
	}
	grown := make([]byte, n)
	copy(grown, h.entry.payload)
	h.entry.payload = grown
	h.entry.dirty = true
}

// Dirty reports whether this handle's payload differs from what was last
// flushed to the underlying store.
func (h *Handle) Dirty() bool { return h.entry.dirty }

// MarkDirty flags the entry dirty after a caller has mutated bytes
// obtained from Bytes() in place, bypassing WriteAt/SetBytes/Resize.
func (h *Handle) MarkDirty() { h.entry.dirty = true }

// Flush writes this entry's payload to the underlying store immediately,
// without releasing the handle.
func (h *Handle) Flush(ctx context.Context) error {
	if !h.entry.dirty {
		return nil
	}
	payload := append([]byte(nil), h.entry.payload...)
	if err := h.store.underlying.Store(ctx, h.entry.id, payload); err != nil {
		return err
	}
	h.entry.dirty = false
	h.entry.flushed = true
	return nil
}

// Release returns the block to the cache, admitting the next blocked
// acquirer of this id. It does not flush; dirty entries flush on eviction,
// explicit Flush/Sync, or shutdown (§4.4 C2). Release must be called at
// most once; a second call returns an InvalidArgument error and does nothing
// else.
func (h *Handle) Release() error {
	if h.released {
		return errors.New(errors.CodeInvalidArgument, "handle already released").WithComponent("cache")
	}
	h.released = true
	h.store.release(h.entry)
	return nil
}
