package blob

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/cache"
	"github.com/vaultfs/vaultfs/pkg/errors"
)

// tree holds the geometry and cache handle shared by every operation on one
// blob; it carries no node state between calls (§3's ownership rule: no
// long-lived node handles between operations).
type tree struct {
	g     geometry
	cache *cache.Store
}

func (t *tree) acquire(ctx context.Context, id blockid.ID) (*cache.Handle, node, error) {
	h, err := t.cache.Acquire(ctx, id)
	if err != nil {
		if errors.Code(err) == errors.CodeNotFound {
			return nil, node{}, errors.New(errors.CodeIntegrityViolation, "directory promised a blob node that is missing").
				WithComponent("blob").WithPath(id.String())
		}
		return nil, node{}, err
	}
	n, err := t.g.decodeNode(h.Bytes())
	if err != nil {
		h.Release()
		return nil, node{}, err
	}
	return h, n, nil
}

// sizeOf returns the logical byte length of the subtree rooted at id with
// the given depth (§4.5 size derivation via I5: non-last children are
// always full capacity).
func (t *tree) sizeOf(ctx context.Context, id blockid.ID, depth uint8) (uint64, error) {
	if id.IsZero() {
		return 0, nil
	}
	h, n, err := t.acquire(ctx, id)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	if t.g.isLeaf(depth) {
		return uint64(n.count), nil
	}
	if n.count == 0 {
		return 0, nil
	}
	childDepth := depth - 1
	full := t.g.capacityAtDepth(int(childDepth))
	lastIdx := n.count - 1
	lastSize, err := t.sizeOf(ctx, n.children[lastIdx], childDepth)
	if err != nil {
		return 0, err
	}
	return full*uint64(lastIdx) + lastSize, nil
}

// readRange copies bytes [offsetInNode, offsetInNode+len(dst)) of the
// subtree rooted at id into dst. Any gap covered by a zero (sparse) child
// reads as all-zero (§4.5 "Read").
func (t *tree) readRange(ctx context.Context, id blockid.ID, depth uint8, offsetInNode uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if id.IsZero() {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	h, n, err := t.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer h.Release()

	if t.g.isLeaf(depth) {
		if offsetInNode >= uint64(len(n.leaf)) {
			for i := range dst {
				dst[i] = 0
			}
			return nil
		}
		copied := copy(dst, n.leaf[offsetInNode:])
		for i := copied; i < len(dst); i++ {
			dst[i] = 0
		}
		return nil
	}

	childDepth := depth - 1
	childCap := t.g.capacityAtDepth(int(childDepth))
	idx := offsetInNode / childCap
	childOffset := offsetInNode % childCap
	pos := 0
	for pos < len(dst) {
		if idx >= uint64(n.count) {
			for i := pos; i < len(dst); i++ {
				dst[i] = 0
			}
			break
		}
		avail := childCap - childOffset
		take := uint64(len(dst) - pos)
		if take > avail {
			take = avail
		}
		if err := t.readRange(ctx, n.children[idx], childDepth, childOffset, dst[pos:uint64(pos)+take]); err != nil {
			return err
		}
		pos += int(take)
		idx++
		childOffset = 0
	}
	return nil
}

// writeRange writes src into the subtree rooted at id at offsetInNode,
// growing structure (new leaves/inner nodes, new sparse gaps) as needed.
// writeRange never relocates id itself, only the content behind it (§9:
// the root's id never changes across a resize/write, only its content).
func (t *tree) writeRange(ctx context.Context, id blockid.ID, depth uint8, offsetInNode uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	h, n, err := t.acquire(ctx, id)
	if err != nil {
		return err
	}

	if t.g.isLeaf(depth) {
		end := offsetInNode + uint64(len(src))
		h.WriteAt(src, headerSize+int(offsetInNode))
		if end > uint64(n.count) {
			n.count = uint32(end)
			raw := h.Bytes()
			raw[0] = 0
			putUint32(raw[1:5], n.count)
		}
		return h.Release()
	}

	childDepth := depth - 1
	childCap := t.g.capacityAtDepth(int(childDepth))
	idx := offsetInNode / childCap
	childOffset := offsetInNode % childCap
	pos := 0
	dirty := false
	for pos < len(src) {
		avail := childCap - childOffset
		take := uint64(len(src) - pos)
		if take > avail {
			take = avail
		}
		childID := blockid.ID{}
		if idx < uint64(len(n.children)) {
			childID = n.children[idx]
		}
		if childID.IsZero() {
			newID, err := t.createSparseSubtree(ctx, childDepth, 0)
			if err != nil {
				h.Release()
				return err
			}
			childID = newID
			n.children[idx] = newID
			dirty = true
		}
		if err := t.writeRange(ctx, childID, childDepth, childOffset, src[pos:uint64(pos)+take]); err != nil {
			h.Release()
			return err
		}
		if idx+1 > uint64(n.count) {
			n.count = uint32(idx + 1)
			dirty = true
		}
		pos += int(take)
		idx++
		childOffset = 0
	}
	if dirty {
		h.SetBytes(t.g.encodeInner(n.depth, n.count, n.children))
	}
	return h.Release()
}

// growNodeSize extends the subtree rooted at id so its reported size is
// targetSize, without writing any real data: new region is represented as
// a sparse (zero-id) gap except for the rightmost spine, which needs a
// real leaf only to carry the final used-byte-count (§4.5 "Resize" grow
// path, §9's sparse-storage allowance).
func (t *tree) growNodeSize(ctx context.Context, id blockid.ID, depth uint8, targetSize uint64) error {
	h, n, err := t.acquire(ctx, id)
	if err != nil {
		return err
	}

	if t.g.isLeaf(depth) {
		if uint64(n.count) < targetSize {
			putUint32(h.Bytes()[1:5], uint32(targetSize))
			h.MarkDirty()
		}
		return h.Release()
	}

	childDepth := depth - 1
	childCap := t.g.capacityAtDepth(int(childDepth))
	var lastIdx uint64
	if targetSize > 0 {
		lastIdx = (targetSize - 1) / childCap
	}
	newCount := uint32(lastIdx + 1)
	if targetSize == 0 {
		newCount = 0
	}
	remainder := targetSize - lastIdx*childCap
	dirty := false

	switch {
	case newCount > n.count:
		child := n.children[lastIdx]
		if child.IsZero() {
			newID, err := t.createSparseSubtree(ctx, childDepth, remainder)
			if err != nil {
				h.Release()
				return err
			}
			n.children[lastIdx] = newID
		} else if err := t.growNodeSize(ctx, child, childDepth, remainder); err != nil {
			h.Release()
			return err
		}
		n.count = newCount
		dirty = true
	case newCount == n.count && newCount > 0:
		child := n.children[lastIdx]
		if child.IsZero() {
			newID, err := t.createSparseSubtree(ctx, childDepth, remainder)
			if err != nil {
				h.Release()
				return err
			}
			n.children[lastIdx] = newID
			dirty = true
		} else if err := t.growNodeSize(ctx, child, childDepth, remainder); err != nil {
			h.Release()
			return err
		}
	}
	if dirty {
		h.SetBytes(t.g.encodeInner(n.depth, n.count, n.children))
	}
	return h.Release()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// createSparseSubtree allocates a brand-new subtree of the given depth
// holding size logical bytes, with every internal node except the
// rightmost spine left as sparse (zero-id) gaps (§4.5 Write/Resize).
func (t *tree) createSparseSubtree(ctx context.Context, depth uint8, size uint64) (blockid.ID, error) {
	if t.g.isLeaf(depth) {
		raw := t.g.encodeLeaf(uint32(size), make([]byte, t.g.leafCap))
		h, err := t.cache.CreateAndAcquire(ctx, nil, raw)
		if err != nil {
			return blockid.ID{}, err
		}
		id := h.ID()
		return id, h.Release()
	}
	childDepth := depth - 1
	childCap := t.g.capacityAtDepth(int(childDepth))
	var lastIdx uint64
	if size > 0 {
		lastIdx = (size - 1) / childCap
	}
	count := uint32(lastIdx + 1)
	if size == 0 {
		count = 0
	}
	children := make([]blockid.ID, t.g.fanout)
	if count > 0 {
		remainder := size - lastIdx*childCap
		lastChild, err := t.createSparseSubtree(ctx, childDepth, remainder)
		if err != nil {
			return blockid.ID{}, err
		}
		children[lastIdx] = lastChild
	}
	raw := t.g.encodeInner(depth, count, children)
	h, err := t.cache.CreateAndAcquire(ctx, nil, raw)
	if err != nil {
		return blockid.ID{}, err
	}
	id := h.ID()
	return id, h.Release()
}

// removeSubtree recursively frees every block reachable from id
// (post-order, §4.5 "Remove").
func (t *tree) removeSubtree(ctx context.Context, id blockid.ID, depth uint8) error {
	if id.IsZero() {
		return nil
	}
	h, n, err := t.acquire(ctx, id)
	if err != nil {
		return err
	}
	h.Release()
	if !t.g.isLeaf(depth) {
		for i := uint32(0); i < n.count; i++ {
			if err := t.removeSubtree(ctx, n.children[i], depth-1); err != nil {
				return err
			}
		}
	}
	return t.cache.Remove(ctx, id)
}

// walkReachable adds id and every block-id reachable beneath it (post-order
// is unnecessary here; pre-order is simplest) to seen, for fsck's
// reachability sweep (§9 "Partial-write crash mid-blob-grow").
func (t *tree) walkReachable(ctx context.Context, id blockid.ID, depth uint8, seen map[blockid.ID]struct{}) error {
	if id.IsZero() {
		return nil
	}
	if _, ok := seen[id]; ok {
		return nil
	}
	h, n, err := t.acquire(ctx, id)
	if err != nil {
		return err
	}
	h.Release()
	seen[id] = struct{}{}
	if !t.g.isLeaf(depth) {
		for i := uint32(0); i < n.count; i++ {
			if err := t.walkReachable(ctx, n.children[i], depth-1, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// shrinkNode trims the subtree rooted at id down to targetSize bytes in
// place, recursively discarding any now-unreachable children (§4.5
// "Resize" shrink path).
func (t *tree) shrinkNode(ctx context.Context, id blockid.ID, depth uint8, targetSize uint64) error {
	h, n, err := t.acquire(ctx, id)
	if err != nil {
		return err
	}

	if t.g.isLeaf(depth) {
		for i := int(targetSize); i < len(n.leaf); i++ {
			n.leaf[i] = 0
		}
		putUint32(h.Bytes()[1:5], uint32(targetSize))
		h.Bytes()[0] = 0
		h.MarkDirty()
		return h.Release()
	}

	childDepth := depth - 1
	childCap := t.g.capacityAtDepth(int(childDepth))
	var newLastIdx uint64
	newCount := uint32(0)
	if targetSize > 0 {
		newLastIdx = (targetSize - 1) / childCap
		newCount = uint32(newLastIdx + 1)
	}

	for i := newCount; i < n.count; i++ {
		child := n.children[i]
		n.children[i] = blockid.ID{}
		if err := t.removeSubtree(ctx, child, childDepth); err != nil {
			h.Release()
			return err
		}
	}
	if newCount > 0 {
		lastChild := n.children[newLastIdx]
		remainder := targetSize - newLastIdx*childCap
		if !lastChild.IsZero() {
			if err := t.shrinkNode(ctx, lastChild, childDepth, remainder); err != nil {
				h.Release()
				return err
			}
		}
	}
	n.count = newCount
	h.SetBytes(t.g.encodeInner(n.depth, n.count, n.children))
	return h.Release()
}

// growDepth wraps id's current content into successive new blocks so the
// root itself (same id throughout, §9) becomes a deeper inner node,
// until its capacity reaches at least targetSize. Returns the new depth.
func (t *tree) growDepth(ctx context.Context, rootID blockid.ID, depth uint8, targetSize uint64) (uint8, error) {
	for t.g.capacityAtDepth(int(depth)) < targetSize {
		h, err := t.cache.Acquire(ctx, rootID)
		if err != nil {
			return depth, err
		}
		oldContent := append([]byte(nil), h.Bytes()...)
		newChild, err := t.cache.CreateAndAcquire(ctx, nil, oldContent)
		if err != nil {
			h.Release()
			return depth, err
		}
		newChildID := newChild.ID()
		if err := newChild.Release(); err != nil {
			h.Release()
			return depth, err
		}
		children := make([]blockid.ID, t.g.fanout)
		children[0] = newChildID
		depth++
		h.SetBytes(t.g.encodeInner(depth, 1, children))
		if err := h.Release(); err != nil {
			return depth, err
		}
	}
	return depth, nil
}

// collapseDepth demotes rootID (same id throughout) while it is an inner
// node with exactly one child, promoting that child's content up and
// freeing the child block (§3 I4).
func (t *tree) collapseDepth(ctx context.Context, rootID blockid.ID, depth uint8) (uint8, error) {
	for depth > 0 {
		h, n, err := t.acquire(ctx, rootID)
		if err != nil {
			return depth, err
		}
		if n.count != 1 {
			h.Release()
			break
		}
		onlyChild := n.children[0]
		if onlyChild.IsZero() {
			h.Release()
			break
		}
		childHandle, err := t.cache.Acquire(ctx, onlyChild)
		if err != nil {
			h.Release()
			return depth, err
		}
		content := append([]byte(nil), childHandle.Bytes()...)
		if err := childHandle.Release(); err != nil {
			h.Release()
			return depth, err
		}
		h.SetBytes(content)
		if err := h.Release(); err != nil {
			return depth, err
		}
		if err := t.cache.Remove(ctx, onlyChild); err != nil {
			return depth, err
		}
		depth--
	}
	return depth, nil
}
