package blob

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/cache"
)

// Store is the §4.5 L4 Blob Store: creates, loads, and removes balanced
// block trees over a §4.4 cache.
type Store struct {
	tree tree
}

// New builds a blob store over cacheStore, deriving the tree's fanout and
// leaf capacity from the cache's block size.
func New(cacheStore *cache.Store) (*Store, error) {
	g, err := newGeometry(cacheStore.BlockSize())
	if err != nil {
		return nil, err
	}
	return &Store{tree: tree{g: g, cache: cacheStore}}, nil
}

// LeafCapacity returns the number of user bytes a single leaf block holds,
// for callers (e.g. the filesystem's statfs) that report it.
func (s *Store) LeafCapacity() int { return s.tree.g.leafCap }

// Create allocates a new, empty (zero-length) blob and returns a handle on
// it.
func (s *Store) Create(ctx context.Context) (*Handle, error) {
	h, err := s.tree.cache.CreateAndAcquire(ctx, nil, emptyLeafBytes(s.tree.g))
	if err != nil {
		return nil, err
	}
	id := h.ID()
	if err := h.Release(); err != nil {
		return nil, err
	}
	return &Handle{store: s, rootID: id, depth: 0}, nil
}

// Load opens an existing blob rooted at rootID, reading just enough of the
// root block to learn its depth.
func (s *Store) Load(ctx context.Context, rootID blockid.ID) (*Handle, error) {
	h, n, err := s.tree.acquire(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if err := h.Release(); err != nil {
		return nil, err
	}
	return &Handle{store: s, rootID: rootID, depth: n.depth}, nil
}

// Remove recursively deletes every block reachable from h's root,
// including the root itself (§4.5 "Remove").
func (s *Store) Remove(ctx context.Context, h *Handle) error {
	return s.tree.removeSubtree(ctx, h.rootID, h.depth)
}
