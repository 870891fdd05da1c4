// Package blob implements the §4.5 Blob Store (L4): variable-length
// logical byte sequences stored as balanced left-max-filled trees of
// fixed-size blocks over the §4.4 cache (L3).
package blob

import (
	"encoding/binary"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
)

// headerSize is the §3 node header: 1 depth byte + 4 count bytes.
const headerSize = 1 + 4

// geometry derives the §4.5 tree-shape constants from the physical
// payload size a block can hold once L0-L2 overhead is already accounted
// for by the time blob sees it (nodeSize == the cache's BlockSize()).
type geometry struct {
	nodeSize int
	leafCap  int
	fanout   int
}

func newGeometry(nodeSize int) (geometry, error) {
	if nodeSize <= headerSize+blockid.Size {
		return geometry{}, errors.New(errors.CodeInvalidArgument, "block size too small for a blob tree node").WithComponent("blob")
	}
	body := nodeSize - headerSize
	return geometry{
		nodeSize: nodeSize,
		leafCap:  body,
		fanout:   body / blockid.Size,
	}, nil
}

// capacityAtDepth returns the number of bytes a subtree rooted at a node
// of this depth can hold (depth 0 = leaf).
func (g geometry) capacityAtDepth(depth int) uint64 {
	capacity := uint64(g.leafCap)
	for i := 0; i < depth; i++ {
		next := capacity * uint64(g.fanout)
		if next/uint64(g.fanout) != capacity {
			return ^uint64(0) // saturate rather than overflow; blobs this large aren't reachable in practice
		}
		capacity = next
	}
	return capacity
}

// node is the decoded in-memory form of one block's tree-node content.
type node struct {
	depth    uint8
	count    uint32 // used-byte-count for a leaf, child-count for an inner node
	leaf     []byte // only meaningful for depth == 0; aliases the raw block bytes
	children []blockid.ID
}

func (g geometry) isLeaf(depth uint8) bool { return depth == 0 }

func (g geometry) decodeNode(raw []byte) (node, error) {
	if len(raw) < headerSize {
		return node{}, errors.New(errors.CodeBadFormat, "blob node shorter than header").WithComponent("blob")
	}
	depth := raw[0]
	count := binary.LittleEndian.Uint32(raw[1:5])
	body := raw[headerSize:]
	if g.isLeaf(depth) {
		return node{depth: depth, count: count, leaf: body}, nil
	}
	children := make([]blockid.ID, g.fanout)
	for i := 0; i < g.fanout; i++ {
		off := i * blockid.Size
		if off+blockid.Size > len(body) {
			break
		}
		id, err := blockid.FromBytes(body[off : off+blockid.Size])
		if err != nil {
			return node{}, errors.Wrap(errors.CodeBadFormat, err, "parse child id").WithComponent("blob")
		}
		children[i] = id
	}
	return node{depth: depth, count: count, children: children}, nil
}

// encodeLeaf builds the on-disk bytes for a leaf node holding used bytes
// of user data (payload must already be nodeSize-headerSize bytes, zero
// padded beyond used).
func (g geometry) encodeLeaf(used uint32, payload []byte) []byte {
	out := make([]byte, g.nodeSize)
	out[0] = 0
	binary.LittleEndian.PutUint32(out[1:5], used)
	copy(out[headerSize:], payload)
	return out
}

// encodeInner builds the on-disk bytes for an inner node at depth with
// childCount live children.
func (g geometry) encodeInner(depth uint8, childCount uint32, children []blockid.ID) []byte {
	out := make([]byte, g.nodeSize)
	out[0] = depth
	binary.LittleEndian.PutUint32(out[1:5], childCount)
	for i, id := range children {
		if i >= g.fanout {
			break
		}
		off := headerSize + i*blockid.Size
		copy(out[off:off+blockid.Size], id.Bytes())
	}
	return out
}

func emptyLeafBytes(g geometry) []byte {
	return g.encodeLeaf(0, make([]byte, g.leafCap))
}
