package types

import (
	"time"

	"github.com/vaultfs/vaultfs/internal/blockid"
)

// NodeKind identifies what an FsBlob's header says it is (§3, L5).
type NodeKind uint8

const (
	KindDir NodeKind = iota
	KindFile
	KindSymlink
)

func (k NodeKind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// AtimePolicy governs when a node's access timestamp is updated on read (§4.7).
type AtimePolicy int

const (
	AtimeNone AtimePolicy = iota
	AtimeStrict
	AtimeRelative
	AtimeRelativeNoDir
	AtimeStrictNoDir
)

// ShouldUpdateAtime applies the relatime rule from §4.7/§9: update if the
// current atime predates mtime, or predates "yesterday" by wall clock.
func ShouldUpdateAtime(policy AtimePolicy, isDir bool, atime, mtime, now time.Time) bool {
	switch policy {
	case AtimeNone:
		return false
	case AtimeStrict:
		return true
	case AtimeStrictNoDir:
		return !isDir
	case AtimeRelative:
		return atime.Before(mtime) || atime.Before(now.Add(-24*time.Hour))
	case AtimeRelativeNoDir:
		if isDir {
			return false
		}
		return atime.Before(mtime) || atime.Before(now.Add(-24*time.Hour))
	default:
		return false
	}
}

// Stat mirrors the per-entry metadata carried in a directory entry (§3, L6)
// and surfaced by L7's stat operation.
type Stat struct {
	Kind  NodeKind
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// StatfsInfo is the §6 statfs output contract.
type StatfsInfo struct {
	MaxFilenameLength  uint32
	BlockSize          uint32
	NumTotalBlocks     uint64
	NumFreeBlocks      uint64
	NumAvailableBlocks uint64
	NumTotalInodes     uint64
	NumFreeInodes      uint64
	NumAvailableInodes uint64
}

// CacheStats reports the L3 cache's current occupancy and hit ratio, for
// metrics and diagnostics.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	Capacity  int
}

// HitRate returns the fraction of lookups served from cache, or 0 if there
// have been no lookups yet.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// IntegrityRecord is one entry of the known-versions database: the highest
// version this mount has ever seen written by ClientID for BlockID (§3, §4.3).
type IntegrityRecord struct {
	ClientID blockid.ClientID
	BlockID  blockid.ID
	Version  uint64
}
