package filesystem

import (
	"context"

	"github.com/vaultfs/vaultfs/pkg/types"
)

// headroomBlocks is reported as additional free/available capacity
// beyond blocks already in use. Local and object-store backends have no
// fixed quota at this layer, so a generous constant is reported rather
// than a real free-space figure, matching how other unbounded-backend
// FUSE filesystems synthesize a plausible statfs reply when the backing
// store exposes no capacity limit.
const headroomBlocks = 1 << 32

// Statfs reports §6's statfs contract.
func (fs *FileSystem) Statfs(ctx context.Context) (types.StatfsInfo, error) {
	used, err := fs.raw.NumBlocks(ctx)
	if err != nil {
		return types.StatfsInfo{}, err
	}
	total := used + headroomBlocks
	return types.StatfsInfo{
		MaxFilenameLength:  maxFilenameLength,
		BlockSize:          uint32(fs.blobs.LeafCapacity()),
		NumTotalBlocks:     total,
		NumFreeBlocks:      headroomBlocks,
		NumAvailableBlocks: headroomBlocks,
		NumTotalInodes:     total,
		NumFreeInodes:      headroomBlocks,
		NumAvailableInodes: headroomBlocks,
	}, nil
}
