//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	vfs "github.com/vaultfs/vaultfs/internal/filesystem"
)

// PlatformFileSystem is the build-tag-selected mount interface: the
// default build backs it with go-fuse, the "cgofuse" build backs it
// with cgofuse for cross-platform (including Windows) support.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
}

// CreatePlatformMountManager creates the cgofuse-backed mount manager
// for fsys.
func CreatePlatformMountManager(fsys *vfs.FileSystem, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseMountManager(fsys, config)
}
