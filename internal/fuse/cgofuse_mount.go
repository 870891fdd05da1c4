//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	vfs "github.com/vaultfs/vaultfs/internal/filesystem"
)

// CgoFuseMountManager manages cgofuse-based mounts.
type CgoFuseMountManager struct {
	fsys   *CgoFuseFS
	config *MountConfig
}

// NewCgoFuseMountManager creates a new cgofuse mount manager for fsys.
func NewCgoFuseMountManager(fsys *vfs.FileSystem, config *MountConfig) *CgoFuseMountManager {
	return &CgoFuseMountManager{
		fsys:   NewCgoFuseFS(fsys, config),
		config: config,
	}
}

// Mount mounts the filesystem.
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.fsys.Mount(ctx)
}

// Unmount unmounts the filesystem.
func (m *CgoFuseMountManager) Unmount() error {
	return m.fsys.Unmount()
}

// IsMounted returns whether the filesystem is mounted.
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.fsys.IsMounted()
}
