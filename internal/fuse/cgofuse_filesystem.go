//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	vfs "github.com/vaultfs/vaultfs/internal/filesystem"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// CgoFuseFS adapts *filesystem.FileSystem onto cgofuse's path-string
// based callback interface, giving VaultFS a Windows-capable mount path
// alongside the default go-fuse inode-tree binding.
type CgoFuseFS struct {
	fuse.FileSystemBase

	fsys   *vfs.FileSystem
	config *MountConfig
	logger *slog.Logger

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	mounted bool
}

// NewCgoFuseFS creates a new cgofuse-based filesystem over fsys.
func NewCgoFuseFS(fsys *vfs.FileSystem, config *MountConfig) *CgoFuseFS {
	return &CgoFuseFS{
		fsys:   fsys,
		config: config,
		logger: slog.Default(),
	}
}

// Mount mounts the filesystem.
func (f *CgoFuseFS) Mount(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mounted {
		return errors.New(errors.CodeBusy, "filesystem already mounted").WithComponent("fuse")
	}

	f.host = fuse.NewFileSystemHost(f)

	options := []string{
		"-o", "fsname=vaultfs",
		"-o", "subtype=vaultfs",
	}
	if f.config != nil && f.config.Options != nil && f.config.Options.AllowOther {
		options = append(options, "-o", "allow_other")
	}

	mountPoint := ""
	if f.config != nil {
		mountPoint = f.config.MountPoint
	}

	go func() {
		if ok := f.host.Mount(mountPoint, options); !ok {
			f.logger.Error("cgofuse mount failed", "mount_point", mountPoint)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	f.mounted = true
	f.logger.Info("vaultfs mounted", "mount_point", mountPoint)
	return nil
}

// Unmount unmounts the filesystem.
func (f *CgoFuseFS) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.mounted {
		return errors.New(errors.CodeInvalidArgument, "filesystem not mounted").WithComponent("fuse")
	}
	if f.host != nil && !f.host.Unmount() {
		return errors.New(errors.CodeIO, "unmount failed").WithComponent("fuse")
	}
	f.mounted = false
	return nil
}

// IsMounted returns whether the filesystem is mounted.
func (f *CgoFuseFS) IsMounted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted
}

func cleanPath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func fillStatT(st types.Stat, stat *fuse.Stat_t) {
	stat.Mode = st.Mode | kindToFuseMode(st.Kind)
	stat.Uid = st.UID
	stat.Gid = st.GID
	stat.Size = int64(st.Size)
	stat.Nlink = 1
	stat.Atim.Sec = st.Atime.Unix()
	stat.Mtim.Sec = st.Mtime.Unix()
	stat.Ctim.Sec = st.Ctime.Unix()
}

func kindToFuseMode(kind types.NodeKind) uint32 {
	switch kind {
	case types.KindDir:
		return fuse.S_IFDIR
	case types.KindSymlink:
		return fuse.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

func cgoErrno(err error) int {
	if err == nil {
		return 0
	}
	return -int(errors.POSIXErrno(err))
}

// Getattr implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	st, err := f.fsys.Stat(context.Background(), cleanPath(path))
	if err != nil {
		return cgoErrno(err)
	}
	fillStatT(st, stat)
	return 0
}

// Mkdir implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Mkdir(path string, mode uint32) int {
	return cgoErrno(f.fsys.CreateDir(context.Background(), cleanPath(path), mode, 0, 0))
}

// Unlink implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Unlink(path string) int {
	return cgoErrno(f.fsys.Remove(context.Background(), cleanPath(path)))
}

// Rmdir implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Rmdir(path string) int {
	return cgoErrno(f.fsys.Rmdir(context.Background(), cleanPath(path)))
}

// Rename implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Rename(oldpath, newpath string) int {
	return cgoErrno(f.fsys.Rename(context.Background(), cleanPath(oldpath), cleanPath(newpath)))
}

// Symlink implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Symlink(target, newpath string) int {
	return cgoErrno(f.fsys.CreateSymlink(context.Background(), cleanPath(newpath), target, 0, 0))
}

// Readlink implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Readlink(path string) (int, string) {
	target, err := f.fsys.Readlink(context.Background(), cleanPath(path))
	if err != nil {
		return cgoErrno(err), ""
	}
	return 0, target
}

// Chmod implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Chmod(path string, mode uint32) int {
	return cgoErrno(f.fsys.Chmod(context.Background(), cleanPath(path), mode))
}

// Chown implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Chown(path string, uid, gid uint32) int {
	return cgoErrno(f.fsys.Chown(context.Background(), cleanPath(path), uid, gid))
}

// Truncate implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	ctx := context.Background()
	fd, err := f.fsys.Open(ctx, cleanPath(path))
	if err != nil {
		return cgoErrno(err)
	}
	defer f.fsys.Close(ctx, fd)
	return cgoErrno(f.fsys.Truncate(ctx, fd, uint64(size)))
}

// Create implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	fd, err := f.fsys.CreateFile(context.Background(), cleanPath(path), mode, 0, 0)
	if err != nil {
		return cgoErrno(err), ^uint64(0)
	}
	return 0, fd
}

// Open implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	fd, err := f.fsys.Open(context.Background(), cleanPath(path))
	if err != nil {
		return cgoErrno(err), ^uint64(0)
	}
	return 0, fd
}

// Read implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := f.fsys.Read(context.Background(), fh, buff, uint64(ofst))
	if err != nil {
		return cgoErrno(err)
	}
	return n
}

// Write implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	if err := f.fsys.Write(context.Background(), fh, buff, uint64(ofst)); err != nil {
		return cgoErrno(err)
	}
	return len(buff)
}

// Flush implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Flush(path string, fh uint64) int {
	return cgoErrno(f.fsys.Flush(context.Background(), fh))
}

// Fsync implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Fsync(path string, datasync bool, fh uint64) int {
	ctx := context.Background()
	if datasync {
		return cgoErrno(f.fsys.Fdatasync(ctx, fh))
	}
	return cgoErrno(f.fsys.Fsync(ctx, fh))
}

// Release implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Release(path string, fh uint64) int {
	return cgoErrno(f.fsys.Close(context.Background(), fh))
}

// Opendir implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Opendir(path string) (int, uint64) {
	return 0, 0
}

// Releasedir implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Releasedir(path string, fh uint64) int {
	return 0
}

// Readdir implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	entries, err := f.fsys.Readdir(context.Background(), cleanPath(path))
	if err != nil {
		return cgoErrno(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name, "\x00") {
			continue
		}
		if !fill(e.Name, nil, 0) {
			break
		}
	}
	return 0
}

// Statfs implements fuse.FileSystemInterface.
func (f *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	info, err := f.fsys.Statfs(context.Background())
	if err != nil {
		return cgoErrno(err)
	}
	stat.Blocks = info.NumTotalBlocks
	stat.Bfree = info.NumFreeBlocks
	stat.Bavail = info.NumAvailableBlocks
	stat.Files = info.NumTotalInodes
	stat.Ffree = info.NumFreeInodes
	stat.Bsize = info.BlockSize
	stat.Namemax = uint64(info.MaxFilenameLength)
	stat.Frsize = info.BlockSize
	return 0
}
