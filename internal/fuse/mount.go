package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	vfs "github.com/vaultfs/vaultfs/internal/filesystem"
)

// MountManager owns the lifecycle of one kernel mount: building FUSE
// options from MountConfig, mounting a Node tree rooted at a
// *filesystem.FileSystem, and tearing it down again.
type MountManager struct {
	fsys    *vfs.FileSystem
	server  *fuse.Server
	config  *MountConfig
	logger  *slog.Logger
	mounted bool
}

// MountConfig contains mount-specific configuration.
type MountConfig struct {
	MountPoint  string        `yaml:"mount_point"`
	Options     *MountOptions `yaml:"options"`
	Permissions *Permissions  `yaml:"permissions"`
}

// MountOptions contains FUSE mount options.
type MountOptions struct {
	ReadOnly     bool `yaml:"read_only"`
	AllowOther   bool `yaml:"allow_other"`
	AllowRoot    bool `yaml:"allow_root"`
	DefaultPerms bool `yaml:"default_permissions"`

	MaxRead  uint32 `yaml:"max_read"`
	MaxWrite uint32 `yaml:"max_write"`

	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// Permissions carries default ownership and modes with a MountConfig.
// The node operations in this package do not read it: new nodes take the
// kernel-supplied mode and the 0/0 ownership from callerOwnership.
type Permissions struct {
	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`
}

// NewMountManager creates a new mount manager for fsys.
func NewMountManager(fsys *vfs.FileSystem, config *MountConfig) *MountManager {
	if config == nil {
		config = &MountConfig{
			Options: &MountOptions{
				MaxRead:      128 * 1024,
				MaxWrite:     128 * 1024,
				AttrTimeout:  time.Second,
				EntryTimeout: time.Second,
				FSName:       "vaultfs",
				Subtype:      "vaultfs",
			},
			Permissions: &Permissions{
				UID:      safeIntToUint32(os.Getuid()),
				GID:      safeIntToUint32(os.Getgid()),
				FileMode: 0644,
				DirMode:  0755,
			},
		}
	}

	return &MountManager{
		fsys:   fsys,
		config: config,
		logger: slog.Default(),
	}
}

// Mount mounts the filesystem at the configured mount point.
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	opts := m.buildFUSEOptions()

	server, err := fs.Mount(m.config.MountPoint, Root(m.fsys), opts)
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true

	m.logger.Info("vaultfs mounted", "mount_point", m.config.MountPoint)

	go func() {
		m.server.Wait()
		m.logger.Info("fuse server stopped", "mount_point", m.config.MountPoint)
		m.mounted = false
	}()

	return nil
}

// Unmount unmounts the filesystem, falling back to a forced unmount if
// the kernel refuses a clean one (busy mount point, crashed process).
func (m *MountManager) Unmount() error {
	if !m.mounted {
		return fmt.Errorf("filesystem is not mounted")
	}
	if m.server == nil {
		return fmt.Errorf("no active server to unmount")
	}

	m.logger.Info("unmounting vaultfs", "mount_point", m.config.MountPoint)

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying force unmount", "error", err)
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool {
	return m.mounted
}

// MountPoint returns the configured mount point.
func (m *MountManager) MountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the mount is torn down.
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// Remount tears down and re-establishes the mount, optionally with a
// new configuration (e.g. after an integrity violation forces a
// read-only remount).
func (m *MountManager) Remount(newConfig *MountConfig) error {
	wasMounted := m.mounted

	if m.mounted {
		if err := m.Unmount(); err != nil {
			return fmt.Errorf("failed to unmount for remount: %w", err)
		}
	}

	if newConfig != nil {
		m.config = newConfig
	}

	if wasMounted {
		return m.Mount(context.Background())
	}
	return nil
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("mount point is not empty", "mount_point", m.config.MountPoint)
	}

	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        m.config.Options.FSName,
			FsName:      m.config.Options.FSName,
			DirectMount: true,
			Debug:       m.config.Options.Debug,
			AllowOther:  m.config.Options.AllowOther,
			MaxWrite:    int(m.config.Options.MaxWrite),
		},
		AttrTimeout:     &m.config.Options.AttrTimeout,
		EntryTimeout:    &m.config.Options.EntryTimeout,
		NullPermissions: !m.config.Options.DefaultPerms,
	}

	if m.config.Options.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if m.config.Options.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if m.config.Options.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", m.config.Options.Subtype))
	}

	return opts
}

func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), filepath.Clean(m.config.MountPoint))
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1)
}

func safeIntToUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	return uint32(v)
}

// MountWatcher periodically verifies the kernel's view of the mount
// still matches MountManager's, logging a warning on drift (e.g. an
// external `umount` that bypassed Unmount).
type MountWatcher struct {
	manager  *MountManager
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewMountWatcher creates a new mount watcher.
func NewMountWatcher(manager *MountManager, interval time.Duration) *MountWatcher {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &MountWatcher{
		manager:  manager,
		interval: interval,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start starts the mount watcher.
func (w *MountWatcher) Start() {
	go w.run()
}

// Stop stops the mount watcher.
func (w *MountWatcher) Stop() {
	close(w.stopCh)
	<-w.stopped
}

func (w *MountWatcher) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkMount()
		}
	}
}

func (w *MountWatcher) checkMount() {
	expectedMounted := w.manager.IsMounted()
	actuallyMounted := w.manager.isAlreadyMounted()
	if expectedMounted != actuallyMounted {
		if expectedMounted {
			w.manager.logger.Warn("filesystem should be mounted but appears unmounted")
		} else {
			w.manager.logger.Warn("filesystem should be unmounted but appears mounted")
		}
	}
}
