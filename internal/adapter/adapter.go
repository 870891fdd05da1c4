// Package adapter wires the L0-L7 stack (block store, encryption,
// integrity, cache, blob tree, filesystem) and the FUSE binding together
// into one mountable unit, the way the teacher's adapter.Adapter wires a
// storage backend, cache, write buffer, and FUSE manager into one.
package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/vaultfs/vaultfs/internal/blob"
	"github.com/vaultfs/vaultfs/internal/block/localblock"
	"github.com/vaultfs/vaultfs/internal/block/s3block"
	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/cache"
	"github.com/vaultfs/vaultfs/internal/config"
	"github.com/vaultfs/vaultfs/internal/crypto"
	vfs "github.com/vaultfs/vaultfs/internal/filesystem"
	vfuse "github.com/vaultfs/vaultfs/internal/fuse"
	"github.com/vaultfs/vaultfs/internal/integrity"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/metrics"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// Adapter owns one mounted VaultFS filesystem: the block/cache/blob stack
// beneath it, the FUSE binding in front of it, and the config that
// describes both.
type Adapter struct {
	storageURI string
	mountPoint string
	config     *config.Configuration
	bucketName string

	logCloser io.Closer
	metrics   *metrics.Collector
	raw       types.BlockStore
	closer    interface{ Close() }
	integrity *integrity.Store
	fsys      *vfs.FileSystem
	mountMgr  vfuse.PlatformFileSystem

	started bool
}

// New validates storageURI and cfg and returns an unstarted Adapter.
func New(ctx context.Context, storageURI, mountPoint string, cfg *config.Configuration) (*Adapter, error) {
	if err := validateStorageURI(storageURI); err != nil {
		return nil, fmt.Errorf("invalid storage URI: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	bucketName, err := bucketFromURI(storageURI)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		storageURI: storageURI,
		mountPoint: mountPoint,
		config:     cfg,
		bucketName: bucketName,
	}, nil
}

// Start builds the L0-L7 stack from a.config and mounts it at a.mountPoint.
func (a *Adapter) Start(ctx context.Context) error {
	if a.started {
		return fmt.Errorf("adapter already started")
	}

	logger, closer, err := logging.New(logging.Config{
		Level:  logging.Level(a.config.Global.LogLevel),
		Format: logFormat(a.config.Global.LogFormat),
		File:   a.config.Global.LogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logCloser = closer

	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled: a.config.Global.MetricsPort != 0,
		Port:    a.config.Global.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics collector: %w", err)
	}
	if err := a.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics endpoint: %w", err)
	}

	if err := a.openRawStore(ctx, logger); err != nil {
		return err
	}

	cryptoStore, err := crypto.New(a.raw, a.config.Filesystem.CipherName, a.config.Filesystem.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption layer: %w", err)
	}

	db, err := a.openKnownVersionsDB()
	if err != nil {
		return fmt.Errorf("failed to open known-versions database: %w", err)
	}

	clientID, err := blockid.NewClientID()
	if err != nil {
		return fmt.Errorf("failed to generate client id: %w", err)
	}

	a.integrity = integrity.New(cryptoStore, db, clientID, integrity.Options{
		AllowIntegrityViolations:         a.config.Mount.AllowIntegrityViolations,
		MissingBlockIsIntegrityViolation: a.config.Mount.MissingBlockIsIntegrityViolation,
	}, a.metrics)
	a.metrics.SetHealthReporter(a.integrity)

	cacheStore := cache.New(a.integrity, a.config.Mount.CacheMaxEntries, a.metrics)

	blobStore, err := blob.New(cacheStore)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	if err := a.openFilesystem(ctx, blobStore, logger); err != nil {
		return err
	}

	mountConfig := &vfuse.MountConfig{
		MountPoint: a.mountPoint,
		Options: &vfuse.MountOptions{
			FSName:  "vaultfs",
			Subtype: a.config.Filesystem.FilesystemID,
		},
	}
	a.mountMgr = vfuse.CreatePlatformMountManager(a.fsys, mountConfig)
	if err := a.mountMgr.Mount(ctx); err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	a.started = true
	logger.Info("vaultfs mounted", "storage", a.storageURI, "mount_point", a.mountPoint)
	return nil
}

// Stop unmounts the filesystem, persists the known-versions database, and
// releases every layer's resources, best-effort, returning the first error
// encountered.
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.started {
		return fmt.Errorf("adapter not started")
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.mountMgr != nil && a.mountMgr.IsMounted() {
		record(a.mountMgr.Unmount())
	}

	if a.integrity != nil && a.config.Mount.KnownVersionsDBPath != "" {
		record(a.integrity.DB().Save(a.config.Mount.KnownVersionsDBPath))
	}

	if a.fsys != nil {
		a.config.SetRootBlobID(a.fsys.RootID())
	}

	if a.metrics != nil {
		record(a.metrics.Stop(ctx))
	}

	if closer, ok := a.raw.(interface{ Close() }); ok {
		closer.Close()
	}

	if a.logCloser != nil {
		record(a.logCloser.Close())
	}

	a.started = false
	return firstErr
}

// IsMounted reports whether a's filesystem is currently mounted.
func (a *Adapter) IsMounted() bool {
	return a.mountMgr != nil && a.mountMgr.IsMounted()
}

func (a *Adapter) openRawStore(ctx context.Context, logger *slog.Logger) error {
	blockSize := int(a.config.Filesystem.BlockSizeBytes)

	if a.bucketName == "" {
		raw, err := localblock.Open(a.storageURI, blockSize)
		if err != nil {
			return fmt.Errorf("failed to open local block store: %w", err)
		}
		a.raw = raw
		return nil
	}

	raw, err := s3block.Open(ctx, s3block.Config{
		Bucket:    a.bucketName,
		KeyPrefix: strings.TrimPrefix(a.storageURI[len("s3://")+len(a.bucketName):], "/"),
	}, blockSize, logger)
	if err != nil {
		return fmt.Errorf("failed to open S3 block store: %w", err)
	}
	a.raw = raw
	return nil
}

func (a *Adapter) openKnownVersionsDB() (*integrity.DB, error) {
	if a.config.Mount.KnownVersionsDBPath == "" {
		return integrity.NewDB(), nil
	}
	db, err := integrity.LoadDB(a.config.Mount.KnownVersionsDBPath)
	if err != nil {
		return integrity.NewDB(), nil
	}
	return db, nil
}

func (a *Adapter) openFilesystem(ctx context.Context, blobStore *blob.Store, logger *slog.Logger) error {
	atimePolicy := a.config.Mount.AtimePolicyValue()
	opt := vfs.WithLogger(logger)

	rootID, err := a.config.Filesystem.RootBlobIDValue()
	if err != nil {
		return fmt.Errorf("failed to parse root_blob_id: %w", err)
	}
	if !rootID.IsZero() {
		a.fsys = vfs.New(blobStore, a.raw, rootID, atimePolicy, opt)
		return nil
	}

	fsys, err := vfs.Init(ctx, blobStore, a.raw, atimePolicy, 0755, 0, 0, opt)
	if err != nil {
		return fmt.Errorf("failed to initialize filesystem: %w", err)
	}
	a.fsys = fsys
	a.config.SetRootBlobID(fsys.RootID())
	return nil
}

func logFormat(s string) logging.Format {
	if s == "json" {
		return logging.FormatJSON
	}
	return logging.FormatText
}

// validateStorageURI checks that uri is either a bare local directory path
// or an "s3://bucket[/prefix]" URI.
func validateStorageURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("storage URI must not be empty")
	}
	if !strings.Contains(uri, "://") {
		return nil // local directory path
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("failed to parse URI: %w", err)
	}
	switch parsed.Scheme {
	case "s3":
		if parsed.Host == "" {
			return fmt.Errorf("S3 URI must include bucket name")
		}
	default:
		return fmt.Errorf("unsupported storage scheme: %s (only local paths and s3:// are supported)", parsed.Scheme)
	}
	return nil
}

// bucketFromURI extracts the bucket name from an s3:// URI, or returns ""
// for a local directory path.
func bucketFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse storage URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("S3 URI must include bucket name")
	}
	return parsed.Host, nil
}
