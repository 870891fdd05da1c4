package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaultfs/vaultfs/internal/blob"
	"github.com/vaultfs/vaultfs/internal/block/localblock"
	"github.com/vaultfs/vaultfs/internal/block/s3block"
	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/cache"
	"github.com/vaultfs/vaultfs/internal/config"
	"github.com/vaultfs/vaultfs/internal/crypto"
	"github.com/vaultfs/vaultfs/internal/direntry"
	"github.com/vaultfs/vaultfs/internal/fsblob"
	"github.com/vaultfs/vaultfs/internal/integrity"
	"github.com/vaultfs/vaultfs/pkg/types"
)

var fsckRemoveOrphans bool

var fsckCmd = &cobra.Command{
	Use:   "fsck CONFIG_FILE STORAGE_URI",
	Short: "Check a VaultFS filesystem for orphaned blocks",
	Long: `fsck walks every blob reachable from the root directory (§9's
"a conforming implementation may choose a periodic fsck pass" allowance),
then compares the reachable set against every block-id actually present
in storage. Blocks present but unreachable are reported as orphans,
typically left behind by a crash mid-write (§9's partial-write-crash
cleanup).`,
	Args: cobra.ExactArgs(2),
	RunE: runFsck,
}

func init() {
	fsckCmd.Flags().BoolVar(&fsckRemoveOrphans, "remove-orphans", false, "delete orphaned blocks instead of only reporting them")
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
	configPath, storageURI := args[0], args[1]

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(configPath); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := openRawStoreForFsck(ctx, storageURI, int(cfg.Filesystem.BlockSizeBytes))
	if err != nil {
		return err
	}

	cryptoStore, err := crypto.New(raw, cfg.Filesystem.CipherName, cfg.Filesystem.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption layer: %w", err)
	}

	clientID, err := blockid.NewClientID()
	if err != nil {
		return fmt.Errorf("failed to generate client id: %w", err)
	}
	integrityStore := integrity.New(cryptoStore, integrity.NewDB(), clientID, integrity.Options{
		AllowIntegrityViolations:         true,
		MissingBlockIsIntegrityViolation: false,
	}, nil)

	cacheStore := cache.New(integrityStore, cfg.Mount.CacheMaxEntries, nil)

	blobStore, err := blob.New(cacheStore)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	rootID, err := cfg.Filesystem.RootBlobIDValue()
	if err != nil {
		return fmt.Errorf("failed to parse root_blob_id: %w", err)
	}
	if rootID.IsZero() {
		fmt.Fprintln(cmd.OutOrStdout(), "filesystem has never been mounted; nothing to check")
		return nil
	}

	seen := make(map[blockid.ID]struct{})
	if err := walkFsckTree(ctx, blobStore, rootID, seen); err != nil {
		return fmt.Errorf("failed to walk filesystem tree: %w", err)
	}

	var orphans []blockid.ID
	if err := raw.ForEachID(ctx, func(id blockid.ID) error {
		if _, ok := seen[id]; !ok {
			orphans = append(orphans, id)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to enumerate stored blocks: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "checked %d reachable block(s), found %d orphan(s)\n", len(seen), len(orphans))
	for _, id := range orphans {
		fmt.Fprintf(cmd.OutOrStdout(), "  orphan: %s\n", id)
	}

	if fsckRemoveOrphans {
		for _, id := range orphans {
			if err := raw.Remove(ctx, id); err != nil {
				return fmt.Errorf("failed to remove orphan %s: %w", id, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphan(s)\n", len(orphans))
	}

	return nil
}

// walkFsckTree recursively adds the blob rooted at id, and (for
// directories) every entry it contains, to seen.
func walkFsckTree(ctx context.Context, blobStore *blob.Store, id blockid.ID, seen map[blockid.ID]struct{}) error {
	handle, err := blobStore.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := handle.AddReachableBlocks(ctx, seen); err != nil {
		return err
	}

	fb, err := fsblob.Open(ctx, blobStore, id)
	if err != nil {
		return err
	}
	if fb.Kind() != types.KindDir {
		return nil
	}

	body, err := fb.ReadAllBody(ctx)
	if err != nil {
		return err
	}
	list, err := direntry.Deserialize(body)
	if err != nil {
		return err
	}
	for _, e := range list.Entries() {
		if err := walkFsckTree(ctx, blobStore, e.ID, seen); err != nil {
			return err
		}
	}
	return nil
}

func openRawStoreForFsck(ctx context.Context, storageURI string, blockSize int) (types.BlockStore, error) {
	if !strings.HasPrefix(storageURI, "s3://") {
		raw, err := localblock.Open(storageURI, blockSize)
		if err != nil {
			return nil, fmt.Errorf("failed to open local block store: %w", err)
		}
		return raw, nil
	}

	bucket := strings.TrimPrefix(storageURI, "s3://")
	prefix := ""
	if idx := strings.Index(bucket, "/"); idx >= 0 {
		prefix = bucket[idx+1:]
		bucket = bucket[:idx]
	}
	raw, err := s3block.Open(ctx, s3block.Config{Bucket: bucket, KeyPrefix: prefix}, blockSize, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open S3 block store: %w", err)
	}
	return raw, nil
}
