/*
Package adapter wires VaultFS's L0-L7 stack and FUSE binding together into
one mountable unit.

The Adapter is the single coordination point between a storage URI (a
local directory path or an s3:// bucket), a loaded config.Configuration,
and a mounted filesystem. It owns construction of every layer in order —
raw block store, encrypted block store, integrity store, write-back
cache, blob store, filesystem — and the platform-specific FUSE mount on
top of it, plus their orderly teardown.

# Layer construction order

Start builds the stack bottom-up:

	1. Logger and metrics collector
	2. Raw block store (local directory or S3 bucket)
	3. Encrypted block store, keyed by config.Filesystem.EncryptionKey
	4. Known-versions database and integrity store
	5. Write-back cache
	6. Blob store
	7. Filesystem (mounted at the existing root_blob_id, or freshly
	   initialized if the config file has none yet)
	8. Platform FUSE mount manager

Stop reverses this: unmount, persist the known-versions database, write
back the (possibly newly created) root_blob_id, stop metrics, close the
raw store, close the logger.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("vaultfs.yaml"); err != nil {
		log.Fatal(err)
	}

	a, err := adapter.New(ctx, "s3://my-bucket/prefix", "/mnt/vaultfs", cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer a.Stop(ctx)

# Storage URIs

	/local/directory/path         # a plain filesystem path
	s3://bucket-name               # S3 bucket, no key prefix
	s3://bucket-name/key/prefix    # S3 bucket under a key prefix
*/
package adapter
