package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/internal/config"
)

func TestValidateStorageURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		uri         string
		wantErr     bool
		errContains string
	}{
		{name: "local path", uri: "/var/lib/vaultfs/data", wantErr: false},
		{name: "valid s3 URI", uri: "s3://my-bucket", wantErr: false},
		{name: "valid s3 URI with path", uri: "s3://my-bucket/path/to/prefix", wantErr: false},
		{name: "s3 URI without bucket", uri: "s3://", wantErr: true, errContains: "bucket name"},
		{name: "unsupported scheme", uri: "gcs://my-bucket", wantErr: true, errContains: "unsupported storage scheme"},
		{name: "unsupported azure scheme", uri: "azure://container", wantErr: true, errContains: "unsupported storage scheme"},
		{name: "http scheme not supported", uri: "http://bucket", wantErr: true, errContains: "unsupported storage scheme"},
		{name: "empty URI", uri: "", wantErr: true, errContains: "must not be empty"},
		{name: "s3 URI with dots in bucket name", uri: "s3://my.bucket.with.dots", wantErr: false},
		{name: "s3 URI with hyphens", uri: "s3://my-bucket-name", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStorageURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestBucketFromURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		uri    string
		bucket string
	}{
		{name: "local path has no bucket", uri: "/var/lib/vaultfs/data", bucket: ""},
		{name: "bare bucket", uri: "s3://test-bucket", bucket: "test-bucket"},
		{name: "bucket with prefix", uri: "s3://test-bucket/path/prefix", bucket: "test-bucket"},
		{name: "bucket with dots", uri: "s3://my.bucket.with.dots", bucket: "my.bucket.with.dots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bucketFromURI(tt.uri)
			require.NoError(t, err)
			require.Equal(t, tt.bucket, got)
		})
	}
}

func createTestConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Filesystem.EncryptionKey = make([]byte, 32)
	return cfg
}

func TestNew(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("valid configuration", func(t *testing.T) {
		cfg := createTestConfig()
		a, err := New(ctx, "s3://test-bucket", "/mnt/test", cfg)
		require.NoError(t, err)
		require.NotNil(t, a)
		require.Equal(t, "s3://test-bucket", a.storageURI)
		require.Equal(t, "/mnt/test", a.mountPoint)
		require.Equal(t, "test-bucket", a.bucketName)
		require.False(t, a.started)
	})

	t.Run("local storage URI has no bucket name", func(t *testing.T) {
		cfg := createTestConfig()
		a, err := New(ctx, t.TempDir(), "/mnt/test", cfg)
		require.NoError(t, err)
		require.Empty(t, a.bucketName)
	})

	t.Run("invalid storage URI", func(t *testing.T) {
		cfg := createTestConfig()
		_, err := New(ctx, "gcs://invalid", "/mnt/test", cfg)
		require.ErrorContains(t, err, "invalid storage URI")
	})

	t.Run("empty bucket name", func(t *testing.T) {
		cfg := createTestConfig()
		_, err := New(ctx, "s3://", "/mnt/test", cfg)
		require.ErrorContains(t, err, "bucket name")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := &config.Configuration{}
		_, err := New(ctx, "s3://test-bucket", "/mnt/test", cfg)
		require.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("URI with path prefix", func(t *testing.T) {
		cfg := createTestConfig()
		a, err := New(ctx, "s3://test-bucket/path/prefix", "/mnt/test", cfg)
		require.NoError(t, err)
		require.Equal(t, "test-bucket", a.bucketName)
	})
}

func TestAdapterDoubleStart(t *testing.T) {
	t.Parallel()

	cfg := createTestConfig()
	a := &Adapter{
		storageURI: "s3://test-bucket",
		mountPoint: "/mnt/test",
		config:     cfg,
		bucketName: "test-bucket",
		started:    true,
	}

	err := a.Start(context.Background())
	require.ErrorContains(t, err, "already started")
}

func TestAdapterStopNotStarted(t *testing.T) {
	t.Parallel()

	cfg := createTestConfig()
	a := &Adapter{
		storageURI: "s3://test-bucket",
		mountPoint: "/mnt/test",
		config:     cfg,
		bucketName: "test-bucket",
		started:    false,
	}

	err := a.Stop(context.Background())
	require.ErrorContains(t, err, "not started")
}
