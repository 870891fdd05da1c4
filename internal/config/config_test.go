package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultfs/vaultfs/pkg/types"
)

func TestNewDefaultPassesValidationOnceKeyed(t *testing.T) {
	c := NewDefault()
	c.Filesystem.EncryptionKey = []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, c.Validate())
}

func TestValidateRejectsMissingCipherName(t *testing.T) {
	c := NewDefault()
	c.Filesystem.CipherName = ""
	c.Filesystem.EncryptionKey = []byte("key")
	require.Error(t, c.Validate())
}

func TestValidateRejectsMissingKey(t *testing.T) {
	c := NewDefault()
	require.Error(t, c.Validate())
}

func TestValidateRejectsBadAtimePolicy(t *testing.T) {
	c := NewDefault()
	c.Filesystem.EncryptionKey = []byte("key")
	c.Mount.AtimePolicy = "sometimes"
	require.Error(t, c.Validate())
}

func TestSaveThenLoadRoundTripsFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultfs.yaml")

	fsID, err := NewFilesystemID()
	require.NoError(t, err)

	c := NewDefault()
	c.Filesystem.EncryptionKey = []byte("0123456789abcdef0123456789abcdef")
	c.Filesystem.FilesystemID = fsID.String()
	c.Scrypt.Salt = []byte("saltsaltsaltsalt")

	require.NoError(t, c.SaveToFile(path))

	loaded := &Configuration{}
	require.NoError(t, loaded.LoadFromFile(path))

	require.Equal(t, c.Filesystem.CipherName, loaded.Filesystem.CipherName)
	require.Equal(t, c.Filesystem.EncryptionKey, loaded.Filesystem.EncryptionKey)
	require.Equal(t, c.Filesystem.BlockSizeBytes, loaded.Filesystem.BlockSizeBytes)
	require.Equal(t, c.Filesystem.FilesystemID, loaded.Filesystem.FilesystemID)
	require.Equal(t, c.Scrypt.Salt, loaded.Scrypt.Salt)
	require.Equal(t, c.Mount.AtimePolicy, loaded.Mount.AtimePolicy)
	require.NoError(t, loaded.Validate())
}

func TestSetRootBlobIDWritesBackHexID(t *testing.T) {
	id, err := NewFilesystemID()
	require.NoError(t, err)

	c := NewDefault()
	c.SetRootBlobID(id)
	require.Equal(t, id.String(), c.Filesystem.RootBlobID)

	got, err := c.Filesystem.RootBlobIDValue()
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestRootBlobIDValueDefaultsToZero(t *testing.T) {
	c := NewDefault()
	got, err := c.Filesystem.RootBlobIDValue()
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestAtimePolicyValueMapsEachSetting(t *testing.T) {
	cases := map[string]types.AtimePolicy{
		"none":           types.AtimeNone,
		"strict":         types.AtimeStrict,
		"relative":       types.AtimeRelative,
		"relative_nodir": types.AtimeRelativeNoDir,
		"strict_nodir":   types.AtimeStrictNoDir,
		"":               types.AtimeRelative,
	}
	for policy, want := range cases {
		m := MountConfig{AtimePolicy: policy}
		require.Equal(t, want, m.AtimePolicyValue())
	}
}

func TestLoadFromEnvOverridesLogLevel(t *testing.T) {
	t.Setenv("VAULTFS_LOG_LEVEL", "debug")
	c := NewDefault()
	require.NoError(t, c.LoadFromEnv())
	require.Equal(t, "debug", c.Global.LogLevel)
}

