// Package config loads the VaultFS configuration file: the external
// "config file" collaborator described in the filesystem's external
// interfaces, plus the mount-level ambient settings every layer (L0-L7)
// needs at construction.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/google/uuid"
	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// Configuration is the complete on-disk configuration for one mount.
type Configuration struct {
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Mount      MountConfig      `yaml:"mount"`
	Global     GlobalConfig     `yaml:"global"`
	Scrypt     ScryptConfig     `yaml:"scrypt,omitempty"`
}

// FilesystemConfig carries the external "config file" contract fields: the
// core reads these at mount and writes root_blob_id back on first mount.
type FilesystemConfig struct {
	CipherName     string `yaml:"cipher_name"`
	EncryptionKey  []byte `yaml:"-"`
	BlockSizeBytes uint32 `yaml:"block_size_bytes"`
	RootBlobID     string `yaml:"root_blob_id"`
	FilesystemID   string `yaml:"filesystem_id"`
	FormatVersion  uint16 `yaml:"format_version"`
}

// RootBlobIDValue parses RootBlobID, or returns the zero id if unset (the
// pre-first-mount state, which the core fills in and writes back).
func (f FilesystemConfig) RootBlobIDValue() (blockid.ID, error) {
	if f.RootBlobID == "" {
		return blockid.Zero, nil
	}
	return blockid.ParseString(f.RootBlobID)
}

// FilesystemIDValue parses FilesystemID. It returns an error if the field
// is empty; `vaultfs init` is what fills it in, via NewFilesystemID.
func (f FilesystemConfig) FilesystemIDValue() (blockid.ID, error) {
	if f.FilesystemID == "" {
		return blockid.Zero, fmt.Errorf("config: filesystem_id is not set")
	}
	return blockid.ParseString(f.FilesystemID)
}

// MountConfig holds the ambient mount-time settings that are not part of
// the external config-file contract but still travel with it: atime
// policy, cache sizing, the known-versions DB location, and the integrity
// strictness knobs left as Open Questions by the design notes.
type MountConfig struct {
	AtimePolicy                      string        `yaml:"atime_policy"`
	CacheMaxEntries                  int           `yaml:"cache_max_entries"`
	CacheFlushInterval               time.Duration `yaml:"cache_flush_interval"`
	KnownVersionsDBPath              string        `yaml:"known_versions_db_path"`
	AllowIntegrityViolations         bool          `yaml:"allow_integrity_violations"`
	MissingBlockIsIntegrityViolation bool          `yaml:"missing_block_is_integrity_violation"`
}

// AtimePolicyValue parses AtimePolicy into the enum internal/filesystem
// expects, defaulting to relative-atime (the common "relatime" default)
// on an empty or unrecognized value.
func (m MountConfig) AtimePolicyValue() types.AtimePolicy {
	switch m.AtimePolicy {
	case "none":
		return types.AtimeNone
	case "strict":
		return types.AtimeStrict
	case "relative_nodir":
		return types.AtimeRelativeNoDir
	case "strict_nodir":
		return types.AtimeStrictNoDir
	default:
		return types.AtimeRelative
	}
}

// GlobalConfig holds process-wide ambient settings: logging and metrics.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// ScryptConfig carries the passphrase KDF parameters used only by
// `vaultfs init`; the core library never requires a passphrase and never
// reads this section to derive EncryptionKey at mount time.
type ScryptConfig struct {
	Salt []byte `yaml:"salt,omitempty"`
	N    int    `yaml:"n"`
	R    int    `yaml:"r"`
	P    int    `yaml:"p"`
}

// configFile mirrors Configuration but with hex-encoded string fields for
// the YAML fields that are raw bytes in memory (EncryptionKey, Scrypt.Salt),
// matching the on-disk representation without leaking []byte through yaml.v2's
// default base64 encoding.
type configFile struct {
	Filesystem struct {
		CipherName     string `yaml:"cipher_name"`
		EncryptionKey  string `yaml:"encryption_key"`
		BlockSizeBytes uint32 `yaml:"block_size_bytes"`
		RootBlobID     string `yaml:"root_blob_id"`
		FilesystemID   string `yaml:"filesystem_id"`
		FormatVersion  uint16 `yaml:"format_version"`
	} `yaml:"filesystem"`
	Mount  MountConfig  `yaml:"mount"`
	Global GlobalConfig `yaml:"global"`
	Scrypt struct {
		Salt string `yaml:"salt,omitempty"`
		N    int    `yaml:"n"`
		R    int    `yaml:"r"`
		P    int    `yaml:"p"`
	} `yaml:"scrypt,omitempty"`
}

// NewDefault returns a configuration with sensible defaults for a freshly
// initialized filesystem; cmd/vaultfs init fills in the filesystem-specific
// fields (cipher, key, ids) before saving.
func NewDefault() *Configuration {
	return &Configuration{
		Filesystem: FilesystemConfig{
			CipherName:     "xchacha20-poly1305",
			BlockSizeBytes: 32 * 1024,
			FormatVersion:  1,
		},
		Mount: MountConfig{
			AtimePolicy:                      "relative",
			CacheMaxEntries:                  4096,
			CacheFlushInterval:               5 * time.Second,
			KnownVersionsDBPath:              "",
			AllowIntegrityViolations:         false,
			MissingBlockIsIntegrityViolation: true,
		},
		Global: GlobalConfig{
			LogLevel:    "info",
			LogFormat:   "text",
			MetricsPort: 9090,
		},
		Scrypt: ScryptConfig{
			// Matches original_source's SCrypt::DefaultSettings
			// (N=1048576, r=4, p=1, 32-byte salt).
			N: 1 << 20,
			R: 4,
			P: 1,
		},
	}
}

// NewFilesystemID generates a fresh random filesystem id for `init`.
//
// Grounded on other example repos' uuid.New()-at-init convention; VaultFS
// itself only needs 16 random bytes, which a v4 UUID happens to supply.
func NewFilesystemID() (blockid.ID, error) {
	u := uuid.New()
	return blockid.FromBytes(u[:])
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var raw configFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	c.Filesystem.CipherName = raw.Filesystem.CipherName
	c.Filesystem.BlockSizeBytes = raw.Filesystem.BlockSizeBytes
	c.Filesystem.RootBlobID = raw.Filesystem.RootBlobID
	c.Filesystem.FilesystemID = raw.Filesystem.FilesystemID
	c.Filesystem.FormatVersion = raw.Filesystem.FormatVersion
	if raw.Filesystem.EncryptionKey != "" {
		key, err := decodeHex(raw.Filesystem.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to decode encryption_key: %w", err)
		}
		c.Filesystem.EncryptionKey = key
	}
	c.Mount = raw.Mount
	c.Global = raw.Global
	c.Scrypt.N = raw.Scrypt.N
	c.Scrypt.R = raw.Scrypt.R
	c.Scrypt.P = raw.Scrypt.P
	if raw.Scrypt.Salt != "" {
		salt, err := decodeHex(raw.Scrypt.Salt)
		if err != nil {
			return fmt.Errorf("failed to decode scrypt salt: %w", err)
		}
		c.Scrypt.Salt = salt
	}

	return nil
}

// LoadFromEnv overlays environment variable overrides onto an already
// loaded configuration, matching the teacher's env-override convention for
// settings an operator wants to change without editing the file.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("VAULTFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("VAULTFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("VAULTFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("VAULTFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("VAULTFS_ATIME_POLICY"); val != "" {
		c.Mount.AtimePolicy = val
	}
	if val := os.Getenv("VAULTFS_ALLOW_INTEGRITY_VIOLATIONS"); val != "" {
		c.Mount.AllowIntegrityViolations = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("VAULTFS_KNOWN_VERSIONS_DB_PATH"); val != "" {
		c.Mount.KnownVersionsDBPath = val
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file, creating parent
// directories as needed. The file is written with owner-only permissions
// since it carries the encryption key.
func (c *Configuration) SaveToFile(filename string) error {
	var raw configFile
	raw.Filesystem.CipherName = c.Filesystem.CipherName
	raw.Filesystem.EncryptionKey = encodeHex(c.Filesystem.EncryptionKey)
	raw.Filesystem.BlockSizeBytes = c.Filesystem.BlockSizeBytes
	raw.Filesystem.RootBlobID = c.Filesystem.RootBlobID
	raw.Filesystem.FilesystemID = c.Filesystem.FilesystemID
	raw.Filesystem.FormatVersion = c.Filesystem.FormatVersion
	raw.Mount = c.Mount
	raw.Global = c.Global
	raw.Scrypt.N = c.Scrypt.N
	raw.Scrypt.R = c.Scrypt.R
	raw.Scrypt.P = c.Scrypt.P
	raw.Scrypt.Salt = encodeHex(c.Scrypt.Salt)

	data, err := yaml.Marshal(&raw)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SetRootBlobID writes back the root blob id after first mount, per the
// external config-file contract.
func (c *Configuration) SetRootBlobID(id blockid.ID) {
	c.Filesystem.RootBlobID = id.String()
}

// Validate checks internal consistency of the loaded configuration.
func (c *Configuration) Validate() error {
	if c.Filesystem.CipherName == "" {
		return fmt.Errorf("cipher_name must be set")
	}
	if c.Filesystem.BlockSizeBytes == 0 {
		return fmt.Errorf("block_size_bytes must be greater than 0")
	}
	if c.Filesystem.FormatVersion == 0 {
		return fmt.Errorf("format_version must be set")
	}
	if len(c.Filesystem.EncryptionKey) == 0 {
		return fmt.Errorf("encryption_key must be set")
	}

	validPolicies := []string{"none", "strict", "relative", "relative_nodir", "strict_nodir"}
	policyValid := false
	for _, p := range validPolicies {
		if c.Mount.AtimePolicy == p {
			policyValid = true
			break
		}
	}
	if !policyValid {
		return fmt.Errorf("invalid atime_policy: %s (must be one of: %s)",
			c.Mount.AtimePolicy, strings.Join(validPolicies, ", "))
	}

	if c.Mount.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache_max_entries must be greater than 0")
	}

	return nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func encodeHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}
