// Package crypto implements the §4.2 Encrypted Block Store (L1): a
// transparent AEAD wrapper around any types.BlockStore, parameterized by a
// named cipher and a master key chosen at format time.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/twofish"
)

// AEAD names, matching original_source's cpputils::DECLARE_CIPHER naming
// convention ({cipher}-{keybits}-{mode}) exactly, so a config file written
// against either implementation names the same cipher the same way.
const (
	AES256GCM          = "aes-256-gcm"
	AES128GCM          = "aes-128-gcm"
	Twofish256GCM      = "twofish-256-gcm"
	XChaCha20Poly1305  = "xchacha20-poly1305"
)

// cipherSpec describes one registered AEAD: its key length and how to build
// a cipher.AEAD from a key of that length.
type cipherSpec struct {
	keySize int
	build   func(key []byte) (cipher.AEAD, error)
}

var registry = map[string]cipherSpec{
	AES256GCM: {keySize: 32, build: buildAESGCM},
	AES128GCM: {keySize: 16, build: buildAESGCM},
	Twofish256GCM: {keySize: 32, build: buildTwofishGCM},
	XChaCha20Poly1305: {keySize: chacha20poly1305.KeySize, build: chacha20poly1305.NewX},
}

func buildAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func buildTwofishGCM(key []byte) (cipher.AEAD, error) {
	block, err := twofish.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// KeySize returns the expected master-key length in bytes for name, or an
// error if name is not a recognized cipher.
func KeySize(name string) (int, error) {
	spec, ok := registry[name]
	if !ok {
		return 0, fmt.Errorf("crypto: unknown cipher %q", name)
	}
	return spec.keySize, nil
}

// NewAEAD constructs the cipher.AEAD for the named cipher and key. key must
// be exactly the cipher's KeySize.
func NewAEAD(name string, key []byte) (cipher.AEAD, error) {
	spec, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("crypto: unknown cipher %q", name)
	}
	if len(key) != spec.keySize {
		return nil, fmt.Errorf("crypto: cipher %q needs a %d-byte key, got %d", name, spec.keySize, len(key))
	}
	return spec.build(key)
}
