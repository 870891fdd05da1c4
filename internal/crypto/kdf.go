package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// ScryptSaltSize matches original_source's SCryptSettings::SALT_LEN.
const ScryptSaltSize = 32

// DeriveKey runs scrypt over password and salt to produce a keySize-byte
// master key, the same derivation original_source's SCrypt::_derive
// performs before handing the result to a cipher.
func DeriveKey(password string, salt []byte, n, r, p, keySize int) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, n, r, p, keySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation: %w", err)
	}
	return key, nil
}

// NewSalt generates a fresh random scrypt salt for a brand-new filesystem,
// matching original_source's Random::PseudoRandom().get(settings.SALT_LEN).
func NewSalt() ([]byte, error) {
	salt := make([]byte, ScryptSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate scrypt salt: %w", err)
	}
	return salt, nil
}
