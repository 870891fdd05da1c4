package crypto

import (
	"context"
	"crypto/cipher"
	"encoding/binary"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// FormatVersion is the current L1 on-disk format tag (§3).
const FormatVersion uint16 = 1

// headerSize is blockid.Size (id) + 2 (format-version), the plaintext
// prefix described in §3's "Encrypted block (L1 layout)".
const headerSize = blockid.Size + 2

// Store wraps an underlying types.BlockStore, transparently encrypting and
// authenticating every payload with the configured AEAD cipher (§4.2).
type Store struct {
	underlying types.BlockStore
	aead       cipher.AEAD
	cipherName string
	// payloadSize is the fixed user-payload length this store hands to and
	// expects from its wrapped layer's content (L2's integrity header plus
	// whatever L2's own caller gives it), derived once from the
	// underlying block size so every encrypted block is the same length.
	payloadSize int
}

// New wraps underlying with AEAD encryption under cipherName and key.
// underlying's fixed block size must be large enough to hold the L1
// plaintext header, a nonce, and an AEAD tag on top of the payload.
func New(underlying types.BlockStore, cipherName string, key []byte) (*Store, error) {
	aead, err := NewAEAD(cipherName, key)
	if err != nil {
		return nil, err
	}
	overhead := headerSize + aead.NonceSize() + aead.Overhead()
	blockSize := underlying.BlockSize()
	if blockSize <= overhead {
		return nil, errors.New(errors.CodeInvalidArgument, "block size too small for L1 overhead").WithComponent("crypto")
	}
	return &Store{
		underlying:  underlying,
		aead:        aead,
		cipherName:  cipherName,
		payloadSize: blockSize - overhead,
	}, nil
}

// BlockSize implements types.BlockStore: the logical block size visible to
// L2, i.e. the physical block size minus L1's header/nonce/tag overhead.
func (s *Store) BlockSize() int { return s.payloadSize }

// CipherName reports the AEAD in use, for statfs/diagnostics.
func (s *Store) CipherName() string { return s.cipherName }

func (s *Store) encrypt(id blockid.ID, plaintext []byte) ([]byte, error) {
	if len(plaintext) != s.payloadSize {
		return nil, errors.New(errors.CodeInvalidArgument, "payload has wrong size").WithComponent("crypto").WithPath(id.String())
	}
	nonce, err := blockid.NewNonce(s.aead.NonceSize())
	if err != nil {
		return nil, errors.Wrap(errors.CodeIO, err, "generate nonce").WithComponent("crypto")
	}
	out := make([]byte, 0, headerSize+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, id.Bytes()...)
	var versionBuf [2]byte
	binary.LittleEndian.PutUint16(versionBuf[:], FormatVersion)
	out = append(out, versionBuf[:]...)
	out = append(out, nonce...)
	out = s.aead.Seal(out, nonce, plaintext, id.Bytes())
	return out, nil
}

func (s *Store) decrypt(id blockid.ID, onDisk []byte) ([]byte, error) {
	if len(onDisk) < headerSize+s.aead.NonceSize() {
		return nil, errors.New(errors.CodeBadFormat, "block too short for L1 header").WithComponent("crypto").WithPath(id.String())
	}
	storedID, err := blockid.FromBytes(onDisk[:blockid.Size])
	if err != nil {
		return nil, errors.Wrap(errors.CodeBadFormat, err, "parse block-id prefix").WithComponent("crypto")
	}
	if storedID != id {
		return nil, errors.New(errors.CodeIntegrityViolation, "block-id prefix does not match requested id").
			WithComponent("crypto").WithPath(id.String())
	}
	version := binary.LittleEndian.Uint16(onDisk[blockid.Size:headerSize])
	if version != FormatVersion {
		return nil, errors.New(errors.CodeBadFormat, "unknown L1 format version").WithComponent("crypto").WithPath(id.String())
	}
	rest := onDisk[headerSize:]
	nonceSize := s.aead.NonceSize()
	if len(rest) < nonceSize {
		return nil, errors.New(errors.CodeBadFormat, "block too short for nonce").WithComponent("crypto").WithPath(id.String())
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, id.Bytes())
	if err != nil {
		return nil, errors.New(errors.CodeIntegrityViolation, "AEAD authentication failed").
			WithComponent("crypto").WithPath(id.String())
	}
	return plaintext, nil
}

// TryCreate implements types.BlockStore.
func (s *Store) TryCreate(ctx context.Context, id blockid.ID, data []byte) (bool, error) {
	onDisk, err := s.encrypt(id, data)
	if err != nil {
		return false, err
	}
	return s.underlying.TryCreate(ctx, id, onDisk)
}

// Load implements types.BlockStore.
func (s *Store) Load(ctx context.Context, id blockid.ID) ([]byte, error) {
	onDisk, err := s.underlying.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decrypt(id, onDisk)
}

// Store implements types.BlockStore.
func (s *Store) Store(ctx context.Context, id blockid.ID, data []byte) error {
	onDisk, err := s.encrypt(id, data)
	if err != nil {
		return err
	}
	return s.underlying.Store(ctx, id, onDisk)
}

// Remove implements types.BlockStore.
func (s *Store) Remove(ctx context.Context, id blockid.ID) error {
	return s.underlying.Remove(ctx, id)
}

// ForEachID implements types.BlockStore.
func (s *Store) ForEachID(ctx context.Context, fn func(blockid.ID) error) error {
	return s.underlying.ForEachID(ctx, fn)
}

// NumBlocks implements types.BlockStore.
func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	return s.underlying.NumBlocks(ctx)
}
