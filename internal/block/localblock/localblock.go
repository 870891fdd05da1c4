// Package localblock implements the §4.1 L0 contract as a directory of
// files, one per block, fanned out two levels deep by the first two bytes of
// the hex id (256 subdirectories per level, 65536 leaf directories).
package localblock

import (
	"context"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/vaultfs/vaultfs/internal/block"
	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
)

const dirPerm = 0o750
const filePerm = 0o640

// Store is a directory-of-files raw block store. It is safe for concurrent
// use: file renames are atomic at the single-block level (§4.1), and a
// mutex serializes the directory-creation race on first write to a given
// fan-out prefix.
type Store struct {
	root      string
	blockSize int

	mu      sync.Mutex
	madeDir map[string]bool
}

// Open opens (creating if absent) a local block store rooted at dir, with
// every block fixed at blockSize bytes.
func Open(dir string, blockSize int) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Wrap(errors.CodeIO, err, "create block store root").WithComponent("localblock")
	}
	return &Store{root: dir, blockSize: blockSize, madeDir: make(map[string]bool)}, nil
}

// BlockSize implements types.BlockStore.
func (s *Store) BlockSize() int { return s.blockSize }

// pathFor fans out by the first two hex bytes of the id, e.g.
// root/ab/cd/abcdef...0123.block.
func (s *Store) pathFor(id blockid.ID) string {
	hexID := id.String()
	return filepath.Join(s.root, hexID[0:2], hexID[2:4], hexID+".block")
}

func (s *Store) ensureDirFor(path string) error {
	dir := filepath.Dir(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.madeDir[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrap(errors.CodeIO, err, "create fan-out directory").WithComponent("localblock")
	}
	s.madeDir[dir] = true
	return nil
}

// TryCreate implements types.BlockStore.
func (s *Store) TryCreate(ctx context.Context, id blockid.ID, data []byte) (bool, error) {
	if len(data) != s.blockSize {
		return false, block.ErrWrongSize(len(data), s.blockSize)
	}
	path := s.pathFor(id)
	if err := s.ensureDirFor(path); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.Wrap(errors.CodeIO, err, "create block").WithComponent("localblock").WithPath(id.String())
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return false, errors.Wrap(errors.CodeIO, err, "write new block").WithComponent("localblock").WithPath(id.String())
	}
	return true, nil
}

// Load implements types.BlockStore.
func (s *Store) Load(ctx context.Context, id blockid.ID) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeNotFound, "block not found").WithComponent("localblock").WithPath(id.String())
		}
		return nil, errors.Wrap(errors.CodeIO, err, "read block").WithComponent("localblock").WithPath(id.String())
	}
	return data, nil
}

// Store implements types.BlockStore. The write goes to a temp file in the
// same fan-out directory and is renamed into place, so a concurrent Load
// never observes a partially written block (§4.1 single-block atomicity).
func (s *Store) Store(ctx context.Context, id blockid.ID, data []byte) error {
	if len(data) != s.blockSize {
		return block.ErrWrongSize(len(data), s.blockSize)
	}
	path := s.pathFor(id)
	if err := s.ensureDirFor(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(errors.CodeIO, err, "create temp block file").WithComponent("localblock").WithPath(id.String())
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(errors.CodeIO, err, "write block").WithComponent("localblock").WithPath(id.String())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(errors.CodeIO, err, "sync block").WithComponent("localblock").WithPath(id.String())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.CodeIO, err, "close block").WithComponent("localblock").WithPath(id.String())
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.CodeIO, err, "chmod block").WithComponent("localblock").WithPath(id.String())
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.CodeIO, err, "rename block into place").WithComponent("localblock").WithPath(id.String())
	}
	return nil
}

// Remove implements types.BlockStore.
func (s *Store) Remove(ctx context.Context, id blockid.ID) error {
	if err := os.Remove(s.pathFor(id)); err != nil {
		if os.IsNotExist(err) {
			return errors.New(errors.CodeNotFound, "block not found").WithComponent("localblock").WithPath(id.String())
		}
		return errors.Wrap(errors.CodeIO, err, "remove block").WithComponent("localblock").WithPath(id.String())
	}
	return nil
}

// ForEachID implements types.BlockStore, walking the fan-out tree.
func (s *Store) ForEachID(ctx context.Context, fn func(blockid.ID) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrap(errors.CodeIO, err, "walk block store").WithComponent("localblock")
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		const suffix = ".block"
		if len(name) != 32+len(suffix) || name[32:] != suffix {
			return nil
		}
		id, err := blockid.ParseString(name[:32])
		if err != nil {
			return nil
		}
		return fn(id)
	})
}

// NumBlocks implements types.BlockStore.
func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.ForEachID(ctx, func(blockid.ID) error {
		n++
		return nil
	})
	return n, err
}
