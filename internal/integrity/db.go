// Package integrity implements the §4.3 Integrity Block Store (L2): per-block
// version checks against a locally persisted known-versions database, and
// tombstoning of removed blocks so a later resurrection is detected.
package integrity

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
)

// dbMagic and dbVersion identify the §6 known-versions DB file format.
const (
	dbMagic   uint32 = 0x564c5444 // "VLTD"
	dbVersion uint16 = 1
)

// recordKey identifies one (client-id, block-id) pair in the DB.
type recordKey struct {
	client blockid.ClientID
	block  blockid.ID
}

// DB is the §3/§4.3 known-versions database: for every (client-id,
// block-id) pair this mount has ever seen, the highest version observed;
// plus the set of block-ids ever known to exist and the set tombstoned by
// this mount's own removes. It is safe for concurrent use.
type DB struct {
	mu         sync.Mutex
	versions   map[recordKey]uint64
	everExists map[blockid.ID]struct{}
	tombstoned map[blockid.ID]uint64
	path       string
}

// NewDB creates an empty, unpersisted known-versions database.
func NewDB() *DB {
	return &DB{
		versions:   make(map[recordKey]uint64),
		everExists: make(map[blockid.ID]struct{}),
		tombstoned: make(map[blockid.ID]uint64),
	}
}

// LastVersion returns the highest version this DB has recorded for
// (client, block), and whether an entry exists at all.
func (db *DB) LastVersion(client blockid.ClientID, block blockid.ID) (uint64, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.versions[recordKey{client, block}]
	return v, ok
}

// HighestVersionAnyClient returns the highest version recorded for block
// under any client-id, used by the writer to pick its next version (§4.3
// "Write").
func (db *DB) HighestVersionAnyClient(block blockid.ID) uint64 {
	v, _, _ := db.HighestVersion(block)
	return v
}

// HighestVersion returns the highest version this DB has recorded for block
// across every client-id it has ever seen write that block (including its
// tombstone version, if any), the client-id that recorded it, and whether
// block is known at all. The reader uses this — not LastVersion, which is
// scoped to one client — to enforce V2/V4 against a *foreign* client
// presenting a version at or below the highest this DB has ever accepted
// for the block: since this design has one writer-of-record per block at a
// time, any version less than or equal to the current high-water mark that
// arrives under a different client-id than the one that set it is a
// rollback, not a new writer earning trust-on-first-use.
func (db *DB) HighestVersion(block blockid.ID) (version uint64, client blockid.ClientID, ok bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for k, v := range db.versions {
		if k.block == block && (!ok || v > version) {
			version = v
			client = k.client
			ok = true
		}
	}
	if t, tombOk := db.tombstoned[block]; tombOk && (!ok || t > version) {
		version = t
		client = blockid.TombstoneClientID
		ok = true
	}
	return version, client, ok
}

// Record stores version as the latest seen for (client, block) and marks
// block as known to have existed.
func (db *DB) Record(client blockid.ClientID, block blockid.ID, version uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.versions[recordKey{client, block}] = version
	db.everExists[block] = struct{}{}
}

// EverExisted reports whether block has ever been recorded or tombstoned.
func (db *DB) EverExisted(block blockid.ID) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.everExists[block]; ok {
		return true
	}
	_, ok := db.tombstoned[block]
	return ok
}

// Tombstone records block as removed at version, the version a future
// resurrection must exceed (§4.3 "Remove").
func (db *DB) Tombstone(block blockid.ID, version uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tombstoned[block] = version
	delete(db.everExists, block)
	for k := range db.versions {
		if k.block == block {
			delete(db.versions, k)
		}
	}
}

// TombstoneVersion returns the version block was tombstoned at, if any.
func (db *DB) TombstoneVersion(block blockid.ID) (uint64, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.tombstoned[block]
	return v, ok
}

// Forget removes all record of block, used when a non-tombstoning delete
// path (e.g. fsck pruning an orphan) wants the DB to go back to
// trust-on-first-use for that id.
func (db *DB) Forget(block blockid.ID) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.everExists, block)
	delete(db.tombstoned, block)
	for k := range db.versions {
		if k.block == block {
			delete(db.versions, k)
		}
	}
}

// Path returns the file path this DB was loaded from or last saved to, or
// "" if it has never been persisted.
func (db *DB) Path() string { return db.path }

// LoadDB reads a known-versions database previously written by Save from
// path. A missing file is not an error: per the Open Question decision in
// SPEC_FULL.md §6, a deleted/recreated DB degrades to trust-on-first-use
// for every pair rather than refusing to mount.
func LoadDB(path string) (*DB, error) {
	db := NewDB()
	db.path = path
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, errors.Wrap(errors.CodeIO, err, "open known-versions db").WithComponent("integrity")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic uint32
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, errors.Wrap(errors.CodeBadFormat, err, "read db magic").WithComponent("integrity")
	}
	if magic != dbMagic {
		return nil, errors.New(errors.CodeBadFormat, "known-versions db: bad magic").WithComponent("integrity")
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, errors.Wrap(errors.CodeBadFormat, err, "read db version").WithComponent("integrity")
	}
	if version != dbVersion {
		return nil, errors.New(errors.CodeBadFormat, fmt.Sprintf("known-versions db: unsupported version %d", version)).WithComponent("integrity")
	}

	var numRecords uint64
	if err := binary.Read(r, binary.LittleEndian, &numRecords); err != nil {
		return nil, errors.Wrap(errors.CodeBadFormat, err, "read record count").WithComponent("integrity")
	}
	for i := uint64(0); i < numRecords; i++ {
		var clientRaw uint32
		var idBuf [blockid.Size]byte
		var lastVersion uint64
		if err := binary.Read(r, binary.LittleEndian, &clientRaw); err != nil {
			return nil, errors.Wrap(errors.CodeBadFormat, err, "read record client-id").WithComponent("integrity")
		}
		if _, err := readFull(r, idBuf[:]); err != nil {
			return nil, errors.Wrap(errors.CodeBadFormat, err, "read record block-id").WithComponent("integrity")
		}
		if err := binary.Read(r, binary.LittleEndian, &lastVersion); err != nil {
			return nil, errors.Wrap(errors.CodeBadFormat, err, "read record version").WithComponent("integrity")
		}
		id, err := blockid.FromBytes(idBuf[:])
		if err != nil {
			return nil, errors.Wrap(errors.CodeBadFormat, err, "parse record block-id").WithComponent("integrity")
		}
		db.versions[recordKey{blockid.ClientID(clientRaw), id}] = lastVersion
		db.everExists[id] = struct{}{}
	}

	var numTombstones uint64
	if err := binary.Read(r, binary.LittleEndian, &numTombstones); err != nil {
		return nil, errors.Wrap(errors.CodeBadFormat, err, "read tombstone count").WithComponent("integrity")
	}
	for i := uint64(0); i < numTombstones; i++ {
		var idBuf [blockid.Size]byte
		var version uint64
		if _, err := readFull(r, idBuf[:]); err != nil {
			return nil, errors.Wrap(errors.CodeBadFormat, err, "read tombstone block-id").WithComponent("integrity")
		}
		if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
			return nil, errors.Wrap(errors.CodeBadFormat, err, "read tombstone version").WithComponent("integrity")
		}
		id, err := blockid.FromBytes(idBuf[:])
		if err != nil {
			return nil, errors.Wrap(errors.CodeBadFormat, err, "parse tombstone block-id").WithComponent("integrity")
		}
		db.tombstoned[id] = version
	}
	return db, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Save atomically persists db to path: write-temp-then-rename, matching the
// teacher's config-write habit (see SPEC_FULL.md §5).
func (db *DB) Save(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.Wrap(errors.CodeIO, err, "create db directory").WithComponent("integrity")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".vaultfs-db-*.tmp")
	if err != nil {
		return errors.Wrap(errors.CodeIO, err, "create temp db file").WithComponent("integrity")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	writeErr := func() error {
		if err := binary.Write(w, binary.LittleEndian, dbMagic); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, dbVersion); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(db.versions))); err != nil {
			return err
		}
		for k, v := range db.versions {
			if err := binary.Write(w, binary.LittleEndian, uint32(k.client)); err != nil {
				return err
			}
			if _, err := w.Write(k.block.Bytes()); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(db.tombstoned))); err != nil {
			return err
		}
		for id, v := range db.tombstoned {
			if _, err := w.Write(id.Bytes()); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		return w.Flush()
	}()
	if writeErr != nil {
		tmp.Close()
		return errors.Wrap(errors.CodeIO, writeErr, "write db").WithComponent("integrity")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(errors.CodeIO, err, "sync db").WithComponent("integrity")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(errors.CodeIO, err, "close temp db file").WithComponent("integrity")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(errors.CodeIO, err, "rename db into place").WithComponent("integrity")
	}
	db.path = path
	return nil
}
