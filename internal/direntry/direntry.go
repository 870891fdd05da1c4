// Package direntry implements the §4.7 L6 Directory Entry List: the
// in-memory representation of a directory's payload, with serialization
// to and from the bytes stored in a directory's FsBlob body.
package direntry

import (
	"encoding/binary"
	"time"

	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/types"
)

// Entry is one child of a directory.
type Entry struct {
	Name  string
	Kind  types.NodeKind
	ID    blockid.ID
	Mode  uint32
	UID   uint32
	GID   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// List is the mutable set of a directory's entries, kept in insertion
// order for deterministic readdir output, with secondary indexes by name
// and by child id.
type List struct {
	order   []*Entry
	byName  map[string]*Entry
	byID    map[blockid.ID]*Entry
}

// New returns an empty directory entry list.
func New() *List {
	return &List{
		byName: make(map[string]*Entry),
		byID:   make(map[blockid.ID]*Entry),
	}
}

// Add inserts a new entry, failing with CodeAlreadyExists if name is
// already present.
func (l *List) Add(name string, kind types.NodeKind, id blockid.ID, mode, uid, gid uint32, atime, mtime, ctime time.Time) error {
	if _, exists := l.byName[name]; exists {
		return errors.New(errors.CodeAlreadyExists, "duplicate directory entry name").WithComponent("direntry").WithPath(name)
	}
	e := &Entry{Name: name, Kind: kind, ID: id, Mode: mode, UID: uid, GID: gid, Atime: atime, Mtime: mtime, Ctime: ctime}
	l.insert(e)
	return nil
}

func (l *List) insert(e *Entry) {
	l.order = append(l.order, e)
	l.byName[e.Name] = e
	l.byID[e.ID] = e
}

// GetByName returns the entry named name, or CodeNotFound.
func (l *List) GetByName(name string) (*Entry, error) {
	e, ok := l.byName[name]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "no such directory entry").WithComponent("direntry").WithPath(name)
	}
	return e, nil
}

// GetByID returns the entry whose child blob-id is id, or CodeNotFound.
func (l *List) GetByID(id blockid.ID) (*Entry, error) {
	e, ok := l.byID[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "no directory entry for id").WithComponent("direntry")
	}
	return e, nil
}

// RemoveByName deletes the entry named name, or CodeNotFound.
func (l *List) RemoveByName(name string) error {
	e, ok := l.byName[name]
	if !ok {
		return errors.New(errors.CodeNotFound, "no such directory entry").WithComponent("direntry").WithPath(name)
	}
	l.remove(e)
	return nil
}

// RemoveByID deletes the entry whose child blob-id is id, or CodeNotFound.
func (l *List) RemoveByID(id blockid.ID) error {
	e, ok := l.byID[id]
	if !ok {
		return errors.New(errors.CodeNotFound, "no directory entry for id").WithComponent("direntry")
	}
	l.remove(e)
	return nil
}

func (l *List) remove(e *Entry) {
	delete(l.byName, e.Name)
	delete(l.byID, e.ID)
	for i, x := range l.order {
		if x == e {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Rename changes the name of the entry whose child blob-id is id to
// newName. If newName already names a different entry, onOverwrite (if
// non-nil) is invoked on the overwritten entry's kind-compatibility
// rules, consistent with AddOrOverwrite; callers that already resolved
// overwrite semantics upstream can pass a nil onOverwrite and a
// pre-vacated newName.
func (l *List) Rename(id blockid.ID, newName string, onOverwrite func(old *Entry) error) error {
	e, ok := l.byID[id]
	if !ok {
		return errors.New(errors.CodeNotFound, "no directory entry for id").WithComponent("direntry")
	}
	if existing, exists := l.byName[newName]; exists && existing != e {
		if err := checkOverwriteCompatible(existing.Kind, e.Kind); err != nil {
			return err
		}
		if onOverwrite != nil {
			if err := onOverwrite(existing); err != nil {
				return err
			}
		}
		l.remove(existing)
	}
	delete(l.byName, e.Name)
	e.Name = newName
	l.byName[newName] = e
	return nil
}

// AddOrOverwrite adds a new entry named name, replacing any existing
// compatible entry of the same name. If an existing entry is
// incompatible, it returns CodeIsADirectory or CodeNotADirectory per
// §4.7. On a successful overwrite, onOverwrite is invoked with the
// displaced child's id before the new entry replaces it, so the caller
// can free the displaced blob.
func (l *List) AddOrOverwrite(name string, kind types.NodeKind, id blockid.ID, mode, uid, gid uint32, atime, mtime, ctime time.Time, onOverwrite func(old blockid.ID) error) error {
	existing, exists := l.byName[name]
	if exists {
		if err := checkOverwriteCompatible(existing.Kind, kind); err != nil {
			return err
		}
		if onOverwrite != nil {
			if err := onOverwrite(existing.ID); err != nil {
				return err
			}
		}
		l.remove(existing)
	}
	e := &Entry{Name: name, Kind: kind, ID: id, Mode: mode, UID: uid, GID: gid, Atime: atime, Mtime: mtime, Ctime: ctime}
	l.insert(e)
	return nil
}

// checkOverwriteCompatible enforces §4.7's overwrite compatibility rule:
// file/file and symlink/symlink are always compatible; dir/dir is
// compatible only when the caller has already verified the old directory
// is empty (enforced by the filesystem layer before calling here, since
// this package has no way to inspect the old directory's contents).
func checkOverwriteCompatible(oldKind, newKind types.NodeKind) error {
	if oldKind == types.KindDir && newKind != types.KindDir {
		return errors.New(errors.CodeIsADirectory, "cannot overwrite a directory with a non-directory").WithComponent("direntry")
	}
	if oldKind != types.KindDir && newKind == types.KindDir {
		return errors.New(errors.CodeNotADirectory, "cannot overwrite a non-directory with a directory").WithComponent("direntry")
	}
	return nil
}

// UpdateAccessTime sets the entry's atime to now if policy dictates an
// update for a node of the entry's kind, per §4.7's atime matrix.
func (l *List) UpdateAccessTime(id blockid.ID, policy types.AtimePolicy, now time.Time) error {
	e, ok := l.byID[id]
	if !ok {
		return errors.New(errors.CodeNotFound, "no directory entry for id").WithComponent("direntry")
	}
	if types.ShouldUpdateAtime(policy, e.Kind == types.KindDir, e.Atime, e.Mtime, now) {
		e.Atime = now
	}
	return nil
}

// UpdateModificationTime sets the entry's mtime and ctime to now,
// unconditionally (content or directory-structure change).
func (l *List) UpdateModificationTime(id blockid.ID, now time.Time) error {
	e, ok := l.byID[id]
	if !ok {
		return errors.New(errors.CodeNotFound, "no directory entry for id").WithComponent("direntry")
	}
	e.Mtime = now
	e.Ctime = now
	return nil
}

// TouchCtime sets the entry's ctime to now, for metadata-only changes
// (chmod/chown/rename) that must not disturb mtime.
func (l *List) TouchCtime(id blockid.ID, now time.Time) error {
	e, ok := l.byID[id]
	if !ok {
		return errors.New(errors.CodeNotFound, "no directory entry for id").WithComponent("direntry")
	}
	e.Ctime = now
	return nil
}

// Entries returns the directory's entries in insertion order. The returned
// slice shares entries with the List and must not be retained past the
// next mutation.
func (l *List) Entries() []*Entry {
	return l.order
}

// Len reports the number of entries, used by rmdir's empty-directory
// check.
func (l *List) Len() int {
	return len(l.order)
}

const recordHeaderSize = 1 /*kind*/ + blockid.Size /*child id*/ + 4 /*mode*/ + 4 /*uid*/ + 4 /*gid*/ + 12*3 /*atime/mtime/ctime, sec+nsec*/

// Serialize encodes the directory's entries into the byte form stored as
// a directory blob's body: a uint32 entry count, followed by each
// entry's fixed-size metadata record, a uvarint name length, and the
// name's UTF-8 bytes.
func (l *List) Serialize() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(l.order)))
	var scratch [binary.MaxVarintLen64]byte
	for _, e := range l.order {
		rec := make([]byte, recordHeaderSize)
		off := 0
		rec[off] = byte(e.Kind)
		off++
		copy(rec[off:], e.ID.Bytes())
		off += blockid.Size
		binary.LittleEndian.PutUint32(rec[off:], e.Mode)
		off += 4
		binary.LittleEndian.PutUint32(rec[off:], e.UID)
		off += 4
		binary.LittleEndian.PutUint32(rec[off:], e.GID)
		off += 4
		off += putTime(rec[off:], e.Atime)
		off += putTime(rec[off:], e.Mtime)
		off += putTime(rec[off:], e.Ctime)
		buf = append(buf, rec...)

		n := binary.PutUvarint(scratch[:], uint64(len(e.Name)))
		buf = append(buf, scratch[:n]...)
		buf = append(buf, e.Name...)
	}
	return buf
}

func putTime(b []byte, t time.Time) int {
	binary.LittleEndian.PutUint64(b, uint64(t.Unix()))
	binary.LittleEndian.PutUint32(b[8:], uint32(t.Nanosecond()))
	return 12
}

func getTime(b []byte) time.Time {
	sec := int64(binary.LittleEndian.Uint64(b))
	nsec := int64(binary.LittleEndian.Uint32(b[8:]))
	return time.Unix(sec, nsec).UTC()
}

// Deserialize parses raw (as produced by Serialize) into a fresh List.
func Deserialize(raw []byte) (*List, error) {
	if len(raw) < 4 {
		return nil, errors.New(errors.CodeBadFormat, "directory payload too short").WithComponent("direntry")
	}
	count := binary.LittleEndian.Uint32(raw[0:4])
	pos := 4
	l := New()
	for i := uint32(0); i < count; i++ {
		if pos+recordHeaderSize > len(raw) {
			return nil, errors.New(errors.CodeBadFormat, "truncated directory entry record").WithComponent("direntry")
		}
		rec := raw[pos : pos+recordHeaderSize]
		pos += recordHeaderSize

		off := 0
		kind := types.NodeKind(rec[off])
		off++
		id, err := blockid.FromBytes(rec[off : off+blockid.Size])
		if err != nil {
			return nil, errors.Wrap(errors.CodeBadFormat, err, "parse child id").WithComponent("direntry")
		}
		off += blockid.Size
		mode := binary.LittleEndian.Uint32(rec[off:])
		off += 4
		uid := binary.LittleEndian.Uint32(rec[off:])
		off += 4
		gid := binary.LittleEndian.Uint32(rec[off:])
		off += 4
		atime := getTime(rec[off:])
		off += 12
		mtime := getTime(rec[off:])
		off += 12
		ctime := getTime(rec[off:])

		nameLen, n := binary.Uvarint(raw[pos:])
		if n <= 0 {
			return nil, errors.New(errors.CodeBadFormat, "malformed directory entry name length").WithComponent("direntry")
		}
		pos += n
		if pos+int(nameLen) > len(raw) {
			return nil, errors.New(errors.CodeBadFormat, "truncated directory entry name").WithComponent("direntry")
		}
		name := string(raw[pos : pos+int(nameLen)])
		pos += int(nameLen)

		if err := l.Add(name, kind, id, mode, uid, gid, atime, mtime, ctime); err != nil {
			return nil, err
		}
	}
	return l, nil
}
