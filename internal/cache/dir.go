package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"NestFS/internal/cluster"
)

// RootIno is the inode number of the namespace root.
const RootIno uint64 = 1

// StrayIno returns the inode of rank r's stray directory, which holds unlinked inodes until purge.
func StrayIno(r cluster.Rank) uint64 {
	return 0x100 + uint64(r)
}

var (
	ErrNotFound = errors.New("no such entry")
	ErrExist    = errors.New("entry exists")
	ErrNotDir   = errors.New("not a directory")
	ErrNotEmpty = errors.New("directory not empty")
	ErrInvalid  = errors.New("invalid path")
)

// Dentry is a directory entry.
type Dentry struct {
	Ino   uint64 // Ino is the linked inode
	IsDir bool   // IsDir is set for directories
}

// Dir is a directory object cached in memory and committed to the store.
type Dir struct {
	Ino     uint64
	Version uint64
	Entries map[string]Dentry
	dirty   bool
}

func newDir(ino uint64) *Dir {
	return &Dir{Ino: ino, Entries: map[string]Dentry{}}
}

// markDirty bumps the version and flags the directory for the next commit.
func (d *Dir) markDirty() {
	d.Version++
	d.dirty = true
}

// splitPath returns the parent components and the last name of an absolute path.
func splitPath(path string) ([]string, string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, "", fmt.Errorf("%q:\n%w", path, ErrInvalid)
	}

	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return nil, "", nil
	}

	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

// dirKey is the store key of a directory object.
func dirKey(ino uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("d/"), ino)
}

// encode serializes the directory with entries sorted by name.
// Layout: version(8) | count(4) | (nameLen(2) name ino(8) isDir(1))*
func (d *Dir) encode() []byte {
	names := make([]string, 0, len(d.Entries))
	for name := range d.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], d.Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(names)))

	for _, name := range names {
		e := d.Entries[name]
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
		buf = append(buf, name...)
		buf = binary.LittleEndian.AppendUint64(buf, e.Ino)
		if e.IsDir {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	return buf
}

// decodeDir parses a committed directory object.
func decodeDir(ino uint64, buf []byte) (*Dir, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("dir %x too short: %d bytes", ino, len(buf))
	}

	d := newDir(ino)
	d.Version = binary.LittleEndian.Uint64(buf[0:8])
	n := int(binary.LittleEndian.Uint32(buf[8:12]))
	rest := buf[12:]

	for range n {
		if len(rest) < 2 {
			return nil, fmt.Errorf("dir %x truncated", ino)
		}
		l := int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]

		if len(rest) < l+9 {
			return nil, fmt.Errorf("dir %x truncated", ino)
		}
		name := string(rest[:l])
		d.Entries[name] = Dentry{
			Ino:   binary.LittleEndian.Uint64(rest[l:]),
			IsDir: rest[l+8] == 1,
		}
		rest = rest[l+9:]
	}

	return d, nil
}
