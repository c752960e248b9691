package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// eventKind tags a journal event.
type eventKind uint8

const (
	evImportMap eventKind = iota + 1
	evLink
	evUnlink
	evPurge
)

// event is one journaled namespace change.
type event struct {
	kind     eventKind
	parent   uint64   // parent is the directory changed by link, unlink and purge
	name     string   // name is the dentry name in parent
	ino      uint64   // ino is the inode linked or unlinked
	isDir    bool     // isDir is set when ino is a directory
	stray    uint64   // stray receives unlinked inodes
	subtrees []uint64 // subtrees is the import map at the time of logging
}

var errShortEvent = errors.New("short event")

// encode serializes the event.
// Layout: kind(1) then uvarints, strings as uvarint length + bytes.
func (e *event) encode() []byte {
	buf := []byte{byte(e.kind)}

	switch e.kind {
	case evImportMap:
		buf = binary.AppendUvarint(buf, uint64(len(e.subtrees)))
		for _, s := range e.subtrees {
			buf = binary.AppendUvarint(buf, s)
		}
	case evLink, evUnlink, evPurge:
		buf = binary.AppendUvarint(buf, e.parent)
		buf = binary.AppendUvarint(buf, uint64(len(e.name)))
		buf = append(buf, e.name...)
		buf = binary.AppendUvarint(buf, e.ino)
		buf = binary.AppendUvarint(buf, e.stray)
		if e.isDir {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	return buf
}

// decodeEvent parses an encoded event.
func decodeEvent(buf []byte) (*event, error) {
	if len(buf) == 0 {
		return nil, errShortEvent
	}

	r := reader{buf: buf[1:]}
	e := &event{kind: eventKind(buf[0])}

	switch e.kind {
	case evImportMap:
		n := r.uvarint()
		if n > uint64(len(r.buf)) {
			return nil, errShortEvent
		}
		e.subtrees = make([]uint64, n)
		for i := range e.subtrees {
			e.subtrees[i] = r.uvarint()
		}
	case evLink, evUnlink, evPurge:
		e.parent = r.uvarint()
		e.name = r.str()
		e.ino = r.uvarint()
		e.stray = r.uvarint()
		e.isDir = r.u8() == 1
	default:
		return nil, fmt.Errorf("unknown event kind %d", e.kind)
	}

	if r.err != nil {
		return nil, r.err
	}

	return e, nil
}

// reader consumes an encoded buffer and remembers the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}

	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errShortEvent
		return 0
	}
	r.buf = r.buf[n:]

	return v
}

func (r *reader) str() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}

	if n > uint64(len(r.buf)) {
		r.err = errShortEvent
		return ""
	}

	s := string(r.buf[:n])
	r.buf = r.buf[n:]

	return s
}

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}

	if len(r.buf) == 0 {
		r.err = errShortEvent
		return 0
	}

	b := r.buf[0]
	r.buf = r.buf[1:]

	return b
}
