// Package idalloc hands out inode numbers from a per-rank range.
package idalloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"NestFS/internal/cluster"
	"NestFS/internal/gather"
	"NestFS/internal/logger"
	"NestFS/internal/storage"
)

// ErrMissing is returned by Load when the table was never saved.
var ErrMissing = errors.New("id table not found")

// rangeBits is the width of each rank's inode range.
const rangeBits = 40

// Table allocates inode numbers for one rank. Each rank owns
// [(rank+1)<<40, (rank+2)<<40) so allocations never collide across ranks.
type Table struct {
	store  *storage.Store
	whoami func() cluster.Rank

	mu      sync.Mutex
	version uint64   // version increases on every change
	next    uint64   // next is the lowest never-allocated number
	free    []uint64 // free holds reclaimed numbers, reused first
}

// New creates a table bound to the rank returned by whoami.
func New(store *storage.Store, whoami func() cluster.Rank) *Table {
	return &Table{store: store, whoami: whoami}
}

// Reset starts a fresh range for the current rank.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.version++
	t.next = rangeStart(t.whoami())
	t.free = nil
}

// Alloc returns an unused inode number.
func (t *Table) Alloc() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.version++

	if n := len(t.free); n > 0 {
		ino := t.free[n-1]
		t.free = t.free[:n-1]
		return ino
	}

	ino := t.next
	t.next++

	return ino
}

// Reclaim returns ino to the pool.
func (t *Table) Reclaim(ino uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.version++
	t.free = append(t.free, ino)
}

// Version returns the change counter.
func (t *Table) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.version
}

// Save persists the table. done runs on the I/O goroutine.
func (t *Table) Save(done gather.Continuation) {
	t.mu.Lock()
	rank := t.whoami()
	value := t.encode()
	version := t.version
	t.mu.Unlock()

	t.store.Submit(func() error {
		if err := t.store.Apply([]storage.Mutation{{Key: tableKey(rank), Value: value}}, true); err != nil {
			return fmt.Errorf("save id table:\n%w", err)
		}

		logger.Debug("id table saved", "rank", rank, "version", version)

		return nil
	}, done)
}

// Load reads the table saved for the current rank.
func (t *Table) Load(done gather.Continuation) {
	rank := t.whoami()

	t.store.Submit(func() error {
		raw, err := t.store.Get(tableKey(rank))
		if err != nil {
			return fmt.Errorf("load id table:\n%w", err)
		}
		if raw == nil {
			return fmt.Errorf("rank %d:\n%w", rank, ErrMissing)
		}

		t.mu.Lock()
		defer t.mu.Unlock()

		if err := t.decode(raw); err != nil {
			return fmt.Errorf("decode id table:\n%w", err)
		}

		logger.Debug("id table loaded", "rank", rank, "version", t.version, "next", t.next)

		return nil
	}, done)
}

// encode serializes the table. Caller holds mu.
// Layout: version(8) | next(8) | count(4) | free(8 each)
func (t *Table) encode() []byte {
	buf := make([]byte, 20+8*len(t.free))
	binary.LittleEndian.PutUint64(buf[0:8], t.version)
	binary.LittleEndian.PutUint64(buf[8:16], t.next)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(t.free)))

	for i, ino := range t.free {
		binary.LittleEndian.PutUint64(buf[20+8*i:], ino)
	}

	return buf
}

// decode replaces the table contents. Caller holds mu.
func (t *Table) decode(buf []byte) error {
	if len(buf) < 20 {
		return fmt.Errorf("short buffer: %d bytes", len(buf))
	}

	n := int(binary.LittleEndian.Uint32(buf[16:20]))
	if len(buf) != 20+8*n {
		return fmt.Errorf("expected %d bytes for %d free ids, got %d", 20+8*n, n, len(buf))
	}

	t.version = binary.LittleEndian.Uint64(buf[0:8])
	t.next = binary.LittleEndian.Uint64(buf[8:16])
	t.free = make([]uint64, n)

	for i := range t.free {
		t.free[i] = binary.LittleEndian.Uint64(buf[20+8*i:])
	}

	return nil
}

// rangeStart returns the first inode number of rank r.
func rangeStart(r cluster.Rank) uint64 {
	return uint64(r+1) << rangeBits
}

func tableKey(r cluster.Rank) []byte {
	return binary.BigEndian.AppendUint32([]byte("t/idalloc/"), uint32(r))
}
