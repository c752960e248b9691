// Package journal implements the metadata journal of one rank on top of the local store.
package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/zeebo/blake3"

	"NestFS/internal/cluster"
	"NestFS/internal/gather"
	"NestFS/internal/logger"
	"NestFS/internal/storage"
	"NestFS/internal/wire"
)

// ErrCorrupt is returned by Replay when an entry fails its checksum.
var ErrCorrupt = errors.New("journal entry corrupt")

// Unlimited disables trimming by event count.
const Unlimited = -1

const sumSize = 32

// Replayer rebuilds state from the log. Both methods run on the I/O goroutine.
type Replayer interface {
	BeginReplay() error
	ReplayEvent(payload []byte) error
}

// pending is a submitted entry waiting for the next flush.
type pending struct {
	pos     uint64
	payload []byte
	done    gather.Continuation
}

// Journal is an append-only event log. Positions count events: readPos is the
// oldest live entry, writePos the next one to be assigned.
type Journal struct {
	store  *storage.Store      // store holds entries and the head
	whoami func() cluster.Rank // whoami resolves the owning rank at open time

	mu         sync.Mutex
	rank       cluster.Rank
	readPos    uint64
	writePos   uint64
	flushedPos uint64 // flushedPos is one past the last durable entry
	queue      []pending
	maxEvents  int
	replayer   Replayer
	safePos    func() uint64 // safePos bounds trimming to entries applied elsewhere
}

// New creates a journal for the rank returned by whoami.
func New(store *storage.Store, whoami func() cluster.Rank) *Journal {
	return &Journal{
		store:     store,
		whoami:    whoami,
		rank:      cluster.NoRank,
		maxEvents: Unlimited,
	}
}

// SetReplayer installs the replayer Replay feeds entries to.
func (j *Journal) SetReplayer(r Replayer) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.replayer = r
}

// SetSafePos installs the bound trimming must not pass. fn must not call back into the journal.
func (j *Journal) SetSafePos(fn func() uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.safePos = fn
}

// Reset forgets every position so a fresh head can be written.
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.rank = j.whoami()
	j.readPos, j.writePos, j.flushedPos = 0, 0, 0
	j.queue = nil
}

// WriteHead discards existing entries of the rank and persists the current head.
func (j *Journal) WriteHead(done gather.Continuation) {
	j.mu.Lock()
	rank := j.rank
	head := encodeHead(j.readPos, j.writePos)
	j.mu.Unlock()

	j.store.Submit(func() error {
		if err := j.store.DeletePrefix(entryPrefix(rank)); err != nil {
			return fmt.Errorf("clear journal entries:\n%w", err)
		}

		return j.store.Apply([]storage.Mutation{{Key: headKey(rank), Value: head}}, true)
	}, done)
}

// Open loads the head and finds the end of the log.
func (j *Journal) Open(done gather.Continuation) {
	j.mu.Lock()
	j.rank = j.whoami()
	rank := j.rank
	j.mu.Unlock()

	j.store.Submit(func() error {
		read, write, err := j.load(rank)
		if err != nil {
			return err
		}

		j.mu.Lock()
		j.readPos, j.writePos, j.flushedPos = read, write, write
		j.queue = nil
		j.mu.Unlock()

		logger.Debug("journal opened", "rank", rank, "read_pos", read, "write_pos", write)

		return nil
	}, done)
}

// load reads the head and scans forward for entries written after it.
func (j *Journal) load(rank cluster.Rank) (read, write uint64, err error) {
	raw, err := j.store.Get(headKey(rank))
	if err != nil {
		return 0, 0, fmt.Errorf("read journal head:\n%w", err)
	}

	if raw != nil {
		read, write, err = decodeHead(raw)
		if err != nil {
			return 0, 0, err
		}
	}

	// Entries past the recorded head were flushed without a head update.
	for {
		v, err := j.store.Get(entryKey(rank, write))
		if err != nil {
			return 0, 0, fmt.Errorf("probe journal entry %d:\n%w", write, err)
		}
		if v == nil {
			break
		}
		write++
	}

	return read, write, nil
}

// Replay applies every live entry in order through the replayer.
func (j *Journal) Replay(done gather.Continuation) {
	j.mu.Lock()
	rank, from, to, apply := j.rank, j.readPos, j.writePos, j.replayer
	j.mu.Unlock()

	j.store.Submit(func() error {
		if apply != nil {
			if err := apply.BeginReplay(); err != nil {
				return fmt.Errorf("begin replay:\n%w", err)
			}
		}

		start := entryKey(rank, from)
		n := uint64(0)

		err := j.store.IteratePrefix(entryPrefix(rank), func(key, value []byte) error {
			if bytes.Compare(key, start) < 0 {
				return nil
			}

			pos := binary.BigEndian.Uint64(key[len(key)-8:])
			if pos >= to {
				return nil
			}

			payload, err := decodeEntry(value)
			if err != nil {
				return fmt.Errorf("entry %d:\n%w", pos, err)
			}

			if apply != nil {
				if err := apply.ReplayEvent(payload); err != nil {
					return fmt.Errorf("replay entry %d:\n%w", pos, err)
				}
			}
			n++

			return nil
		})
		if err != nil {
			return err
		}

		logger.Info("journal replayed", "rank", rank, "events", n, "from", from, "to", to)

		return nil
	}, done)
}

// Submit appends an event. done runs once the entry is durable, after a Flush.
func (j *Journal) Submit(payload []byte, done gather.Continuation) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	pos := j.writePos
	j.writePos++
	j.queue = append(j.queue, pending{pos: pos, payload: payload, done: done})

	return pos
}

// Flush writes every submitted entry and the head in one durable batch.
func (j *Journal) Flush() {
	j.mu.Lock()
	if len(j.queue) == 0 {
		j.mu.Unlock()
		return
	}

	batch := j.queue
	j.queue = nil
	rank := j.rank
	end := batch[len(batch)-1].pos + 1
	read := j.readPos
	j.mu.Unlock()

	muts := make([]storage.Mutation, 0, len(batch)+1)
	for _, p := range batch {
		value, err := encodeEntry(p.payload)
		if err != nil {
			j.fail(batch, err)
			return
		}
		muts = append(muts, storage.Mutation{Key: entryKey(rank, p.pos), Value: value})
	}
	muts = append(muts, storage.Mutation{Key: headKey(rank), Value: encodeHead(read, end)})

	j.store.Submit(func() error {
		return j.store.Apply(muts, true)
	}, func(err error) {
		if err == nil {
			j.mu.Lock()
			if end > j.flushedPos {
				j.flushedPos = end
			}
			j.mu.Unlock()
		}

		for _, p := range batch {
			if p.done != nil {
				p.done(err)
			}
		}
	})
}

// fail reports err to every entry of batch from the I/O goroutine.
func (j *Journal) fail(batch []pending, err error) {
	j.store.Submit(func() error { return err }, func(err error) {
		for _, p := range batch {
			if p.done != nil {
				p.done(err)
			}
		}
	})
}

// SetMaxEvents bounds how many flushed entries Trim keeps. Unlimited disables trimming.
func (j *Journal) SetMaxEvents(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.maxEvents = n
}

// Trim expires the oldest flushed entries beyond the event limit.
func (j *Journal) Trim() {
	// The bound is read without holding mu: it may call back into its owner.
	j.mu.Lock()
	safe := j.safePos
	j.mu.Unlock()

	bound := uint64(math.MaxUint64)
	if safe != nil {
		bound = safe()
	}

	j.mu.Lock()
	if j.maxEvents < 0 {
		j.mu.Unlock()
		return
	}

	target := j.readPos
	if live := j.flushedPos - j.readPos; live > uint64(j.maxEvents) {
		target = j.flushedPos - uint64(j.maxEvents)
	}

	target = min(target, bound)

	if target <= j.readPos {
		j.mu.Unlock()
		return
	}

	rank, from := j.rank, j.readPos
	j.readPos = target
	head := encodeHead(target, j.flushedPos)
	j.mu.Unlock()

	muts := make([]storage.Mutation, 0, target-from+1)
	for pos := from; pos < target; pos++ {
		muts = append(muts, storage.Mutation{Key: entryKey(rank, pos)})
	}
	muts = append(muts, storage.Mutation{Key: headKey(rank), Value: head})

	j.store.Submit(func() error {
		return j.store.Apply(muts, false)
	}, func(err error) {
		if err != nil {
			logger.Warn("journal trim failed", "rank", rank, "error", err)
			return
		}
		logger.Debug("journal trimmed", "rank", rank, "expired", target-from)
	})
}

// ReadPos returns the position of the oldest live entry.
func (j *Journal) ReadPos() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.readPos
}

// WritePos returns the position the next entry will get.
func (j *Journal) WritePos() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.writePos
}

// Len returns the number of live entries, flushed or not.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.writePos - j.readPos
}

// headKey is the key of a rank's journal head.
func headKey(r cluster.Rank) []byte {
	return binary.BigEndian.AppendUint32([]byte("jh/"), uint32(r))
}

// entryPrefix is the prefix of a rank's journal entries.
func entryPrefix(r cluster.Rank) []byte {
	return append(binary.BigEndian.AppendUint32([]byte("je/"), uint32(r)), '/')
}

// entryKey is the key of the entry at pos. Big-endian keeps keys in log order.
func entryKey(r cluster.Rank, pos uint64) []byte {
	return binary.BigEndian.AppendUint64(entryPrefix(r), pos)
}

func encodeHead(read, write uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], read)
	binary.BigEndian.PutUint64(buf[8:16], write)

	return buf
}

func decodeHead(buf []byte) (read, write uint64, err error) {
	if len(buf) != 16 {
		return 0, 0, fmt.Errorf("journal head has %d bytes, want 16", len(buf))
	}

	return binary.BigEndian.Uint64(buf[0:8]), binary.BigEndian.Uint64(buf[8:16]), nil
}

// encodeEntry compresses the payload and prefixes it with its checksum.
func encodeEntry(payload []byte) ([]byte, error) {
	compressed, err := wire.Compress(payload)
	if err != nil {
		return nil, fmt.Errorf("compress entry:\n%w", err)
	}

	sum := blake3.Sum256(compressed)

	return append(sum[:], compressed...), nil
}

// decodeEntry verifies and decompresses an entry.
func decodeEntry(value []byte) ([]byte, error) {
	if len(value) < sumSize {
		return nil, ErrCorrupt
	}

	sum := blake3.Sum256(value[sumSize:])
	if !bytes.Equal(sum[:], value[:sumSize]) {
		return nil, ErrCorrupt
	}

	payload, err := wire.Decompress(value[sumSize:])
	if err != nil {
		return nil, fmt.Errorf("decompress entry:\n%w", err)
	}

	return payload, nil
}
