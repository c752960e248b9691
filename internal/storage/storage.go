package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// queueDepth bounds the number of queued asynchronous jobs.
	queueDepth = 1024
)

// ErrClosed is reported to jobs submitted after Close.
var ErrClosed = errors.New("storage closed")

// Mutation is one write of an atomic batch. A nil Value deletes the key.
type Mutation struct {
	Key   []byte // Key is the key to write
	Value []byte // Value is the new value, nil to delete
}

// job is a unit of work for the I/O goroutine.
type job struct {
	run  func() error
	done func(error)
}

// Store is the node's local object store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine periodically
// syncs the WAL. Slow work is pushed through Submit so callers holding
// locks get their completion on the I/O goroutine instead.
type Store struct {
	db *pebble.DB // db is the underlying Pebble database

	mu     sync.Mutex
	closed bool
	jobs   chan job // jobs feeds the I/O goroutine in FIFO order

	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// Open opens or creates a store at path and starts its background goroutines.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	s := &Store{
		db:       db,
		jobs:     make(chan job, queueDepth),
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()
	s.startIOLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Store) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair.
func (s *Store) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// Apply writes all mutations atomically. With durable set the WAL is synced before returning.
func (s *Store) Apply(muts []Mutation, durable bool) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, m := range muts {
		var err error
		if m.Value == nil {
			err = batch.Delete(m.Key, nil)
		} else {
			err = batch.Set(m.Key, m.Value, nil)
		}
		if err != nil {
			return err
		}
	}

	opt := pebble.NoSync
	if durable {
		opt = pebble.Sync
	}

	return batch.Commit(opt)
}

// IteratePrefix calls fn for each key-value pair with the given prefix.
// Keys are visited in lexicographic order. If fn returns an error, iteration stops.
func (s *Store) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// DeletePrefix removes every key with the given prefix.
func (s *Store) DeletePrefix(prefix []byte) error {
	upper := prefixUpperBound(prefix)
	if upper == nil {
		return fmt.Errorf("refusing to delete unbounded prefix")
	}

	return s.db.DeleteRange(prefix, upper, pebble.NoSync)
}

// Sync forces a WAL sync to disk.
func (s *Store) Sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

// Submit queues run on the I/O goroutine and then calls done with its error.
// done always runs on another goroutine, never inside Submit.
func (s *Store) Submit(run func() error, done func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if done != nil {
			go done(ErrClosed)
		}
		return
	}

	s.jobs <- job{run: run, done: done}
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil // all 0xFF, unbounded
}

// Close drains queued jobs, stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	close(s.stopSync)
	s.wg.Wait()

	// Final sync before closing
	if err := s.Sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startIOLoop starts the goroutine that runs submitted jobs in order.
func (s *Store) startIOLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		for j := range s.jobs {
			err := j.run()
			if j.done != nil {
				j.done(err)
			}
		}
	}()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Store) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.Sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}
