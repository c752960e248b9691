// Package cache holds the metadata server's directory cache and the
// recovery exchanges (import maps, rejoins) it runs with peer ranks.
package cache

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"NestFS/internal/cluster"
	"NestFS/internal/gather"
	"NestFS/internal/journal"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
	"NestFS/internal/storage"
)

// DefaultLimit is the default number of resolved paths kept after a trim.
const DefaultLimit = 4096

// Host is the part of the metadata server the cache calls back into.
// Every method is called with the server lock held.
type Host interface {
	Whoami() cluster.Rank
	Map() *mdsmap.Map
	SendToPeer(m *message.Message, r cluster.Rank, port message.Port) error
	RequestState(s mdsmap.State)
	IsResolve() bool
	IsRejoin() bool
}

// Stats summarizes the cache for status reports.
type Stats struct {
	Dirs     int  `json:"dirs"`
	Dirty    int  `json:"dirty"`
	Paths    int  `json:"paths"`
	Subtrees int  `json:"subtrees"`
	Stopping bool `json:"stopping"`
}

// Cache is the in-memory namespace of one rank.
type Cache struct {
	host    Host
	store   *storage.Store
	journal *journal.Journal

	mu         sync.Mutex
	dirs       map[uint64]*Dir
	deleted    map[uint64]bool // deleted dirs whose objects still need removal
	paths      *lru.Cache[string, Dentry]
	limit      int
	subtrees   map[uint64]bool
	recovery   map[cluster.Rank]bool
	resolved   map[cluster.Rank]bool // resolved holds peers whose import map arrived
	rejoinWait map[cluster.Rank]bool
	resolveReq bool
	rejoinReq  bool
	stopping   bool
	inflight   int    // inflight counts commits not yet durable
	safe       uint64 // safe is the journal position covered by the last full commit
}

// New creates a cache and registers it as the journal's replayer.
func New(host Host, store *storage.Store, j *journal.Journal, limit int) (*Cache, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	// Capacity above limit leaves room between trims.
	paths, err := lru.New[string, Dentry](4 * limit)
	if err != nil {
		return nil, fmt.Errorf("create path cache:\n%w", err)
	}

	c := &Cache{
		host:       host,
		store:      store,
		journal:    j,
		dirs:       map[uint64]*Dir{},
		deleted:    map[uint64]bool{},
		paths:      paths,
		limit:      limit,
		subtrees:   map[uint64]bool{},
		recovery:   map[cluster.Rank]bool{},
		resolved:   map[cluster.Rank]bool{},
		rejoinWait: map[cluster.Rank]bool{},
	}

	j.SetReplayer(c)
	j.SetSafePos(c.safePos)

	return c, nil
}

// CreateRoot creates and commits an empty root directory.
func (c *Cache) CreateRoot(done gather.Continuation) {
	c.createDir(RootIno, done)
}

// CreateStray creates and commits this rank's empty stray directory.
func (c *Cache) CreateStray(done gather.Continuation) {
	c.createDir(StrayIno(c.host.Whoami()), done)
}

func (c *Cache) createDir(ino uint64, done gather.Continuation) {
	c.mu.Lock()
	d := newDir(ino)
	d.markDirty()
	c.dirs[ino] = d
	c.subtrees[ino] = true
	c.mu.Unlock()

	c.commit([]uint64{ino}, false, done)
}

// OpenRoot loads the committed namespace and requires a root directory.
func (c *Cache) OpenRoot(done gather.Continuation) {
	c.store.Submit(func() error {
		if err := c.loadAll(); err != nil {
			return err
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if _, ok := c.dirs[RootIno]; !ok {
			return fmt.Errorf("open root:\n%w", ErrNotFound)
		}
		c.subtrees[RootIno] = true

		return nil
	}, done)
}

// OpenStray loads this rank's stray directory, creating it when missing.
func (c *Cache) OpenStray(done gather.Continuation) {
	ino := StrayIno(c.host.Whoami())

	c.store.Submit(func() error {
		raw, err := c.store.Get(dirKey(ino))
		if err != nil {
			return fmt.Errorf("open stray %x:\n%w", ino, err)
		}

		d := newDir(ino)
		if raw != nil {
			if d, err = decodeDir(ino, raw); err != nil {
				return err
			}
		} else {
			d.markDirty()
		}

		c.mu.Lock()
		if _, ok := c.dirs[ino]; !ok {
			c.dirs[ino] = d
		}
		c.subtrees[ino] = true
		c.mu.Unlock()

		return nil
	}, done)
}

// loadAll reads every committed directory not already cached. Runs on the I/O goroutine.
func (c *Cache) loadAll() error {
	loaded := map[uint64]*Dir{}

	err := c.store.IteratePrefix([]byte("d/"), func(key, value []byte) error {
		if len(key) != 10 {
			return nil
		}

		ino := binary.BigEndian.Uint64(key[2:])

		d, err := decodeDir(ino, value)
		if err != nil {
			return err
		}
		loaded[ino] = d

		return nil
	})
	if err != nil {
		return fmt.Errorf("load directories:\n%w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for ino, d := range loaded {
		if _, ok := c.dirs[ino]; !ok {
			c.dirs[ino] = d
		}
	}

	return nil
}

// BeginReplay loads the committed namespace before journal events are applied.
func (c *Cache) BeginReplay() error {
	return c.loadAll()
}

// ReplayEvent applies one journaled event.
func (c *Cache) ReplayEvent(payload []byte) error {
	e, err := decodeEvent(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.apply(e)

	return nil
}

// apply performs an event on the cache. Events are idempotent. Caller holds mu.
func (c *Cache) apply(e *event) {
	switch e.kind {
	case evImportMap:
		c.subtrees = make(map[uint64]bool, len(e.subtrees))
		for _, s := range e.subtrees {
			c.subtrees[s] = true
		}

	case evLink:
		parent := c.dirOrCreate(e.parent)
		parent.Entries[e.name] = Dentry{Ino: e.ino, IsDir: e.isDir}
		parent.markDirty()

		if e.isDir {
			if _, ok := c.dirs[e.ino]; !ok {
				c.dirOrCreate(e.ino).markDirty()
			}
		}
		c.paths.Purge()

	case evUnlink:
		parent := c.dirOrCreate(e.parent)
		delete(parent.Entries, e.name)
		parent.markDirty()

		stray := c.dirOrCreate(e.stray)
		stray.Entries[strayName(e.ino)] = Dentry{Ino: e.ino, IsDir: e.isDir}
		stray.markDirty()
		c.paths.Purge()

	case evPurge:
		stray := c.dirOrCreate(e.parent)
		delete(stray.Entries, e.name)
		stray.markDirty()

		if e.isDir {
			delete(c.dirs, e.ino)
			c.deleted[e.ino] = true
		}
	}
}

// dirOrCreate returns the cached directory ino, creating an empty one. Caller holds mu.
func (c *Cache) dirOrCreate(ino uint64) *Dir {
	d, ok := c.dirs[ino]
	if !ok {
		d = newDir(ino)
		c.dirs[ino] = d
		delete(c.deleted, ino)
	}

	return d
}

func strayName(ino uint64) string {
	return fmt.Sprintf("%016x", ino)
}

// Lookup resolves an absolute path.
func (c *Cache) Lookup(path string) (Dentry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.paths.Get(path); ok {
		return d, nil
	}

	parent, name, err := c.resolveParent(path)
	if err != nil {
		return Dentry{}, err
	}

	if name == "" {
		return Dentry{Ino: RootIno, IsDir: true}, nil
	}

	d, ok := c.dirs[parent].Entries[name]
	if !ok {
		return Dentry{}, fmt.Errorf("%s:\n%w", path, ErrNotFound)
	}
	c.paths.Add(path, d)

	return d, nil
}

// resolveParent walks to the directory holding the last path component. Caller holds mu.
func (c *Cache) resolveParent(path string) (uint64, string, error) {
	parts, name, err := splitPath(path)
	if err != nil {
		return 0, "", err
	}

	cur := RootIno
	if _, ok := c.dirs[cur]; !ok {
		return 0, "", fmt.Errorf("root not open:\n%w", ErrNotFound)
	}

	for _, p := range parts {
		e, ok := c.dirs[cur].Entries[p]
		if !ok {
			return 0, "", fmt.Errorf("%s:\n%w", p, ErrNotFound)
		}
		if !e.IsDir {
			return 0, "", fmt.Errorf("%s:\n%w", p, ErrNotDir)
		}
		if _, ok := c.dirs[e.Ino]; !ok {
			return 0, "", fmt.Errorf("dir %x not cached:\n%w", e.Ino, ErrNotFound)
		}
		cur = e.Ino
	}

	return cur, name, nil
}

// Link adds path pointing to ino and returns the journal event to submit.
func (c *Cache) Link(path string, ino uint64, isDir bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, name, err := c.resolveParent(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("/:\n%w", ErrExist)
	}
	if _, ok := c.dirs[parent].Entries[name]; ok {
		return nil, fmt.Errorf("%s:\n%w", path, ErrExist)
	}

	e := &event{kind: evLink, parent: parent, name: name, ino: ino, isDir: isDir}
	c.apply(e)

	return e.encode(), nil
}

// Unlink moves path into this rank's stray directory and returns the journal event.
func (c *Cache) Unlink(path string) (Dentry, []byte, error) {
	stray := StrayIno(c.host.Whoami())

	c.mu.Lock()
	defer c.mu.Unlock()

	parent, name, err := c.resolveParent(path)
	if err != nil {
		return Dentry{}, nil, err
	}
	if name == "" {
		return Dentry{}, nil, fmt.Errorf("/:\n%w", ErrInvalid)
	}

	d, ok := c.dirs[parent].Entries[name]
	if !ok {
		return Dentry{}, nil, fmt.Errorf("%s:\n%w", path, ErrNotFound)
	}
	if sub, ok := c.dirs[d.Ino]; d.IsDir && ok && len(sub.Entries) > 0 {
		return Dentry{}, nil, fmt.Errorf("%s:\n%w", path, ErrNotEmpty)
	}

	e := &event{kind: evUnlink, parent: parent, name: name, ino: d.Ino, isDir: d.IsDir, stray: stray}
	c.apply(e)

	return d, e.encode(), nil
}

// StartRecoveredPurges purges inodes left in the stray directory and returns how many.
func (c *Cache) StartRecoveredPurges() int {
	stray := StrayIno(c.host.Whoami())

	c.mu.Lock()
	dir, ok := c.dirs[stray]
	if !ok {
		c.mu.Unlock()
		return 0
	}

	names := make([]string, 0, len(dir.Entries))
	for name := range dir.Entries {
		names = append(names, name)
	}
	slices.Sort(names)

	events := make([][]byte, 0, len(names))
	for _, name := range names {
		d := dir.Entries[name]
		e := &event{kind: evPurge, parent: stray, name: name, ino: d.Ino, isDir: d.IsDir}
		c.apply(e)
		events = append(events, e.encode())
	}
	c.mu.Unlock()

	for _, payload := range events {
		c.journal.Submit(payload, nil)
	}

	if len(events) > 0 {
		logger.Info("purging recovered strays", "count", len(events))
	}

	return len(events)
}

// LogImportMap journals the current subtree authority.
func (c *Cache) LogImportMap(done gather.Continuation) {
	e := &event{kind: evImportMap, subtrees: c.Subtrees()}

	c.journal.Submit(e.encode(), done)
	c.journal.Flush()
}

// Subtrees returns the sorted subtree roots this rank is authoritative for.
func (c *Cache) Subtrees() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]uint64, 0, len(c.subtrees))
	for s := range c.subtrees {
		out = append(out, s)
	}
	slices.Sort(out)

	return out
}

// commit writes dirty directories among inos. With all set the commit covers
// every dirty directory and advances the journal's safe trim position.
// done, when set, always runs on the I/O goroutine.
func (c *Cache) commit(inos []uint64, all bool, done gather.Continuation) {
	mark := c.journal.WritePos()

	c.mu.Lock()
	var (
		muts      []storage.Mutation
		committed []uint64
	)

	for _, ino := range inos {
		d, ok := c.dirs[ino]
		if !ok || !d.dirty {
			continue
		}
		muts = append(muts, storage.Mutation{Key: dirKey(ino), Value: d.encode()})
		committed = append(committed, ino)
		d.dirty = false
	}

	var removed []uint64
	if all {
		for ino := range c.deleted {
			muts = append(muts, storage.Mutation{Key: dirKey(ino)})
			removed = append(removed, ino)
		}
		clear(c.deleted)
	}

	if len(muts) == 0 {
		c.mu.Unlock()
		if done != nil {
			c.store.Submit(func() error { return nil }, done)
		}
		return
	}

	c.inflight++
	c.mu.Unlock()

	c.store.Submit(func() error {
		return c.store.Apply(muts, true)
	}, func(err error) {
		c.mu.Lock()
		c.inflight--

		if err != nil {
			for _, ino := range committed {
				if d, ok := c.dirs[ino]; ok {
					d.dirty = true
				}
			}
			for _, ino := range removed {
				c.deleted[ino] = true
			}
		} else if all && mark > c.safe {
			c.safe = mark
		}
		c.mu.Unlock()

		if err != nil {
			logger.Warn("directory commit failed", "dirs", len(committed), "error", err)
		}

		if done != nil {
			done(err)
		}
	})
}

// commitDirty commits every dirty directory.
func (c *Cache) commitDirty() {
	c.mu.Lock()
	inos := make([]uint64, 0)
	for ino, d := range c.dirs {
		if d.dirty {
			inos = append(inos, ino)
		}
	}
	pending := len(inos) > 0 || len(c.deleted) > 0
	c.mu.Unlock()

	if pending {
		c.commit(inos, true, nil)
	}
}

// dirtyCount returns the number of directories awaiting a commit. Caller holds mu.
func (c *Cache) dirtyCount() int {
	n := len(c.deleted)
	for _, d := range c.dirs {
		if d.dirty {
			n++
		}
	}

	return n
}

// safePos bounds journal trimming to events whose effects are committed.
func (c *Cache) safePos() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dirtyCount() == 0 && c.inflight == 0 {
		return math.MaxUint64
	}

	return c.safe
}

// Trim evicts resolved paths beyond the limit and writes back dirty directories.
func (c *Cache) Trim() {
	c.mu.Lock()
	for c.paths.Len() > c.limit {
		c.paths.RemoveOldest()
	}
	c.mu.Unlock()

	c.commitDirty()
}

// Stats returns a summary of the cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Dirs:     len(c.dirs),
		Dirty:    c.dirtyCount(),
		Paths:    c.paths.Len(),
		Subtrees: len(c.subtrees),
		Stopping: c.stopping,
	}
}

// DumpCache logs the cache contents.
func (c *Cache) DumpCache() {
	st := c.Stats()
	logger.Info("cache dump",
		"dirs", st.Dirs,
		"dirty", st.Dirty,
		"paths", st.Paths,
		"subtrees", c.Subtrees(),
	)

	c.mu.Lock()
	defer c.mu.Unlock()

	for ino, d := range c.dirs {
		logger.Debug("cached dir", "ino", fmt.Sprintf("%x", ino), "version", d.Version, "entries", len(d.Entries), "dirty", d.dirty)
	}
}

// ShutdownStart marks the cache as draining and lets the journal trim to empty.
func (c *Cache) ShutdownStart() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()

	c.journal.SetMaxEvents(0)

	logger.Info("cache shutdown started")
}

// ShutdownPass pushes pending state to disk and reports whether the cache is drained:
// nothing dirty, no commit in flight and an empty journal.
func (c *Cache) ShutdownPass() bool {
	c.journal.Flush()
	c.commitDirty()
	c.journal.Trim()

	c.mu.Lock()
	drained := c.dirtyCount() == 0 && c.inflight == 0
	c.mu.Unlock()

	return drained && c.journal.Len() == 0
}

// Shutdown drops every cached object.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirs = map[uint64]*Dir{}
	clear(c.deleted)
	c.paths.Purge()
	clear(c.subtrees)
}
