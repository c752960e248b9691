// Package anchor keeps the anchor table, which maps multiply-linked inodes to their
// parent directory, and the client every rank uses to update it.
package anchor

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"NestFS/internal/cluster"
	"NestFS/internal/gather"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
	"NestFS/internal/storage"
)

// Host is the part of the metadata server the anchor code talks to.
type Host interface {
	Whoami() cluster.Rank
	Map() *mdsmap.Map
	SendToPeer(m *message.Message, r cluster.Rank, port message.Port) error
}

// Entry is one anchored inode.
type Entry struct {
	Parent uint64 // Parent is the directory holding the primary link
	Refs   int32  // Refs counts the anchors taken on the inode
}

// prepared is a two-phase update agreed but not yet committed.
type prepared struct {
	op     message.AnchorOp
	ino    uint64
	parent uint64
	from   cluster.Rank
}

// outgoing is a reply built under the lock and sent after releasing it.
type outgoing struct {
	body *message.Anchor
	to   cluster.Rank
}

// Table is the authoritative anchor table, held by one rank.
type Table struct {
	host  Host
	store *storage.Store

	mu      sync.Mutex
	version uint64
	anchors map[uint64]Entry
	pending map[uint64]prepared // pending is keyed by request id
}

// NewTable creates an empty table.
func NewTable(host Host, store *storage.Store) *Table {
	return &Table{
		host:    host,
		store:   store,
		anchors: map[uint64]Entry{},
		pending: map[uint64]prepared{},
	}
}

// CreateFresh empties the table for a new cluster.
func (t *Table) CreateFresh() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.version = 1
	t.anchors = map[uint64]Entry{}
	t.pending = map[uint64]prepared{}
}

// Lookup returns the entry for ino.
func (t *Table) Lookup(ino uint64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.anchors[ino]
	return e, ok
}

// Dispatch handles a request from an anchor client.
func (t *Table) Dispatch(m *message.Message) {
	req, ok := m.Body.(*message.Anchor)
	if !ok {
		logger.Warn("anchor table dropping message", "msg", m)
		return
	}

	from := m.Source.Rank()

	t.mu.Lock()
	var reply *message.Anchor

	switch req.Op {
	case message.AnchorCreatePrepare, message.AnchorDestroyPrepare:
		t.pending[req.ReqID] = prepared{op: req.Op, ino: req.Ino, parent: req.Parent, from: from}
		reply = &message.Anchor{Op: agreeFor(req.Op), Ino: req.Ino, ReqID: req.ReqID}

	case message.AnchorCommit:
		if p, ok := t.pending[req.ReqID]; ok {
			t.apply(p)
			delete(t.pending, req.ReqID)
		}
		reply = &message.Anchor{Op: message.AnchorAck, Ino: req.Ino, ReqID: req.ReqID}

	case message.AnchorLookup:
		e := t.anchors[req.Ino]
		reply = &message.Anchor{Op: message.AnchorLookupReply, Ino: req.Ino, Parent: e.Parent, ReqID: req.ReqID}

	default:
		logger.Warn("anchor table unexpected op", "op", req.Op, "from", from)
	}
	t.mu.Unlock()

	if req.Op == message.AnchorCommit {
		t.Save(func(err error) {
			if err != nil {
				logger.Error("anchor table save failed", "error", err)
			}
		})
	}

	if reply != nil {
		t.send(reply, from)
	}
}

// apply commits a prepared update. Caller holds mu.
func (t *Table) apply(p prepared) {
	t.version++

	switch p.op {
	case message.AnchorCreatePrepare:
		e := t.anchors[p.ino]
		e.Parent = p.parent
		e.Refs++
		t.anchors[p.ino] = e

	case message.AnchorDestroyPrepare:
		e, ok := t.anchors[p.ino]
		if !ok {
			return
		}
		if e.Refs--; e.Refs <= 0 {
			delete(t.anchors, p.ino)
		} else {
			t.anchors[p.ino] = e
		}
	}
}

// FinishRecovery resends agreements for every prepared update once this rank is active again.
func (t *Table) FinishRecovery() {
	t.resendAgrees(func(cluster.Rank) bool { return true })
}

// HandleRecovery resends agreements to a rank that just recovered.
func (t *Table) HandleRecovery(r cluster.Rank) {
	t.resendAgrees(func(from cluster.Rank) bool { return from == r })
}

// resendAgrees replays AGREE messages for pending updates matching want.
func (t *Table) resendAgrees(want func(cluster.Rank) bool) {
	t.mu.Lock()
	ids := make([]uint64, 0, len(t.pending))
	for id, p := range t.pending {
		if want(p.from) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	msgs := make([]outgoing, 0, len(ids))
	for _, id := range ids {
		p := t.pending[id]
		msgs = append(msgs, outgoing{body: &message.Anchor{Op: agreeFor(p.op), Ino: p.ino, ReqID: id}, to: p.from})
	}
	t.mu.Unlock()

	for _, m := range msgs {
		t.send(m.body, m.to)
	}
}

func (t *Table) send(body *message.Anchor, to cluster.Rank) {
	if err := t.host.SendToPeer(message.New(message.PortAnchorClient, body), to, message.PortAnchorClient); err != nil {
		logger.Debug("anchor table reply not sent", "to", to, "error", err)
	}
}

// Save persists the table. done runs on the I/O goroutine.
func (t *Table) Save(done gather.Continuation) {
	t.mu.Lock()
	value := t.encode()
	t.mu.Unlock()

	t.store.Submit(func() error {
		if err := t.store.Apply([]storage.Mutation{{Key: []byte(tableKey), Value: value}}, true); err != nil {
			return fmt.Errorf("save anchor table:\n%w", err)
		}
		return nil
	}, done)
}

// Load reads the persisted table. A missing table loads as empty.
func (t *Table) Load(done gather.Continuation) {
	t.store.Submit(func() error {
		raw, err := t.store.Get([]byte(tableKey))
		if err != nil {
			return fmt.Errorf("load anchor table:\n%w", err)
		}

		t.mu.Lock()
		defer t.mu.Unlock()

		if raw == nil {
			t.anchors = map[uint64]Entry{}
			return nil
		}

		return t.decode(raw)
	}, done)
}

const tableKey = "t/anchortable"

// encode serializes the anchors. Caller holds mu.
// Layout: version(8) | count(4) | (ino(8) parent(8) refs(4))*
func (t *Table) encode() []byte {
	inos := make([]uint64, 0, len(t.anchors))
	for ino := range t.anchors {
		inos = append(inos, ino)
	}
	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })

	buf := make([]byte, 12, 12+20*len(inos))
	binary.LittleEndian.PutUint64(buf[0:8], t.version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(inos)))

	for _, ino := range inos {
		e := t.anchors[ino]
		buf = binary.LittleEndian.AppendUint64(buf, ino)
		buf = binary.LittleEndian.AppendUint64(buf, e.Parent)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Refs))
	}

	return buf
}

// decode replaces the anchors. Caller holds mu.
func (t *Table) decode(buf []byte) error {
	if len(buf) < 12 {
		return fmt.Errorf("anchor table too short: %d bytes", len(buf))
	}

	n := int(binary.LittleEndian.Uint32(buf[8:12]))
	if len(buf) != 12+20*n {
		return fmt.Errorf("anchor table has %d bytes for %d entries", len(buf), n)
	}

	t.version = binary.LittleEndian.Uint64(buf[0:8])
	t.anchors = make(map[uint64]Entry, n)

	for i := range n {
		off := 12 + 20*i
		ino := binary.LittleEndian.Uint64(buf[off:])
		t.anchors[ino] = Entry{
			Parent: binary.LittleEndian.Uint64(buf[off+8:]),
			Refs:   int32(binary.LittleEndian.Uint32(buf[off+16:])),
		}
	}

	return nil
}

func agreeFor(op message.AnchorOp) message.AnchorOp {
	if op == message.AnchorDestroyPrepare {
		return message.AnchorDestroyAgree
	}

	return message.AnchorCreateAgree
}
