package cache

import (
	"encoding/binary"
	"sync"

	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
)

// Locker answers lock traffic from peers. Every lock is granted immediately.
type Locker struct {
	host Host

	mu      sync.Mutex
	granted uint64
}

// NewLocker creates a lock endpoint.
func NewLocker(host Host) *Locker {
	return &Locker{host: host}
}

// Dispatch grants "lock" requests and ignores everything else.
func (l *Locker) Dispatch(m *message.Message) {
	g, ok := m.Body.(*message.Generic)
	if !ok || g.Op != "lock" {
		logger.Debug("locker dropped message", "type", m.Type(), "from", m.Source)
		return
	}

	l.mu.Lock()
	l.granted++
	l.mu.Unlock()

	reply := message.New(message.PortLocker, &message.Generic{Op: "grant", Data: g.Data})
	if err := l.host.SendToPeer(reply, m.Source.Rank(), message.PortLocker); err != nil {
		logger.Warn("send lock grant failed", "rank", m.Source.Rank(), "error", err)
	}
}

// Granted returns the number of locks granted.
func (l *Locker) Granted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.granted
}

// Migrator receives subtree export traffic. Subtrees never move, so exports are refused.
type Migrator struct {
	host Host
}

// NewMigrator creates a migration endpoint.
func NewMigrator(host Host) *Migrator {
	return &Migrator{host: host}
}

// Dispatch refuses every export offer.
func (mg *Migrator) Dispatch(m *message.Message) {
	g, ok := m.Body.(*message.Generic)
	if !ok || g.Op != "export" {
		logger.Debug("migrator dropped message", "type", m.Type(), "from", m.Source)
		return
	}

	reply := message.New(message.PortMigrator, &message.Generic{Op: "export_refused", Data: g.Data})
	if err := mg.host.SendToPeer(reply, m.Source.Rank(), message.PortMigrator); err != nil {
		logger.Warn("send export refusal failed", "rank", m.Source.Rank(), "error", err)
	}
}

// Balancer exchanges load figures between active ranks.
type Balancer struct {
	host Host

	mu    sync.Mutex
	hits  uint64
	loads map[cluster.Rank]uint64
}

// NewBalancer creates a balancer.
func NewBalancer(host Host) *Balancer {
	return &Balancer{host: host, loads: map[cluster.Rank]uint64{}}
}

// Hit counts one served request toward this rank's load.
func (b *Balancer) Hit() {
	b.mu.Lock()
	b.hits++
	b.mu.Unlock()
}

// Tick publishes the load since the last tick to every other active rank.
func (b *Balancer) Tick() {
	b.mu.Lock()
	load := b.hits
	b.hits = 0
	b.mu.Unlock()

	me := b.host.Whoami()
	data := binary.BigEndian.AppendUint64(nil, load)

	for _, r := range b.host.Map().Ranks(mdsmap.StateActive) {
		if r == me {
			continue
		}

		m := message.New(message.PortBalancer, &message.Generic{Op: "load", Data: data})
		if err := b.host.SendToPeer(m, r, message.PortBalancer); err != nil {
			logger.Debug("send load failed", "rank", r, "error", err)
		}
	}
}

// Dispatch records a peer's load.
func (b *Balancer) Dispatch(m *message.Message) {
	g, ok := m.Body.(*message.Generic)
	if !ok || g.Op != "load" || len(g.Data) != 8 {
		logger.Debug("balancer dropped message", "type", m.Type(), "from", m.Source)
		return
	}

	b.mu.Lock()
	b.loads[m.Source.Rank()] = binary.BigEndian.Uint64(g.Data)
	b.mu.Unlock()
}

// Loads returns the last load reported by each peer.
func (b *Balancer) Loads() map[cluster.Rank]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[cluster.Rank]uint64, len(b.loads))
	for r, l := range b.loads {
		out[r] = l
	}

	return out
}
