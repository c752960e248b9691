package cluster

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Rank is a logical metadata-server slot in the cluster map.
type Rank int32

// NoRank is the rank of a node the map does not list.
const NoRank Rank = -1

// Instance identifies one process incarnation on the network.
// A restarted process at the same address gets a new nonce.
type Instance struct {
	Addr  string // Addr is the network address the process listens on
	Nonce uint64 // Nonce is random per process start
}

// NewInstance creates an instance for addr with a random nonce.
func NewInstance(addr string) Instance {
	var b [8]byte
	_, _ = rand.Read(b[:])

	return Instance{Addr: addr, Nonce: binary.BigEndian.Uint64(b[:])}
}

// IsZero reports whether the instance is unset.
func (i Instance) IsZero() bool {
	return i.Addr == "" && i.Nonce == 0
}

func (i Instance) String() string {
	return fmt.Sprintf("%s/%x", i.Addr, i.Nonce)
}

// Kind is the role of a logical message source.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindMon
	KindMDS
	KindClient
	KindOSD
)

func (k Kind) String() string {
	switch k {
	case KindMon:
		return "mon"
	case KindMDS:
		return "mds"
	case KindClient:
		return "client"
	case KindOSD:
		return "osd"
	default:
		return "unknown"
	}
}

// Entity is the declared logical name of a message source, e.g. mds.3.
type Entity struct {
	Kind Kind  // Kind is the role of the entity
	Num  int32 // Num is the rank or client id, -1 when unassigned
}

// MDS returns the entity name of rank r.
func MDS(r Rank) Entity {
	return Entity{Kind: KindMDS, Num: int32(r)}
}

// Client returns the entity name of client id.
func Client(id int32) Entity {
	return Entity{Kind: KindClient, Num: id}
}

// Mon returns the entity name of monitor n.
func Mon(n int32) Entity {
	return Entity{Kind: KindMon, Num: n}
}

// IsMDS reports whether the entity is a metadata server.
func (e Entity) IsMDS() bool {
	return e.Kind == KindMDS
}

// Rank returns the entity number as a rank.
func (e Entity) Rank() Rank {
	return Rank(e.Num)
}

func (e Entity) String() string {
	return fmt.Sprintf("%s.%d", e.Kind, e.Num)
}

// MonMap lists the monitor quorum members.
type MonMap struct {
	mons []Instance
	next atomic.Uint32
}

// NewMonMap creates a monitor map over the given instances.
func NewMonMap(mons ...Instance) *MonMap {
	return &MonMap{mons: append([]Instance(nil), mons...)}
}

// PickMon returns the next monitor in rotation.
// Returns the zero instance when the map is empty.
func (m *MonMap) PickMon() Instance {
	if len(m.mons) == 0 {
		return Instance{}
	}

	n := m.next.Add(1) - 1

	return m.mons[int(n)%len(m.mons)]
}

// Len returns the number of monitors.
func (m *MonMap) Len() int {
	return len(m.mons)
}

// Mons returns a copy of the monitor instances.
func (m *MonMap) Mons() []Instance {
	return append([]Instance(nil), m.mons...)
}
