package mds

import (
	"NestFS/internal/cluster"
	"NestFS/internal/gather"
	"NestFS/internal/message"
	"NestFS/internal/server"
)

// The node drives its subsystems through these contracts. Every method is
// called with the node lock held. Asynchronous methods complete their
// continuation later from another goroutine, never before returning.

// Table is a table persisted in object storage.
type Table interface {
	Load(done gather.Continuation)
	Save(done gather.Continuation)
}

// IDTable allocates inode numbers.
type IDTable interface {
	Table
	Reset()
}

// AnchorTable is the cluster-wide anchor table, served by one rank.
type AnchorTable interface {
	Table
	CreateFresh()
	FinishRecovery()
	HandleRecovery(r cluster.Rank)
	Dispatch(m *message.Message)
}

// AnchorClient talks to the anchor table on behalf of this rank.
type AnchorClient interface {
	FinishRecovery()
	HandleRecovery(r cluster.Rank)
	Dispatch(m *message.Message)
}

// Journal is the rank's metadata log.
type Journal interface {
	Reset()
	WriteHead(done gather.Continuation)
	Open(done gather.Continuation)
	Replay(done gather.Continuation)
	Flush()
	SetMaxEvents(n int)
	Trim()
	ReadPos() uint64
	WritePos() uint64
}

// Cache is the rank's metadata cache.
type Cache interface {
	CreateRoot(done gather.Continuation)
	CreateStray(done gather.Continuation)
	OpenRoot(done gather.Continuation)
	OpenStray(done gather.Continuation)
	LogImportMap(done gather.Continuation)

	SetRecoverySet(ranks []cluster.Rank)
	HandleRecovery(r cluster.Rank)
	HandleFailure(r cluster.Rank)
	SendImportMap(r cluster.Rank)
	SendCacheRejoins()

	DumpCache()
	StartRecoveredPurges() int
	ShutdownStart()
	ShutdownPass() bool
	Shutdown()
	Trim()
	Dispatch(m *message.Message)
}

// Sessions owns client sessions and client requests.
type Sessions interface {
	ReconnectClients()
	TerminateSessions()
	Sessions() []server.Session
	ClientReconnectFailure(client int32)
	Dispatch(m *message.Message)
}

// ObjectClient tracks the object storage map.
type ObjectClient interface {
	HandleStorageMap(epoch uint64)
	Epoch() uint64
	ClientIncarnation() int32
	SetClientIncarnation(inc int32)
}

// Dispatcher accepts the messages of one port.
type Dispatcher interface {
	Dispatch(m *message.Message)
}

// Balancer is a Dispatcher driven by the tick.
type Balancer interface {
	Dispatcher
	Tick()
}

// Messenger delivers messages to process instances.
type Messenger interface {
	Send(m *message.Message, to cluster.Instance) error
	MyInst() cluster.Instance
	SetMyName(name cluster.Entity)
	Close() error
}

// Collaborators are the subsystems a node coordinates.
type Collaborators struct {
	IDs          IDTable
	AnchorTable  AnchorTable
	AnchorClient AnchorClient
	Journal      Journal
	Cache        Cache
	Sessions     Sessions
	Objecter     ObjectClient
	Locker       Dispatcher
	Migrator     Dispatcher
	Balancer     Balancer
}
