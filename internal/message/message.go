package message

import (
	"fmt"

	"NestFS/internal/cluster"
	"NestFS/internal/mdsmap"
)

// Port selects the subsystem a message is delivered to.
type Port uint16

const (
	PortMain Port = iota + 1
	PortServer
	PortCache
	PortLocker
	PortMigrator
	PortBalancer
	PortAnchorTable
	PortAnchorClient
	PortRenamer
	PortClient
	PortMonitor
)

func (p Port) String() string {
	switch p {
	case PortMain:
		return "main"
	case PortServer:
		return "server"
	case PortCache:
		return "cache"
	case PortLocker:
		return "locker"
	case PortMigrator:
		return "migrator"
	case PortBalancer:
		return "balancer"
	case PortAnchorTable:
		return "anchortable"
	case PortAnchorClient:
		return "anchorclient"
	case PortRenamer:
		return "renamer"
	case PortClient:
		return "client"
	case PortMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("port(%d)", uint16(p))
	}
}

// Valid reports whether p is a known port.
func (p Port) Valid() bool {
	return p >= PortMain && p <= PortMonitor
}

// Type is the wire tag of a message body.
type Type uint16

const (
	TypeMDSMap Type = iota + 1
	TypeStorageMap
	TypeStorageMapRequest
	TypeBeacon
	TypeBeaconAck
	TypePing
	TypePingAck
	TypeShutdownStart
	TypeClientSession
	TypeClientRequest
	TypeClientRequestForward
	TypeClientReply
	TypeImportMap
	TypeCacheRejoin
	TypeAnchor
	TypeGeneric
)

var typeNames = map[Type]string{
	TypeMDSMap:               "mdsmap",
	TypeStorageMap:           "osdmap",
	TypeStorageMapRequest:    "osdmap_request",
	TypeBeacon:               "beacon",
	TypeBeaconAck:            "beacon_ack",
	TypePing:                 "ping",
	TypePingAck:              "ping_ack",
	TypeShutdownStart:        "shutdown_start",
	TypeClientSession:        "client_session",
	TypeClientRequest:        "client_request",
	TypeClientRequestForward: "client_request_forward",
	TypeClientReply:          "client_reply",
	TypeImportMap:            "import_map",
	TypeCacheRejoin:          "cache_rejoin",
	TypeAnchor:               "anchor",
	TypeGeneric:              "generic",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("type(%d)", uint16(t))
}

// Body is the payload of a message. The set of bodies is closed:
// only the types in this package implement it.
type Body interface {
	Type() Type
	body()
}

// Message is the unit exchanged between cluster processes.
type Message struct {
	Port       Port             // Port is the destination subsystem
	Source     cluster.Entity   // Source is the declared logical sender
	SourceInst cluster.Instance // SourceInst is the sending process
	Body       Body             // Body is the typed payload
}

// New creates a message for port carrying body.
func New(port Port, body Body) *Message {
	return &Message{Port: port, Body: body}
}

// Type returns the tag of the message body.
func (m *Message) Type() Type {
	return m.Body.Type()
}

func (m *Message) String() string {
	return fmt.Sprintf("%s from %s on %s", m.Type(), m.Source, m.Port)
}

// MDSMap carries a cluster map snapshot.
type MDSMap struct {
	Map *mdsmap.Map
}

// StorageMap announces the object storage map epoch.
type StorageMap struct {
	Epoch uint64
}

// StorageMapRequest asks a monitor for a storage map newer than Have.
type StorageMapRequest struct {
	Have uint64
}

// Beacon is the heartbeat a metadata server sends to a monitor.
type Beacon struct {
	Inst  cluster.Instance // Inst is the sending process
	State mdsmap.State     // State is the state the sender wants
	Seq   uint64           // Seq increases with every beacon
}

// BeaconAck is a monitor's reply to a Beacon.
type BeaconAck struct {
	State mdsmap.State // State is the sender's state in the monitor's map
	Seq   uint64       // Seq echoes the acknowledged beacon
}

// Ping asks the receiver for a PingAck.
type Ping struct {
	Seq uint64
}

// PingAck answers a Ping.
type PingAck struct {
	Seq uint64
}

// ShutdownStart asks a rank to begin a clean cluster shutdown.
type ShutdownStart struct{}

// SessionOp is a client session operation.
type SessionOp uint8

const (
	SessionOpen SessionOp = iota + 1
	SessionClose
	SessionReconnect
)

// ClientSession opens, closes or reconnects a client session.
type ClientSession struct {
	Op     SessionOp
	Seq    uint64
	Client int32 // Client is the session owner, used when the message is bounced back
}

// ClientRequest is a metadata operation issued by a client.
type ClientRequest struct {
	Tid        uint64           // Tid is the client's transaction id
	Client     int32            // Client is the issuing client id
	ClientInst cluster.Instance // ClientInst is where replies go
	NumFwd     int32            // NumFwd counts how often the request was forwarded
	Idempotent bool             // Idempotent requests may be resent by a forwarder
	Op         string           // Op is the operation name
	Path       string           // Path is the target path
}

// ClientRequestForward tells a client its request moved to another rank.
type ClientRequestForward struct {
	Tid    uint64
	Dest   cluster.Rank
	NumFwd int32
}

// ClientReply completes a client request.
type ClientReply struct {
	Tid    uint64
	Result int32
	Ino    uint64
}

// ImportMap lists the subtrees a rank is authoritative for.
type ImportMap struct {
	Subtrees []uint64
}

// RejoinOp distinguishes rejoin requests from acknowledgements.
type RejoinOp uint8

const (
	RejoinWeak RejoinOp = iota + 1
	RejoinAck
)

// CacheRejoin rebuilds replica state between ranks after recovery.
type CacheRejoin struct {
	Op       RejoinOp
	Subtrees []uint64
}

// AnchorOp is an anchor table operation.
type AnchorOp uint8

const (
	AnchorCreatePrepare AnchorOp = iota + 1
	AnchorCreateAgree
	AnchorDestroyPrepare
	AnchorDestroyAgree
	AnchorCommit
	AnchorAck
	AnchorLookup
	AnchorLookupReply
)

// Anchor is an anchor table request or reply.
type Anchor struct {
	Op     AnchorOp
	Ino    uint64
	Parent uint64
	ReqID  uint64
}

// Generic carries traffic for subsystems whose protocol is opaque to the core.
type Generic struct {
	Op   string
	Data []byte
}

func (*MDSMap) Type() Type               { return TypeMDSMap }
func (*StorageMap) Type() Type           { return TypeStorageMap }
func (*StorageMapRequest) Type() Type    { return TypeStorageMapRequest }
func (*Beacon) Type() Type               { return TypeBeacon }
func (*BeaconAck) Type() Type            { return TypeBeaconAck }
func (*Ping) Type() Type                 { return TypePing }
func (*PingAck) Type() Type              { return TypePingAck }
func (*ShutdownStart) Type() Type        { return TypeShutdownStart }
func (*ClientSession) Type() Type        { return TypeClientSession }
func (*ClientRequest) Type() Type        { return TypeClientRequest }
func (*ClientRequestForward) Type() Type { return TypeClientRequestForward }
func (*ClientReply) Type() Type          { return TypeClientReply }
func (*ImportMap) Type() Type            { return TypeImportMap }
func (*CacheRejoin) Type() Type          { return TypeCacheRejoin }
func (*Anchor) Type() Type               { return TypeAnchor }
func (*Generic) Type() Type              { return TypeGeneric }

func (*MDSMap) body()               {}
func (*StorageMap) body()           {}
func (*StorageMapRequest) body()    {}
func (*Beacon) body()               {}
func (*BeaconAck) body()            {}
func (*Ping) body()                 {}
func (*PingAck) body()              {}
func (*ShutdownStart) body()        {}
func (*ClientSession) body()        {}
func (*ClientRequest) body()        {}
func (*ClientRequestForward) body() {}
func (*ClientReply) body()          {}
func (*ImportMap) body()            {}
func (*CacheRejoin) body()          {}
func (*Anchor) body()               {}
func (*Generic) body()              {}
