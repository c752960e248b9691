package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"NestFS/internal/cluster"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
	"NestFS/internal/wire/fb"
)

const (
	// flagIdempotent marks a client request that may be resent by a forwarder.
	flagIdempotent uint32 = 1 << 0
)

// fields is the flat view of an envelope shared by Encode and Decode.
type fields struct {
	typ        message.Type
	port       message.Port
	source     cluster.Entity
	sourceInst cluster.Instance
	seq        uint64
	state      int32
	rank       int32
	count      int32
	flags      uint32
	op         string
	path       string
	clientInst cluster.Instance
	client     int32
	ino        uint64
	parent     uint64
	subtrees   []uint64
	body       []byte
	subop      uint8
}

// Encode serializes a message into a flatbuffers envelope.
func Encode(m *message.Message) ([]byte, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("message has no body")
	}

	f := fields{
		typ:        m.Type(),
		port:       m.Port,
		source:     m.Source,
		sourceInst: m.SourceInst,
	}

	if err := f.fromBody(m.Body); err != nil {
		return nil, fmt.Errorf("encode %s:\n%w", m.Type(), err)
	}

	return f.build(), nil
}

// fromBody copies the variant-specific fields of b.
func (f *fields) fromBody(b message.Body) error {
	switch b := b.(type) {
	case *message.MDSMap:
		data, err := EncodeMap(b.Map)
		if err != nil {
			return err
		}
		f.body = data
	case *message.StorageMap:
		f.seq = b.Epoch
	case *message.StorageMapRequest:
		f.seq = b.Have
	case *message.Beacon:
		f.clientInst = b.Inst
		f.state = int32(b.State)
		f.seq = b.Seq
	case *message.BeaconAck:
		f.state = int32(b.State)
		f.seq = b.Seq
	case *message.Ping:
		f.seq = b.Seq
	case *message.PingAck:
		f.seq = b.Seq
	case *message.ShutdownStart:
	case *message.ClientSession:
		f.subop = uint8(b.Op)
		f.seq = b.Seq
		f.client = b.Client
	case *message.ClientRequest:
		f.seq = b.Tid
		f.client = b.Client
		f.clientInst = b.ClientInst
		f.count = b.NumFwd
		if b.Idempotent {
			f.flags |= flagIdempotent
		}
		f.op = b.Op
		f.path = b.Path
	case *message.ClientRequestForward:
		f.seq = b.Tid
		f.rank = int32(b.Dest)
		f.count = b.NumFwd
	case *message.ClientReply:
		f.seq = b.Tid
		f.state = b.Result
		f.ino = b.Ino
	case *message.ImportMap:
		f.subtrees = b.Subtrees
	case *message.CacheRejoin:
		f.subop = uint8(b.Op)
		f.subtrees = b.Subtrees
	case *message.Anchor:
		f.subop = uint8(b.Op)
		f.ino = b.Ino
		f.parent = b.Parent
		f.seq = b.ReqID
	case *message.Generic:
		f.op = b.Op
		f.body = b.Data
	default:
		return fmt.Errorf("unknown body %T", b)
	}

	return nil
}

// build writes the envelope. Offsets must be created before EnvelopeStart.
func (f *fields) build() []byte {
	builder := flatbuffers.NewBuilder(128 + len(f.body) + 8*len(f.subtrees))

	sourceAddr := builder.CreateString(f.sourceInst.Addr)
	clientAddr := builder.CreateString(f.clientInst.Addr)
	op := builder.CreateString(f.op)
	path := builder.CreateString(f.path)

	var subtrees flatbuffers.UOffsetT
	if len(f.subtrees) > 0 {
		fb.EnvelopeStartSubtreesVector(builder, len(f.subtrees))
		for i := len(f.subtrees) - 1; i >= 0; i-- {
			builder.PrependUint64(f.subtrees[i])
		}
		subtrees = builder.EndVector(len(f.subtrees))
	}

	var body flatbuffers.UOffsetT
	if len(f.body) > 0 {
		body = builder.CreateByteVector(f.body)
	}

	fb.EnvelopeStart(builder)
	fb.EnvelopeAddType(builder, uint16(f.typ))
	fb.EnvelopeAddPort(builder, uint16(f.port))
	fb.EnvelopeAddSourceKind(builder, uint8(f.source.Kind))
	fb.EnvelopeAddSourceNum(builder, f.source.Num)
	fb.EnvelopeAddSourceAddr(builder, sourceAddr)
	fb.EnvelopeAddSourceNonce(builder, f.sourceInst.Nonce)
	fb.EnvelopeAddSeq(builder, f.seq)
	fb.EnvelopeAddState(builder, f.state)
	fb.EnvelopeAddRank(builder, f.rank)
	fb.EnvelopeAddCount(builder, f.count)
	fb.EnvelopeAddFlags(builder, f.flags)
	fb.EnvelopeAddOp(builder, op)
	fb.EnvelopeAddPath(builder, path)
	fb.EnvelopeAddClientAddr(builder, clientAddr)
	fb.EnvelopeAddClientNonce(builder, f.clientInst.Nonce)
	fb.EnvelopeAddClient(builder, f.client)
	fb.EnvelopeAddIno(builder, f.ino)
	fb.EnvelopeAddParent(builder, f.parent)
	if subtrees != 0 {
		fb.EnvelopeAddSubtrees(builder, subtrees)
	}
	if body != 0 {
		fb.EnvelopeAddBody(builder, body)
	}
	fb.EnvelopeAddSubop(builder, f.subop)
	builder.Finish(fb.EnvelopeEnd(builder))

	return builder.FinishedBytes()
}

// Decode parses an envelope produced by Encode.
// Malformed input yields an error, never a panic.
func Decode(data []byte) (m *message.Message, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	var f fields

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("malformed envelope: %v", r)
			}
		}()
		f = readFields(fb.GetRootAsEnvelope(data, 0))
	}()
	if err != nil {
		return nil, err
	}

	if !f.port.Valid() {
		return nil, fmt.Errorf("unknown port %d", f.port)
	}

	body, err := f.toBody()
	if err != nil {
		return nil, fmt.Errorf("decode %s:\n%w", f.typ, err)
	}

	return &message.Message{
		Port:       f.port,
		Source:     f.source,
		SourceInst: f.sourceInst,
		Body:       body,
	}, nil
}

// readFields copies every envelope field out of the buffer.
func readFields(env *fb.Envelope) fields {
	f := fields{
		typ:        message.Type(env.Type()),
		port:       message.Port(env.Port()),
		source:     cluster.Entity{Kind: cluster.Kind(env.SourceKind()), Num: env.SourceNum()},
		sourceInst: cluster.Instance{Addr: string(env.SourceAddr()), Nonce: env.SourceNonce()},
		seq:        env.Seq(),
		state:      env.State(),
		rank:       env.Rank(),
		count:      env.Count(),
		flags:      env.Flags(),
		op:         string(env.Op()),
		path:       string(env.Path()),
		clientInst: cluster.Instance{Addr: string(env.ClientAddr()), Nonce: env.ClientNonce()},
		client:     env.Client(),
		ino:        env.Ino(),
		parent:     env.Parent(),
		subop:      env.Subop(),
	}

	if n := env.SubtreesLength(); n > 0 {
		f.subtrees = make([]uint64, n)
		for i := range n {
			f.subtrees[i] = env.Subtrees(i)
		}
	}

	if b := env.BodyBytes(); len(b) > 0 {
		f.body = append([]byte(nil), b...)
	}

	return f
}

// toBody rebuilds the typed body from the flat fields.
func (f *fields) toBody() (message.Body, error) {
	switch f.typ {
	case message.TypeMDSMap:
		m, err := DecodeMap(f.body)
		if err != nil {
			return nil, err
		}
		return &message.MDSMap{Map: m}, nil
	case message.TypeStorageMap:
		return &message.StorageMap{Epoch: f.seq}, nil
	case message.TypeStorageMapRequest:
		return &message.StorageMapRequest{Have: f.seq}, nil
	case message.TypeBeacon:
		return &message.Beacon{Inst: f.clientInst, State: mdsmap.State(f.state), Seq: f.seq}, nil
	case message.TypeBeaconAck:
		return &message.BeaconAck{State: mdsmap.State(f.state), Seq: f.seq}, nil
	case message.TypePing:
		return &message.Ping{Seq: f.seq}, nil
	case message.TypePingAck:
		return &message.PingAck{Seq: f.seq}, nil
	case message.TypeShutdownStart:
		return &message.ShutdownStart{}, nil
	case message.TypeClientSession:
		return &message.ClientSession{Op: message.SessionOp(f.subop), Seq: f.seq, Client: f.client}, nil
	case message.TypeClientRequest:
		return &message.ClientRequest{
			Tid:        f.seq,
			Client:     f.client,
			ClientInst: f.clientInst,
			NumFwd:     f.count,
			Idempotent: f.flags&flagIdempotent != 0,
			Op:         f.op,
			Path:       f.path,
		}, nil
	case message.TypeClientRequestForward:
		return &message.ClientRequestForward{Tid: f.seq, Dest: cluster.Rank(f.rank), NumFwd: f.count}, nil
	case message.TypeClientReply:
		return &message.ClientReply{Tid: f.seq, Result: f.state, Ino: f.ino}, nil
	case message.TypeImportMap:
		return &message.ImportMap{Subtrees: f.subtrees}, nil
	case message.TypeCacheRejoin:
		return &message.CacheRejoin{Op: message.RejoinOp(f.subop), Subtrees: f.subtrees}, nil
	case message.TypeAnchor:
		return &message.Anchor{Op: message.AnchorOp(f.subop), Ino: f.ino, Parent: f.parent, ReqID: f.seq}, nil
	case message.TypeGeneric:
		return &message.Generic{Op: f.op, Data: f.body}, nil
	default:
		return nil, fmt.Errorf("unknown type %d", f.typ)
	}
}
