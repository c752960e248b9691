package wire

import (
	"fmt"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"NestFS/internal/cluster"
	"NestFS/internal/mdsmap"
	"NestFS/internal/wire/fb"
)

var (
	encoder      *zstd.Encoder
	decoder      *zstd.Decoder
	codecOnce    sync.Once
	codecInitErr error
)

// codecs lazily creates the shared zstd encoder and decoder.
// Both are safe for concurrent EncodeAll/DecodeAll calls.
func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecInitErr != nil {
			codecInitErr = fmt.Errorf("create encoder:\n%w", codecInitErr)
			return
		}

		decoder, codecInitErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxMapSize))
		if codecInitErr != nil {
			codecInitErr = fmt.Errorf("create decoder:\n%w", codecInitErr)
		}
	})

	return encoder, decoder, codecInitErr
}

// MaxMapSize bounds a decompressed map.
const MaxMapSize = 4 << 20

// Compress compresses data with zstd.
func Compress(data []byte) ([]byte, error) {
	enc, _, err := codecs()
	if err != nil {
		return nil, err
	}

	return enc.EncodeAll(data, nil), nil
}

// Decompress decompresses zstd data.
func Decompress(data []byte) ([]byte, error) {
	_, dec, err := codecs()
	if err != nil {
		return nil, err
	}

	return dec.DecodeAll(data, nil)
}

// EncodeMap serializes a cluster map and compresses it.
func EncodeMap(m *mdsmap.Map) ([]byte, error) {
	ranks := m.Ranks()
	builder := flatbuffers.NewBuilder(64 + 48*len(ranks))

	entries := make([]flatbuffers.UOffsetT, len(ranks))
	for i, r := range ranks {
		info, _ := m.Info(r)
		addr := builder.CreateString(info.Inst.Addr)

		fb.MapEntryStart(builder)
		fb.MapEntryAddRank(builder, int32(r))
		fb.MapEntryAddState(builder, int32(info.State))
		fb.MapEntryAddInc(builder, info.Inc)
		fb.MapEntryAddAddr(builder, addr)
		fb.MapEntryAddNonce(builder, info.Inst.Nonce)
		entries[i] = fb.MapEntryEnd(builder)
	}

	fb.MdsMapStartEntriesVector(builder, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(entries[i])
	}
	vec := builder.EndVector(len(entries))

	var created int64
	if !m.Created().IsZero() {
		created = m.Created().UnixNano()
	}

	fb.MdsMapStart(builder)
	fb.MdsMapAddEpoch(builder, m.Epoch())
	fb.MdsMapAddCreated(builder, created)
	fb.MdsMapAddRoot(builder, int32(m.Root()))
	fb.MdsMapAddAnchortable(builder, int32(m.AnchorTable()))
	fb.MdsMapAddEntries(builder, vec)
	builder.Finish(fb.MdsMapEnd(builder))

	return Compress(builder.FinishedBytes())
}

// DecodeMap decompresses and parses a cluster map.
func DecodeMap(data []byte) (m *mdsmap.Map, err error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress map:\n%w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("malformed map: %v", r)
		}
	}()

	if len(raw) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("map too short: %d bytes", len(raw))
	}

	fm := fb.GetRootAsMdsMap(raw, 0)

	b := mdsmap.NewBuilder(fm.Epoch()).
		Root(cluster.Rank(fm.Root())).
		AnchorTable(cluster.Rank(fm.Anchortable()))

	if ns := fm.Created(); ns != 0 {
		b.Created(time.Unix(0, ns))
	}

	var e fb.MapEntry
	for i := 0; i < fm.EntriesLength(); i++ {
		if !fm.Entries(&e, i) {
			continue
		}

		state := mdsmap.State(e.State())
		if !state.Valid() {
			return nil, fmt.Errorf("rank %d has invalid state %d", e.Rank(), e.State())
		}

		r := cluster.Rank(e.Rank())
		b.Set(r, state, cluster.Instance{Addr: string(e.Addr()), Nonce: e.Nonce()})
		b.SetInc(r, e.Inc())
	}

	return b.Build(), nil
}
