package anchor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NestFS/internal/cluster"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
	"NestFS/internal/storage"
)

// loopHost delivers anchor traffic synchronously between one client and one table.
type loopHost struct {
	rank   cluster.Rank
	mdsmap *mdsmap.Map
	table  *Table
	client *Client
	down   bool // down drops every message, as if the peer were unreachable
	sent   int
}

func (h *loopHost) Whoami() cluster.Rank { return h.rank }
func (h *loopHost) Map() *mdsmap.Map     { return h.mdsmap }

func (h *loopHost) SendToPeer(m *message.Message, r cluster.Rank, port message.Port) error {
	h.sent++
	if h.down {
		return nil
	}

	m.Source = cluster.MDS(h.rank)
	switch port {
	case message.PortAnchorTable:
		h.table.Dispatch(m)
	case message.PortAnchorClient:
		h.client.Dispatch(m)
	}

	return nil
}

// newLoop wires a client and a table through a loopHost.
func newLoop(t *testing.T) (*loopHost, *storage.Store) {
	t.Helper()

	s, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &loopHost{
		rank:   0,
		mdsmap: mdsmap.NewBuilder(1).AnchorTable(0).Set(0, mdsmap.StateActive, cluster.Instance{Addr: "a", Nonce: 1}).Build(),
	}
	h.table = NewTable(h, s)
	h.table.CreateFresh()
	h.client = NewClient(h)

	return h, s
}

// TestCreateAndDestroy tests the prepare, agree, commit, ack cycle.
func TestCreateAndDestroy(t *testing.T) {
	h, _ := newLoop(t)

	created := false
	h.client.Create(42, 7, func(err error) {
		require.NoError(t, err)
		created = true
	})

	require.True(t, created)
	e, ok := h.table.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, Entry{Parent: 7, Refs: 1}, e)
	assert.Equal(t, 0, h.client.Pending())

	h.client.Destroy(42, nil)
	_, ok = h.table.Lookup(42)
	assert.False(t, ok)
}

// TestRecoveryResends tests that updates lost in flight are resent when the table returns.
func TestRecoveryResends(t *testing.T) {
	h, _ := newLoop(t)

	h.down = true
	h.client.Create(5, 1, nil)
	assert.Equal(t, 1, h.client.Pending())

	h.client.HandleRecovery(3)
	assert.Equal(t, 1, h.client.Pending())

	h.down = false
	h.client.HandleRecovery(0)
	assert.Equal(t, 0, h.client.Pending())

	_, ok := h.table.Lookup(5)
	assert.True(t, ok)
}

// TestTablePersists tests that a committed anchor survives a reload.
func TestTablePersists(t *testing.T) {
	h, s := newLoop(t)
	h.client.Create(9, 3, nil)

	// Commit saves through the I/O queue; a later job runs after it.
	flushed := make(chan struct{})
	s.Submit(func() error { return nil }, func(error) { close(flushed) })
	<-flushed

	reloaded := NewTable(h, s)
	errc := make(chan error, 1)
	reloaded.Load(func(err error) { errc <- err })

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("load never completed")
	}

	e, ok := reloaded.Lookup(9)
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.Parent)
}

// TestTableResendsAgrees tests that pending prepares are re-agreed on recovery.
func TestTableResendsAgrees(t *testing.T) {
	h, _ := newLoop(t)

	h.table.Dispatch(&message.Message{
		Source: cluster.MDS(2),
		Body:   &message.Anchor{Op: message.AnchorCreatePrepare, Ino: 1, ReqID: 77},
	})
	before := h.sent

	h.table.HandleRecovery(1)
	assert.Equal(t, before, h.sent)

	h.table.HandleRecovery(2)
	assert.Equal(t, before+1, h.sent)
}
