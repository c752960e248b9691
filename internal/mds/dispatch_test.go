package mds

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NestFS/internal/cluster"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
)

var clientInst = cluster.Instance{Addr: "10.0.2.1:40000", Nonce: 77}

// activeWithPeers makes this node active as rank 0 next to active peers 1 and 3.
func activeWithPeers(h *harness) {
	h.apply(mdsmap.NewBuilder(1).
		Set(0, mdsmap.StateActive, selfInst).
		Set(1, mdsmap.StateActive, instFor(1)).
		Set(3, mdsmap.StateActive, instFor(3)).
		Build())
	h.msgr.take()
}

// TestLivenessFilter tests that messages from a process the map does not list for the rank are dropped.
func TestLivenessFilter(t *testing.T) {
	h := newHarness(t, quietConfig())
	activeWithPeers(h)

	impostor := cluster.Instance{Addr: "10.0.1.1:6800", Nonce: 5}

	h.n.Dispatch(fromPeer(1, impostor, message.PortCache, &message.ImportMap{}))
	h.n.Dispatch(fromPeer(2, instFor(2), message.PortCache, &message.ImportMap{}))
	assert.Zero(t, h.rec.count("cache.dispatch"))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.n.metrics.Dropped.WithLabelValues("stale_peer")))

	h.n.Dispatch(fromPeer(1, instFor(1), message.PortCache, &message.ImportMap{}))
	assert.Equal(t, 1, h.rec.count("cache.dispatch"))

	// Maps are inspected whoever sends them.
	next := mdsmap.NewBuilder(2).
		Set(0, mdsmap.StateActive, selfInst).
		Set(1, mdsmap.StateActive, instFor(1)).
		Build()
	h.n.Dispatch(fromPeer(1, impostor, message.PortMain, &message.MDSMap{Map: next}))
	h.locked(func() { assert.Equal(t, uint64(2), h.n.Map().Epoch()) })
}

// TestLivenessFilterDownPeer tests that a peer marked down is no longer heard.
func TestLivenessFilterDownPeer(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.apply(mdsmap.NewBuilder(1).
		Set(0, mdsmap.StateActive, selfInst).
		Set(1, mdsmap.StateFailed, instFor(1)).
		Build())

	h.n.Dispatch(fromPeer(1, instFor(1), message.PortCache, &message.ImportMap{}))
	assert.Zero(t, h.rec.count("cache.dispatch"))
}

// TestRouting tests that each port reaches its subsystem.
func TestRouting(t *testing.T) {
	h := newHarness(t, quietConfig())
	activeWithPeers(h)

	ports := map[message.Port]string{
		message.PortAnchorTable:  "anchortable.dispatch",
		message.PortAnchorClient: "anchorclient.dispatch",
		message.PortCache:        "cache.dispatch",
		message.PortLocker:       "locker.dispatch",
		message.PortMigrator:     "migrator.dispatch",
		message.PortBalancer:     "balancer.dispatch",
		message.PortServer:       "sessions.dispatch",
	}

	for port, name := range ports {
		h.n.Dispatch(fromPeer(1, instFor(1), port, &message.Generic{Op: "x"}))
		assert.Equal(t, 1, h.rec.count(name), name)
	}

	h.n.Dispatch(fromPeer(1, instFor(1), message.PortRenamer, &message.Generic{Op: "x"}))
	h.n.Dispatch(fromPeer(1, instFor(1), message.PortMain, &message.Generic{Op: "x"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.n.metrics.Dropped.WithLabelValues("port")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.n.metrics.Dropped.WithLabelValues("type")))
}

// TestAnchorTableOnOtherRank tests that anchor table traffic is dropped on a rank without the table.
func TestAnchorTableOnOtherRank(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.apply(mdsmap.NewBuilder(1).
		AnchorTable(1).
		Set(0, mdsmap.StateActive, selfInst).
		Set(1, mdsmap.StateActive, instFor(1)).
		Build())

	h.n.Dispatch(fromPeer(1, instFor(1), message.PortAnchorTable, &message.Anchor{Op: message.AnchorLookup}))
	assert.Zero(t, h.rec.count("anchortable.dispatch"))
}

// TestActiveDispatchFlushes tests that an active node flushes the journal and trims the cache after each message.
func TestActiveDispatchFlushes(t *testing.T) {
	h := newHarness(t, quietConfig())

	h.n.Dispatch(fromMon(&message.Ping{Seq: 1}))
	assert.Zero(t, h.rec.count("journal.flush"))

	activeWithPeers(h)
	flushes := h.rec.count("journal.flush")
	h.n.Dispatch(fromMon(&message.Ping{Seq: 2}))
	assert.Equal(t, flushes+1, h.rec.count("journal.flush"))
	assert.Equal(t, flushes+1, h.rec.count("cache.trim"))
}

// TestFinishedQueue tests that callbacks queued during dispatch run after it, in order.
func TestFinishedQueue(t *testing.T) {
	h := newHarness(t, quietConfig())

	var order []int
	h.locked(func() {
		h.n.QueueFinished(func() {
			order = append(order, 1)
			h.n.QueueFinished(func() { order = append(order, 3) })
		})
		h.n.QueueFinished(func() { order = append(order, 2) })
	})
	assert.Empty(t, order)

	h.n.Dispatch(fromMon(&message.Ping{Seq: 1}))
	assert.Equal(t, []int{1, 2, 3}, order)
}

// TestPing tests that a ping is answered to the sending process.
func TestPing(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.msgr.take()

	h.n.Dispatch(fromMon(&message.Ping{Seq: 42}))

	out := h.msgr.take()
	require.Len(t, out, 1)
	assert.Equal(t, monInst, out[0].to)
	assert.Equal(t, &message.PingAck{Seq: 42}, out[0].msg.Body)
	assert.Equal(t, message.PortMain, out[0].msg.Port)
}

func clientRequest(idempotent bool) *message.Message {
	m := message.New(message.PortServer, &message.ClientRequest{
		Tid:        11,
		Client:     4,
		ClientInst: clientInst,
		Idempotent: idempotent,
		Op:         "mkdir",
		Path:       "/a",
	})
	m.Source = cluster.Client(4)
	m.SourceInst = clientInst

	return m
}

// TestForwardNonIdempotent tests that a non-idempotent request only produces a notice to the client.
func TestForwardNonIdempotent(t *testing.T) {
	h := newHarness(t, quietConfig())
	activeWithPeers(h)

	h.locked(func() { h.n.Forward(clientRequest(false), 3) })

	out := h.msgr.take()
	require.Len(t, out, 1)
	assert.Equal(t, clientInst, out[0].to)
	assert.Equal(t, &message.ClientRequestForward{Tid: 11, Dest: 3, NumFwd: 1}, out[0].msg.Body)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.n.metrics.ClientForwards))
	assert.Zero(t, testutil.ToFloat64(h.n.metrics.Forwards))
}

// TestForwardIdempotent tests that an idempotent request is resent to the target after the map.
func TestForwardIdempotent(t *testing.T) {
	h := newHarness(t, quietConfig())
	activeWithPeers(h)

	h.locked(func() { h.n.Forward(clientRequest(true), 3) })

	out := h.msgr.take()
	require.Len(t, out, 3)
	assert.IsType(t, &message.ClientRequestForward{}, out[0].msg.Body)
	assert.IsType(t, &message.MDSMap{}, out[1].msg.Body)
	assert.Equal(t, instFor(3), out[1].to)

	req, ok := out[2].msg.Body.(*message.ClientRequest)
	require.True(t, ok)
	assert.Equal(t, instFor(3), out[2].to)
	assert.Equal(t, message.PortServer, out[2].msg.Port)
	assert.Equal(t, int32(1), req.NumFwd)
	assert.Equal(t, cluster.MDS(0), out[2].msg.Source)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.n.metrics.Forwards))
}

// TestSendToPeerPushesMapOnce tests that a peer receives the current map before the first message.
func TestSendToPeerPushesMapOnce(t *testing.T) {
	h := newHarness(t, quietConfig())
	activeWithPeers(h)

	h.locked(func() {
		require.NoError(t, h.n.SendToPeer(message.New(message.PortMain, &message.Ping{Seq: 1}), 1, message.PortCache))
		require.NoError(t, h.n.SendToPeer(message.New(message.PortMain, &message.Ping{Seq: 2}), 1, message.PortCache))
	})

	out := h.msgr.take()
	require.Len(t, out, 3)
	assert.IsType(t, &message.MDSMap{}, out[0].msg.Body)
	assert.Equal(t, message.PortCache, out[1].msg.Port)
	assert.Equal(t, message.PortCache, out[2].msg.Port)

	// A peer that sent us the newest map is known to hold it.
	next := mdsmap.NewBuilder(2).
		Set(0, mdsmap.StateActive, selfInst).
		Set(1, mdsmap.StateActive, instFor(1)).
		Set(3, mdsmap.StateActive, instFor(3)).
		Build()
	h.n.Dispatch(fromPeer(3, instFor(3), message.PortMain, &message.MDSMap{Map: next}))
	h.msgr.take()

	h.locked(func() {
		require.NoError(t, h.n.SendToPeer(message.New(message.PortMain, &message.Ping{Seq: 3}), 3, message.PortMain))
	})
	assert.Len(t, h.msgr.take(), 1)

	h.locked(func() {
		err := h.n.SendToPeer(message.New(message.PortMain, &message.Ping{Seq: 4}), 2, message.PortMain)
		assert.ErrorIs(t, err, ErrNoInstance)
	})
}

// TestSendToPeerAfterRestart tests that a peer restarted under a new instance gets the map again.
func TestSendToPeerAfterRestart(t *testing.T) {
	h := newHarness(t, quietConfig())
	activeWithPeers(h)

	h.locked(func() {
		require.NoError(t, h.n.SendToPeer(message.New(message.PortMain, &message.Ping{Seq: 1}), 1, message.PortMain))
	})
	h.msgr.take()

	restarted := cluster.Instance{Addr: instFor(1).Addr, Nonce: 999}
	h.apply(mdsmap.NewBuilder(2).
		Set(0, mdsmap.StateActive, selfInst).
		Set(1, mdsmap.StateReplay, restarted).
		Set(3, mdsmap.StateActive, instFor(3)).
		Build())
	h.msgr.take()

	h.locked(func() {
		require.NoError(t, h.n.SendToPeer(message.New(message.PortMain, &message.Ping{Seq: 2}), 1, message.PortMain))
	})
	out := h.msgr.take()
	require.Len(t, out, 2)
	assert.IsType(t, &message.MDSMap{}, out[0].msg.Body)
	assert.Equal(t, restarted, out[0].to)
}

// TestMapFromSupersededHolder tests that a map relayed by a rank's previous process does not mark the current holder as up to date.
func TestMapFromSupersededHolder(t *testing.T) {
	h := newHarness(t, quietConfig())
	activeWithPeers(h)

	next := mdsmap.NewBuilder(2).
		Set(0, mdsmap.StateActive, selfInst).
		Set(1, mdsmap.StateActive, instFor(1)).
		Set(3, mdsmap.StateActive, instFor(3)).
		Build()
	superseded := cluster.Instance{Addr: instFor(1).Addr, Nonce: 7}
	h.n.Dispatch(fromPeer(1, superseded, message.PortMain, &message.MDSMap{Map: next}))
	h.locked(func() { assert.Equal(t, uint64(2), h.n.Map().Epoch()) })
	h.msgr.take()

	h.locked(func() {
		require.NoError(t, h.n.SendToPeer(message.New(message.PortMain, &message.Ping{Seq: 1}), 1, message.PortMain))
	})
	out := h.msgr.take()
	require.Len(t, out, 2)
	assert.IsType(t, &message.MDSMap{}, out[0].msg.Body)
	assert.Equal(t, instFor(1), out[0].to)
}

// TestHandleFailureReconnect tests that an undeliverable reconnect prompt gives up on the client.
func TestHandleFailureReconnect(t *testing.T) {
	h := newHarness(t, quietConfig())

	prompt := message.New(message.PortClient, &message.ClientSession{Op: message.SessionReconnect, Client: 12})
	h.n.HandleFailure(prompt, clientInst)
	assert.Equal(t, 1, h.rec.count("sessions.reconnect_failure.12"))

	other := message.New(message.PortClient, &message.ClientReply{Tid: 1})
	h.n.HandleFailure(other, clientInst)
	assert.Equal(t, 1, h.rec.count("sessions.reconnect_failure.12"))
}

// TestTickDrivesBalancer tests that the tick refreshes gauges and ticks the balancer only when active.
func TestTickDrivesBalancer(t *testing.T) {
	cfg := quietConfig()
	cfg.TickInterval = 5 * time.Second
	h := newHarness(t, cfg)

	h.advance(5 * time.Second)
	assert.Zero(t, h.rec.count("balancer.tick"))

	activeWithPeers(h)
	h.advance(5 * time.Second)
	assert.Equal(t, 1, h.rec.count("balancer.tick"))
	assert.Equal(t, float64(mdsmap.StateActive), testutil.ToFloat64(h.n.metrics.State))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.n.metrics.Ledger))
}
