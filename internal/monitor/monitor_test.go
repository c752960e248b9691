package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NestFS/internal/cluster"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
)

type sent struct {
	msg *message.Message
	to  cluster.Instance
}

// fakeMessenger records what the monitor sends.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []sent
	name cluster.Entity
}

func (f *fakeMessenger) Send(m *message.Message, to cluster.Instance) error {
	f.mu.Lock()
	f.sent = append(f.sent, sent{m, to})
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) MyInst() cluster.Instance { return monInst }

func (f *fakeMessenger) SetMyName(name cluster.Entity) { f.name = name }

// take returns and forgets everything sent so far.
func (f *fakeMessenger) take() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := f.sent
	f.sent = nil
	return out
}

var (
	monInst = cluster.Instance{Addr: "mon", Nonce: 1}
	instA   = cluster.Instance{Addr: "a", Nonce: 10}
	instB   = cluster.Instance{Addr: "b", Nonce: 20}
)

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *fakeMessenger, *clock.Mock) {
	t.Helper()

	msgr := &fakeMessenger{}
	clk := clock.NewMock()
	return New(cfg, msgr, clk), msgr, clk
}

func beacon(inst cluster.Instance, want mdsmap.State, seq uint64) *message.Message {
	m := message.New(message.PortMonitor, &message.Beacon{Inst: inst, State: want, Seq: seq})
	m.SourceInst = inst
	return m
}

// acks returns the beacon acks sent to inst.
func acks(out []sent, inst cluster.Instance) []*message.BeaconAck {
	var got []*message.BeaconAck
	for _, s := range out {
		if b, ok := s.msg.Body.(*message.BeaconAck); ok && s.to == inst {
			got = append(got, b)
		}
	}
	return got
}

// maps returns the epochs of the maps sent to inst.
func maps(out []sent, inst cluster.Instance) []uint64 {
	var got []uint64
	for _, s := range out {
		if b, ok := s.msg.Body.(*message.MDSMap); ok && s.to == inst {
			got = append(got, b.Map.Epoch())
		}
	}
	return got
}

// TestNewNamesMessenger tests that the monitor declares its name.
func TestNewNamesMessenger(t *testing.T) {
	_, msgr, _ := newTestMonitor(t, Config{})
	assert.Equal(t, cluster.Mon(0), msgr.name)
}

// TestAssignCreating tests that the first process gets a fresh rank 0.
func TestAssignCreating(t *testing.T) {
	mon, msgr, _ := newTestMonitor(t, Config{})

	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))

	m := mon.Map()
	assert.Equal(t, uint64(1), m.Epoch())
	assert.Equal(t, mdsmap.StateCreating, m.State(0))
	assert.Equal(t, instA, m.Inst(0))
	assert.Equal(t, int32(1), m.Inc(0))
	assert.Equal(t, cluster.Rank(0), m.Root())
	assert.Equal(t, cluster.Rank(0), m.AnchorTable())

	out := msgr.take()
	require.Len(t, acks(out, instA), 1)
	assert.Equal(t, mdsmap.StateCreating, acks(out, instA)[0].State)
	assert.Equal(t, uint64(1), acks(out, instA)[0].Seq)
	assert.Equal(t, []uint64{1}, maps(out, instA))

	for _, s := range out {
		assert.Equal(t, cluster.Mon(0), s.msg.Source)
		assert.Equal(t, monInst, s.msg.SourceInst)
	}
}

// TestAssignStandby tests that a process beyond the rank limit waits as a standby.
func TestAssignStandby(t *testing.T) {
	mon, msgr, _ := newTestMonitor(t, Config{})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))
	msgr.take()

	mon.Dispatch(beacon(instB, mdsmap.StateBoot, 1))

	assert.Equal(t, uint64(1), mon.Map().Epoch())
	out := msgr.take()
	require.Len(t, acks(out, instB), 1)
	assert.Equal(t, mdsmap.StateStandby, acks(out, instB)[0].State)
	assert.Equal(t, []uint64{1}, maps(out, instB))
}

// TestAssignSecondRank tests growth up to the rank limit.
func TestAssignSecondRank(t *testing.T) {
	mon, _, _ := newTestMonitor(t, Config{MaxRanks: 2})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))
	mon.Dispatch(beacon(instB, mdsmap.StateBoot, 1))

	m := mon.Map()
	assert.Equal(t, uint64(2), m.Epoch())
	assert.Equal(t, instB, m.Inst(1))
	assert.Equal(t, mdsmap.StateCreating, m.State(1))
}

// TestWantAccepted tests that a holder moves to the state it asks for.
func TestWantAccepted(t *testing.T) {
	mon, msgr, _ := newTestMonitor(t, Config{})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))
	msgr.take()

	mon.Dispatch(beacon(instA, mdsmap.StateActive, 2))

	assert.Equal(t, mdsmap.StateActive, mon.Map().State(0))
	out := msgr.take()
	assert.Equal(t, mdsmap.StateActive, acks(out, instA)[0].State)
	assert.Equal(t, []uint64{2}, maps(out, instA))

	// Same want again: no new map.
	mon.Dispatch(beacon(instA, mdsmap.StateActive, 3))
	assert.Equal(t, uint64(2), mon.Map().Epoch())
	assert.Empty(t, maps(msgr.take(), instA))
}

// TestWantRejected tests wants a holder may not ask for.
func TestWantRejected(t *testing.T) {
	mon, _, _ := newTestMonitor(t, Config{})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))

	mon.Dispatch(beacon(instA, mdsmap.StateStopped, 2))
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 3))
	mon.Dispatch(beacon(instA, mdsmap.StateFailed, 4))

	assert.Equal(t, uint64(1), mon.Map().Epoch())
	assert.Equal(t, mdsmap.StateCreating, mon.Map().State(0))
}

// TestFailureDetection tests that a silent rank is failed and handed to a standby.
func TestFailureDetection(t *testing.T) {
	mon, msgr, clk := newTestMonitor(t, Config{Grace: 10 * time.Second})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))
	mon.Dispatch(beacon(instA, mdsmap.StateActive, 2))

	clk.Add(5 * time.Second)
	mon.Dispatch(beacon(instB, mdsmap.StateBoot, 1))
	mon.Tick()
	assert.Equal(t, mdsmap.StateActive, mon.Map().State(0))
	msgr.take()

	clk.Add(6 * time.Second)
	mon.Tick()

	m := mon.Map()
	assert.Equal(t, mdsmap.StateReplay, m.State(0))
	assert.Equal(t, instB, m.Inst(0))
	assert.Equal(t, int32(2), m.Inc(0))

	out := msgr.take()
	// The old holder learns it was failed, then replaced.
	assert.Equal(t, []uint64{3}, maps(out, instA))
	assert.Equal(t, []uint64{3, 4}, maps(out, instB))
}

// TestFailureWithoutStandby tests that a failed rank waits for a new process.
func TestFailureWithoutStandby(t *testing.T) {
	mon, _, clk := newTestMonitor(t, Config{Grace: 10 * time.Second})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))

	clk.Add(11 * time.Second)
	mon.Tick()
	assert.Equal(t, mdsmap.StateFailed, mon.Map().State(0))

	// The silent process comes back: it is not reassigned its old rank.
	mon.Dispatch(beacon(instA, mdsmap.StateCreating, 2))
	assert.Equal(t, mdsmap.StateFailed, mon.Map().State(0))

	mon.Dispatch(beacon(instB, mdsmap.StateBoot, 1))
	assert.Equal(t, mdsmap.StateReplay, mon.Map().State(0))
	assert.Equal(t, instB, mon.Map().Inst(0))
}

// TestStopAndRestart tests a clean stop and the restart of the stopped rank.
func TestStopAndRestart(t *testing.T) {
	mon, msgr, _ := newTestMonitor(t, Config{})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))
	mon.Dispatch(beacon(instA, mdsmap.StateActive, 2))
	mon.Dispatch(beacon(instA, mdsmap.StateStopping, 3))
	msgr.take()

	mon.Dispatch(beacon(instA, mdsmap.StateStopped, 4))
	assert.Equal(t, mdsmap.StateStopped, mon.Map().State(0))
	assert.Equal(t, []uint64{4}, maps(msgr.take(), instA))

	// The final beacon from a stopped holder changes nothing.
	mon.Dispatch(beacon(instA, mdsmap.StateOut, 5))
	assert.Equal(t, uint64(4), mon.Map().Epoch())

	mon.Dispatch(beacon(instB, mdsmap.StateBoot, 1))
	assert.Equal(t, mdsmap.StateStarting, mon.Map().State(0))
	assert.Equal(t, instB, mon.Map().Inst(0))
}

// TestStoppedRankNotFailed tests that a stopped holder may go silent.
func TestStoppedRankNotFailed(t *testing.T) {
	mon, _, clk := newTestMonitor(t, Config{Grace: time.Second})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))
	mon.Dispatch(beacon(instA, mdsmap.StateActive, 2))
	mon.Dispatch(beacon(instA, mdsmap.StateStopping, 3))
	mon.Dispatch(beacon(instA, mdsmap.StateStopped, 4))

	clk.Add(time.Minute)
	mon.Tick()
	assert.Equal(t, mdsmap.StateStopped, mon.Map().State(0))
}

// TestStorageMapRequest tests the storage map reply.
func TestStorageMapRequest(t *testing.T) {
	mon, msgr, _ := newTestMonitor(t, Config{StorageEpoch: 3})

	req := message.New(message.PortMonitor, &message.StorageMapRequest{Have: 0})
	req.SourceInst = instA
	mon.Dispatch(req)

	out := msgr.take()
	require.Len(t, out, 1)
	assert.Equal(t, instA, out[0].to)
	assert.Equal(t, uint64(3), out[0].msg.Body.(*message.StorageMap).Epoch)

	req = message.New(message.PortMonitor, &message.StorageMapRequest{Have: 3})
	req.SourceInst = instA
	mon.Dispatch(req)
	assert.Empty(t, msgr.take())
}

// TestPing tests that the monitor answers pings.
func TestPing(t *testing.T) {
	mon, msgr, _ := newTestMonitor(t, Config{})

	ping := message.New(message.PortMain, &message.Ping{Seq: 9})
	ping.SourceInst = instA
	mon.Dispatch(ping)

	out := msgr.take()
	require.Len(t, out, 1)
	assert.Equal(t, uint64(9), out[0].msg.Body.(*message.PingAck).Seq)
}

// TestStartStop tests the failure detector loop on the mock clock.
func TestStartStop(t *testing.T) {
	mon, _, clk := newTestMonitor(t, Config{Grace: time.Second, TickInterval: time.Second})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))

	mon.Start()
	defer mon.Stop()

	clk.Add(3 * time.Second)
	assert.Eventually(t, func() bool { return mon.Map().State(0) == mdsmap.StateFailed }, time.Second, 5*time.Millisecond)
}

// TestStatus tests the status snapshot.
func TestStatus(t *testing.T) {
	mon, _, _ := newTestMonitor(t, Config{})
	mon.Dispatch(beacon(instA, mdsmap.StateBoot, 1))
	mon.Dispatch(beacon(instB, mdsmap.StateBoot, 1))

	st := mon.Status()
	assert.Equal(t, uint64(1), st.Epoch)
	assert.Equal(t, 1, st.Standby)
	require.Len(t, st.Ranks, 1)
	assert.Equal(t, "up:creating", st.Ranks[0].State)
	assert.Equal(t, instA.String(), st.Ranks[0].Inst)
}
