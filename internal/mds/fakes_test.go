package mds

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"NestFS/internal/cluster"
	"NestFS/internal/gather"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
	"NestFS/internal/objecter"
	"NestFS/internal/server"
)

var (
	selfInst = cluster.Instance{Addr: "10.0.0.1:6800", Nonce: 1}
	peerInst = cluster.Instance{Addr: "10.0.0.2:6800", Nonce: 2}
	monInst  = cluster.Instance{Addr: "10.0.0.9:6789", Nonce: 9}
)

// recorder logs collaborator calls and holds their continuations so tests
// decide when and how each operation completes.
type recorder struct {
	mu    sync.Mutex
	calls []string
	held  map[string][]gather.Continuation
}

func newRecorder() *recorder {
	return &recorder{held: map[string][]gather.Continuation{}}
}

func (r *recorder) call(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) hold(name string, done gather.Continuation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, name)
	r.held[name] = append(r.held[name], done)
}

// count returns how often name was called.
func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}

	return n
}

// holding returns the names with a continuation not yet completed, sorted.
func (r *recorder) holding() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for name, conts := range r.held {
		if len(conts) > 0 {
			out = append(out, name)
		}
	}
	slices.Sort(out)

	return out
}

// complete finishes the oldest held continuation of name.
func (r *recorder) complete(t *testing.T, name string, err error) {
	t.Helper()

	r.mu.Lock()
	conts := r.held[name]
	if len(conts) == 0 {
		r.mu.Unlock()
		require.Failf(t, "nothing held", "no continuation held for %s", name)
		return
	}
	done := conts[0]
	r.held[name] = conts[1:]
	r.mu.Unlock()

	done(err)
}

type fakeIDs struct{ rec *recorder }

func (f *fakeIDs) Load(done gather.Continuation) { f.rec.hold("ids.load", done) }
func (f *fakeIDs) Save(done gather.Continuation) { f.rec.hold("ids.save", done) }
func (f *fakeIDs) Reset()                        { f.rec.call("ids.reset") }

type fakeAnchorTable struct{ rec *recorder }

func (f *fakeAnchorTable) Load(done gather.Continuation) { f.rec.hold("anchortable.load", done) }
func (f *fakeAnchorTable) Save(done gather.Continuation) { f.rec.hold("anchortable.save", done) }
func (f *fakeAnchorTable) CreateFresh()                  { f.rec.call("anchortable.create") }
func (f *fakeAnchorTable) FinishRecovery()               { f.rec.call("anchortable.finish_recovery") }
func (f *fakeAnchorTable) HandleRecovery(r cluster.Rank) { f.rec.call("anchortable.recovery.%d", r) }
func (f *fakeAnchorTable) Dispatch(*message.Message)     { f.rec.call("anchortable.dispatch") }

type fakeAnchorClient struct{ rec *recorder }

func (f *fakeAnchorClient) FinishRecovery()               { f.rec.call("anchorclient.finish_recovery") }
func (f *fakeAnchorClient) HandleRecovery(r cluster.Rank) { f.rec.call("anchorclient.recovery.%d", r) }
func (f *fakeAnchorClient) Dispatch(*message.Message)     { f.rec.call("anchorclient.dispatch") }

type fakeJournal struct {
	rec         *recorder
	read, write uint64
}

func (f *fakeJournal) Reset()                             { f.rec.call("journal.reset") }
func (f *fakeJournal) WriteHead(done gather.Continuation) { f.rec.hold("journal.write_head", done) }
func (f *fakeJournal) Open(done gather.Continuation)      { f.rec.hold("journal.open", done) }
func (f *fakeJournal) Replay(done gather.Continuation)    { f.rec.hold("journal.replay", done) }
func (f *fakeJournal) Flush()                             { f.rec.call("journal.flush") }
func (f *fakeJournal) SetMaxEvents(n int)                 { f.rec.call("journal.max_events.%d", n) }
func (f *fakeJournal) Trim()                              { f.rec.call("journal.trim") }
func (f *fakeJournal) ReadPos() uint64                    { return f.read }
func (f *fakeJournal) WritePos() uint64                   { return f.write }

type fakeCache struct {
	rec      *recorder
	drained  bool
	recovery []cluster.Rank
}

func (f *fakeCache) CreateRoot(done gather.Continuation)   { f.rec.hold("cache.create_root", done) }
func (f *fakeCache) CreateStray(done gather.Continuation)  { f.rec.hold("cache.create_stray", done) }
func (f *fakeCache) OpenRoot(done gather.Continuation)     { f.rec.hold("cache.open_root", done) }
func (f *fakeCache) OpenStray(done gather.Continuation)    { f.rec.hold("cache.open_stray", done) }
func (f *fakeCache) LogImportMap(done gather.Continuation) { f.rec.hold("cache.log_import_map", done) }

func (f *fakeCache) SetRecoverySet(ranks []cluster.Rank) {
	f.recovery = ranks
	f.rec.call("cache.recovery_set")
}

func (f *fakeCache) HandleRecovery(r cluster.Rank) { f.rec.call("cache.recovery.%d", r) }
func (f *fakeCache) HandleFailure(r cluster.Rank)  { f.rec.call("cache.failure.%d", r) }
func (f *fakeCache) SendImportMap(r cluster.Rank)  { f.rec.call("cache.import_map.%d", r) }
func (f *fakeCache) SendCacheRejoins()             { f.rec.call("cache.rejoins") }
func (f *fakeCache) DumpCache()                    { f.rec.call("cache.dump") }
func (f *fakeCache) StartRecoveredPurges() int     { f.rec.call("cache.purges"); return 0 }
func (f *fakeCache) ShutdownStart()                { f.rec.call("cache.shutdown_start") }

func (f *fakeCache) ShutdownPass() bool {
	f.rec.call("cache.shutdown_pass")
	return f.drained
}

func (f *fakeCache) Shutdown()                 { f.rec.call("cache.shutdown") }
func (f *fakeCache) Trim()                     { f.rec.call("cache.trim") }
func (f *fakeCache) Dispatch(*message.Message) { f.rec.call("cache.dispatch") }

type fakeSessions struct {
	rec      *recorder
	sessions []server.Session
}

func (f *fakeSessions) ReconnectClients()         { f.rec.call("sessions.reconnect") }
func (f *fakeSessions) TerminateSessions()        { f.rec.call("sessions.terminate") }
func (f *fakeSessions) Sessions() []server.Session { return f.sessions }

func (f *fakeSessions) ClientReconnectFailure(client int32) {
	f.rec.call("sessions.reconnect_failure.%d", client)
}

func (f *fakeSessions) Dispatch(*message.Message) { f.rec.call("sessions.dispatch") }

type fakePort struct {
	rec  *recorder
	name string
}

func (f *fakePort) Dispatch(*message.Message) { f.rec.call("%s.dispatch", f.name) }
func (f *fakePort) Tick()                     { f.rec.call("%s.tick", f.name) }

// sent is one message handed to the messenger.
type sent struct {
	msg *message.Message
	to  cluster.Instance
}

type fakeMessenger struct {
	mu     sync.Mutex
	inst   cluster.Instance
	name   cluster.Entity
	sent   []sent
	closed bool
}

func (f *fakeMessenger) Send(m *message.Message, to cluster.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, sent{msg: m, to: to})
	return nil
}

func (f *fakeMessenger) MyInst() cluster.Instance { return f.inst }

func (f *fakeMessenger) SetMyName(name cluster.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.name = name
}

func (f *fakeMessenger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// take returns and forgets the messages sent so far.
func (f *fakeMessenger) take() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := f.sent
	f.sent = nil

	return out
}

// harness is a node wired to fakes over a mock clock.
type harness struct {
	t        *testing.T
	n        *Node
	clk      *clock.Mock
	msgr     *fakeMessenger
	rec      *recorder
	journal  *fakeJournal
	cache    *fakeCache
	sessions *fakeSessions
	objecter *objecter.Client
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		clk:      clock.NewMock(),
		msgr:     &fakeMessenger{inst: selfInst},
		rec:      newRecorder(),
		objecter: objecter.New(),
	}
	h.journal = &fakeJournal{rec: h.rec}
	h.cache = &fakeCache{rec: h.rec}
	h.sessions = &fakeSessions{rec: h.rec}

	h.n = New(Options{
		Config:    cfg,
		Messenger: h.msgr,
		MonMap:    cluster.NewMonMap(monInst),
		Clock:     h.clk,
	})
	h.n.SetCollaborators(Collaborators{
		IDs:          &fakeIDs{rec: h.rec},
		AnchorTable:  &fakeAnchorTable{rec: h.rec},
		AnchorClient: &fakeAnchorClient{rec: h.rec},
		Journal:      h.journal,
		Cache:        h.cache,
		Sessions:     h.sessions,
		Objecter:     h.objecter,
		Locker:       &fakePort{rec: h.rec, name: "locker"},
		Migrator:     &fakePort{rec: h.rec, name: "migrator"},
		Balancer:     &fakePort{rec: h.rec, name: "balancer"},
	})
	h.n.Init()

	t.Cleanup(func() { _ = h.n.Close() })

	return h
}

// fromMon wraps a body as a monitor message on the main port.
func fromMon(body message.Body) *message.Message {
	m := message.New(message.PortMain, body)
	m.Source = cluster.Mon(0)
	m.SourceInst = monInst

	return m
}

// fromPeer wraps a body as a message from rank r running at inst.
func fromPeer(r cluster.Rank, inst cluster.Instance, port message.Port, body message.Body) *message.Message {
	m := message.New(port, body)
	m.Source = cluster.MDS(r)
	m.SourceInst = inst

	return m
}

// apply delivers a map from the monitor.
func (h *harness) apply(m *mdsmap.Map) {
	h.n.Dispatch(fromMon(&message.MDSMap{Map: m}))
}

// complete finishes a held collaborator call and waits for its continuation.
func (h *harness) complete(name string, err error) {
	h.t.Helper()

	h.rec.complete(h.t, name, err)
	h.settle()
}

// settle waits until every continuation pushed so far has run.
func (h *harness) settle() {
	done := make(chan struct{})
	h.n.queue.push(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("continuations did not settle")
	}
}

// advance moves the mock clock and runs the due timer events.
func (h *harness) advance(d time.Duration) {
	h.clk.Add(d)
	h.n.timer.Poll()
}

// locked runs fn under the node lock.
func (h *harness) locked(fn func()) {
	h.n.lock.Lock()
	defer h.n.lock.Unlock()

	fn()
}

// beacons returns the beacons sent since the last take.
func (h *harness) beacons() []*message.Beacon {
	var out []*message.Beacon
	for _, s := range h.msgr.take() {
		if b, ok := s.msg.Body.(*message.Beacon); ok {
			out = append(out, b)
		}
	}

	return out
}

// lastWant returns the state asked for by the newest beacon sent.
func (h *harness) lastWant() mdsmap.State {
	h.t.Helper()

	bs := h.beacons()
	require.NotEmpty(h.t, bs, "no beacon sent")

	return bs[len(bs)-1].State
}
