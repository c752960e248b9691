// Package mds coordinates one metadata server process: cluster map tracking,
// beacons to the monitors, boot and recovery sequencing, message routing and
// clean shutdown. The subsystems it drives are reached through Collaborators.
package mds

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"NestFS/internal/cluster"
	"NestFS/internal/gather"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/metrics"
	"NestFS/internal/timer"
)

// Fatal results. Done closes and Err returns one of these when the node
// cannot go on consistently with the cluster.
var (
	ErrSupplanted      = errors.New("another instance took over this rank")
	ErrMarkedDown      = errors.New("cluster map marks this rank down")
	ErrBeaconTimeout   = errors.New("no beacon acknowledged within the grace period")
	ErrJournalNotEmpty = errors.New("journal not empty after clean start")
)

// ErrNoInstance is returned when sending to a rank with no process in the map.
var ErrNoInstance = errors.New("rank has no instance")

// Options configures a node.
type Options struct {
	Config    Config
	Messenger Messenger
	MonMap    *cluster.MonMap
	Clock     clock.Clock      // Clock defaults to the wall clock
	Metrics   *metrics.Metrics // Metrics defaults to a fresh registry
	Store     io.Closer        // Store is closed by Close when set
}

// beaconEntry is one beacon awaiting its ack.
type beaconEntry struct {
	seq    uint64
	sentAt time.Time
}

// Node is one metadata server. Every entry point takes lock.
type Node struct {
	cfg     Config
	clk     clock.Clock
	msgr    Messenger
	monmap  *cluster.MonMap
	metrics *metrics.Metrics
	store   io.Closer
	myInst  cluster.Instance
	log     *slog.Logger

	lock  sync.Mutex
	timer *timer.Timer
	c     Collaborators
	queue *runQueue

	mdsmap    *mdsmap.Map
	whoami    cluster.Rank
	state     mdsmap.State // state is the map's view of this rank
	wantState mdsmap.State // wantState is what the beacons ask for

	peerEpoch map[cluster.Rank]uint64 // peerEpoch is the newest map known to each peer

	beaconSeq    uint64
	beacons      []beaconEntry // beacons are sent and unacked, in seq order
	lastStamp    time.Time     // lastStamp is the newest recorded send time
	lastAcked    time.Time
	beaconSender *timer.Event
	beaconKiller *timer.Event
	tickEvent    *timer.Event

	boot                *bootPlan
	finished            []func() // finished runs after the current dispatch
	waitingForActive    []func()
	lastClientBroadcast uint64
	stopRequested       bool

	halted   bool
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a node. Collaborators must be set before Init.
func New(opts Options) *Node {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	n := &Node{
		cfg:       opts.Config.withDefaults(),
		clk:       clk,
		msgr:      opts.Messenger,
		monmap:    opts.MonMap,
		metrics:   m,
		store:     opts.Store,
		myInst:    opts.Messenger.MyInst(),
		log:       logger.With("mds", cluster.NoRank),
		queue:     newRunQueue(),
		mdsmap:    mdsmap.Empty(),
		whoami:    cluster.NoRank,
		state:     mdsmap.StateDNE,
		wantState: mdsmap.StateBoot,
		peerEpoch: map[cluster.Rank]uint64{},
		done:      make(chan struct{}),
	}

	n.timer = timer.New(clk, &n.lock)
	go n.queue.run(&n.lock)

	return n
}

// SetCollaborators installs the subsystems the node drives.
func (n *Node) SetCollaborators(c Collaborators) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.c = c
}

// Init starts the timer, the beacons and the tick.
func (n *Node) Init() {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.log.Info("starting", "inst", n.myInst, "mons", n.monmap.Len())

	n.timer.Start()
	n.beaconStart()
	n.resetTick()
}

// Resume wraps a continuation so it runs later under the node lock,
// followed by the finished queue. It is dropped once the node halted.
func (n *Node) Resume(fn gather.Continuation) gather.Continuation {
	return func(err error) {
		n.queue.push(func() {
			if n.halted {
				return
			}

			fn(err)
			n.drainFinished()
		})
	}
}

// QueueFinished runs fn after the current dispatch or continuation.
func (n *Node) QueueFinished(fn func()) {
	n.finished = append(n.finished, fn)
}

// drainFinished runs queued callbacks in order until none is left.
func (n *Node) drainFinished() {
	for len(n.finished) > 0 && !n.halted {
		batch := n.finished
		n.finished = nil

		for _, fn := range batch {
			fn()
		}
	}
}

// WaitForActive runs fn once the node becomes active.
func (n *Node) WaitForActive(fn func()) {
	n.waitingForActive = append(n.waitingForActive, fn)
}

// RequestState sets the wanted state and beacons it. Lock held.
func (n *Node) RequestState(s mdsmap.State) {
	n.setWantState(s)
}

// SetWantState sets the wanted state from outside the node.
func (n *Node) SetWantState(s mdsmap.State) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.halted {
		return
	}

	n.setWantState(s)
}

func (n *Node) IsActive() bool    { return n.state == mdsmap.StateActive }
func (n *Node) IsReplay() bool    { return n.state == mdsmap.StateReplay }
func (n *Node) IsResolve() bool   { return n.state == mdsmap.StateResolve }
func (n *Node) IsReconnect() bool { return n.state == mdsmap.StateReconnect }
func (n *Node) IsRejoin() bool    { return n.state == mdsmap.StateRejoin }
func (n *Node) IsStopping() bool  { return n.state == mdsmap.StateStopping }
func (n *Node) IsCreating() bool  { return n.state == mdsmap.StateCreating }
func (n *Node) IsStarting() bool  { return n.state == mdsmap.StateStarting }

// Whoami returns the rank held by this node, or NoRank. Lock held.
func (n *Node) Whoami() cluster.Rank {
	return n.whoami
}

// Map returns the current cluster map. Lock held.
func (n *Node) Map() *mdsmap.Map {
	return n.mdsmap
}

// Status is a point-in-time view of the node.
type Status struct {
	Inst      cluster.Instance `json:"inst"`
	Rank      cluster.Rank     `json:"rank"`
	State     string           `json:"state"`
	WantState string           `json:"want_state"`
	Epoch     uint64           `json:"epoch"`
	BootMode  string           `json:"boot_mode,omitempty"`
	BootStep  string           `json:"boot_step,omitempty"`
	Ledger    int              `json:"ledger"`
	LastAck   time.Time        `json:"last_ack"`
	Halted    bool             `json:"halted"`
	Error     string           `json:"error,omitempty"`
}

// Status returns the node's current status.
func (n *Node) Status() Status {
	n.lock.Lock()
	defer n.lock.Unlock()

	st := Status{
		Inst:      n.myInst,
		Rank:      n.whoami,
		State:     n.state.String(),
		WantState: n.wantState.String(),
		Epoch:     n.mdsmap.Epoch(),
		Ledger:    len(n.beacons),
		LastAck:   n.lastAcked,
		Halted:    n.halted,
	}

	if n.boot != nil {
		st.BootMode = n.boot.mode.String()
		st.BootStep = n.boot.step.String()
	}
	if n.err != nil {
		st.Error = n.err.Error()
	}

	return st
}

// Done is closed when the node halts, either finished or fatally.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Err returns the fatal result, or nil after a clean finish.
func (n *Node) Err() error {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.err
}

// fatal halts the node with err. Lock held.
func (n *Node) fatal(err error, args ...any) {
	n.log.Error("fatal", append([]any{"error", err}, args...)...)
	n.timer.Stop()
	n.finish(err)
}

// finish halts the node. Lock held.
func (n *Node) finish(err error) {
	if n.halted {
		return
	}

	n.halted = true
	n.err = err
	n.doneOnce.Do(func() { close(n.done) })
}

// Close halts the node if it still runs, joins the timer and tears down
// the messenger and the store. It must not be called with the lock held.
func (n *Node) Close() error {
	n.lock.Lock()
	n.timer.Stop()
	n.finish(nil)
	n.lock.Unlock()

	n.timer.Join()
	n.queue.close()

	var err error
	err = multierr.Append(err, n.msgr.Close())
	if n.store != nil {
		err = multierr.Append(err, n.store.Close())
	}

	return err
}

// runQueue runs continuations one at a time under the node lock, in the
// order they were pushed. Pushing never blocks, so it is safe from any
// goroutine, with or without the lock.
type runQueue struct {
	mu     sync.Mutex
	fns    []func()
	kick   chan struct{}
	quit   chan struct{}
	closed sync.Once
}

func newRunQueue() *runQueue {
	return &runQueue{kick: make(chan struct{}, 1), quit: make(chan struct{})}
}

func (q *runQueue) push(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *runQueue) pop() func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.fns) == 0 {
		return nil
	}

	fn := q.fns[0]
	q.fns = q.fns[1:]

	return fn
}

func (q *runQueue) run(locker sync.Locker) {
	for {
		select {
		case <-q.kick:
		case <-q.quit:
			return
		}

		for fn := q.pop(); fn != nil; fn = q.pop() {
			locker.Lock()
			fn()
			locker.Unlock()
		}
	}
}

func (q *runQueue) close() {
	q.closed.Do(func() { close(q.quit) })
}
