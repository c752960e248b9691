// Package monitor is a single-process cluster monitor for development and
// tests. It assigns ranks, acknowledges beacons, accepts the states metadata
// servers ask for and marks silent ranks failed.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
)

// Config holds the monitor tunables.
type Config struct {
	Grace        time.Duration // Grace is how long a rank may stay silent before it is failed
	TickInterval time.Duration // TickInterval is how often silent ranks are checked
	MaxRanks     int           // MaxRanks is how many ranks the cluster grows to
	StorageEpoch uint64        // StorageEpoch is the storage map epoch announced to servers
}

// DefaultConfig returns the default monitor tunables.
func DefaultConfig() Config {
	return Config{
		Grace:        15 * time.Second,
		TickInterval: time.Second,
		MaxRanks:     1,
		StorageEpoch: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxRanks <= 0 {
		c.MaxRanks = d.MaxRanks
	}
	if c.StorageEpoch == 0 {
		c.StorageEpoch = d.StorageEpoch
	}

	return c
}

// Messenger is the transport the monitor replies through.
type Messenger interface {
	Send(m *message.Message, to cluster.Instance) error
	MyInst() cluster.Instance
	SetMyName(name cluster.Entity)
}

// Monitor owns the authoritative cluster map.
type Monitor struct {
	cfg  Config
	clk  clock.Clock
	msgr Messenger

	mu       sync.Mutex
	mdsmap   *mdsmap.Map                    // mdsmap is the current map
	lastSeen map[cluster.Instance]time.Time // lastSeen is the last beacon per process
	standby  map[cluster.Instance]bool      // standby are processes waiting for a rank
	told     map[cluster.Instance]uint64    // told is the last map epoch sent per process

	metrics *Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor with an empty map.
// A nil clock uses the wall clock.
func New(cfg Config, msgr Messenger, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}

	msgr.SetMyName(cluster.Mon(0))

	return &Monitor{
		cfg:      cfg.withDefaults(),
		clk:      clk,
		msgr:     msgr,
		mdsmap:   mdsmap.Empty(),
		lastSeen: make(map[cluster.Instance]time.Time),
		standby:  make(map[cluster.Instance]bool),
		told:     make(map[cluster.Instance]uint64),
		metrics:  newMetrics(),
	}
}

// Start runs the failure detector until Stop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	ticker := m.clk.Ticker(m.cfg.TickInterval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Tick()
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("monitor started", "inst", m.msgr.MyInst(), "grace", m.cfg.Grace, "max_ranks", m.cfg.MaxRanks)
}

// Stop ends the failure detector.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Map returns the current map.
func (m *Monitor) Map() *mdsmap.Map {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mdsmap
}

// Registry returns the monitor's prometheus registry.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.metrics.Registry
}

// Dispatch handles one inbound message.
func (m *Monitor) Dispatch(msg *message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch b := msg.Body.(type) {
	case *message.Beacon:
		m.handleBeacon(msg, b)

	case *message.StorageMapRequest:
		if b.Have < m.cfg.StorageEpoch {
			m.send(message.New(message.PortMain, &message.StorageMap{Epoch: m.cfg.StorageEpoch}), msg.SourceInst)
		}

	case *message.Ping:
		m.send(message.New(message.PortMain, &message.PingAck{Seq: b.Seq}), msg.SourceInst)

	default:
		logger.Debug("monitor dropped message", "type", msg.Type(), "from", msg.Source)
	}
}

// HandleFailure notes an undeliverable message. The beacon grace decides
// failure, so nothing changes here.
func (m *Monitor) HandleFailure(msg *message.Message, to cluster.Instance) {
	logger.Debug("monitor send failed", "to", to, "type", msg.Type())
}

// Tick fails ranks whose holder went silent and hands failed ranks to standbys.
func (m *Monitor) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	next := m.mdsmap.Next()
	changed := false

	for _, r := range m.mdsmap.Ranks() {
		info, _ := m.mdsmap.Info(r)
		if !info.State.IsUp() || m.alive(info.Inst, now) {
			continue
		}

		logger.Warn("rank failed", "rank", r, "inst", info.Inst, "state", info.State)
		m.metrics.Failures.Inc()
		next.SetState(r, mdsmap.StateFailed)
		delete(m.lastSeen, info.Inst)
		changed = true
	}

	for inst := range m.standby {
		if !m.alive(inst, now) {
			logger.Info("standby gone", "inst", inst)
			delete(m.standby, inst)
			delete(m.lastSeen, inst)
		}
	}

	if changed {
		m.publish(next.Build())
		m.promoteStandbys()
	}
}

func (m *Monitor) alive(inst cluster.Instance, now time.Time) bool {
	seen, ok := m.lastSeen[inst]
	return ok && now.Sub(seen) <= m.cfg.Grace
}

// handleBeacon records liveness, applies the wanted state and acks.
func (m *Monitor) handleBeacon(msg *message.Message, b *message.Beacon) {
	inst := b.Inst
	if inst.IsZero() {
		inst = msg.SourceInst
	}
	m.lastSeen[inst] = m.clk.Now()
	m.metrics.Beacons.Inc()

	r := m.mdsmap.RankOf(inst)
	switch {
	case r == cluster.NoRank && m.standby[inst]:
		// Still waiting for a rank.

	case r == cluster.NoRank:
		if b.State == mdsmap.StateBoot || b.State == mdsmap.StateStandby {
			m.assign(inst)
			r = m.mdsmap.RankOf(inst)
		}

	default:
		m.applyWant(r, b.State)
	}

	state := mdsmap.StateStandby
	if r != cluster.NoRank {
		state = m.mdsmap.State(r)
	}
	m.send(message.New(message.PortMain, &message.BeaconAck{State: state, Seq: b.Seq}), inst)

	// A process that missed a map gets the current one.
	if m.mdsmap.Epoch() > 0 && m.told[inst] < m.mdsmap.Epoch() {
		m.sendMap(inst)
	}
}

// assign gives a rank to a new process, or parks it as a standby.
// Failed ranks are replayed first, then stopped ranks restarted, then new ranks created.
func (m *Monitor) assign(inst cluster.Instance) {
	r, state, ok := m.vacancy()
	if !ok {
		logger.Info("no rank available, standby", "inst", inst)
		m.standby[inst] = true
		return
	}

	m.take(r, state, inst)
}

// vacancy returns the next rank a process could take and the state it enters.
func (m *Monitor) vacancy() (cluster.Rank, mdsmap.State, bool) {
	if failed := m.mdsmap.Ranks(mdsmap.StateFailed); len(failed) > 0 {
		return failed[0], mdsmap.StateReplay, true
	}
	if stopped := m.mdsmap.Ranks(mdsmap.StateStopped); len(stopped) > 0 {
		return stopped[0], mdsmap.StateStarting, true
	}

	for r := cluster.Rank(0); int(r) < m.cfg.MaxRanks; r++ {
		if m.mdsmap.State(r) == mdsmap.StateDNE {
			return r, mdsmap.StateCreating, true
		}
	}

	return cluster.NoRank, mdsmap.StateDNE, false
}

// take publishes a map giving rank r to inst.
func (m *Monitor) take(r cluster.Rank, state mdsmap.State, inst cluster.Instance) {
	next := m.mdsmap.Next().
		Set(r, state, inst).
		SetInc(r, m.mdsmap.Inc(r)+1)
	if m.mdsmap.Epoch() == 0 {
		next.Created(m.clk.Now())
	}

	logger.Info("rank assigned", "rank", r, "inst", inst, "state", state)
	delete(m.standby, inst)
	m.publish(next.Build())
}

// promoteStandbys hands vacant failed or stopped ranks to waiting processes.
func (m *Monitor) promoteStandbys() {
	for inst := range m.standby {
		r, state, ok := m.vacancy()
		if !ok {
			return
		}
		m.take(r, state, inst)
	}
}

// applyWant moves rank r to the state its holder asks for, when allowed.
func (m *Monitor) applyWant(r cluster.Rank, want mdsmap.State) {
	cur := m.mdsmap.State(r)
	if want == cur || !acceptable(cur, want) {
		return
	}

	logger.Info("state accepted", "rank", r, "from", cur, "to", want)
	m.publish(m.mdsmap.Next().SetState(r, want).Build())
}

// acceptable reports whether a holder in state cur may ask for want.
func acceptable(cur, want mdsmap.State) bool {
	if !cur.IsUp() {
		return false
	}

	switch want {
	case mdsmap.StateStopped:
		return cur == mdsmap.StateStopping
	case mdsmap.StateResolve, mdsmap.StateReconnect, mdsmap.StateRejoin,
		mdsmap.StateActive, mdsmap.StateStopping:
		return true
	default:
		return false
	}
}

// publish installs a new map and sends it to every process holding or waiting for a rank.
func (m *Monitor) publish(next *mdsmap.Map) {
	m.mdsmap = next
	m.metrics.Epoch.Set(float64(next.Epoch()))
	m.metrics.Up.Set(float64(len(next.Ranks(upStates...))))
	logger.Info("map published", "map", next)

	for _, r := range next.Ranks() {
		if info, _ := next.Info(r); !info.Inst.IsZero() {
			m.sendMap(info.Inst)
		}
	}
	for inst := range m.standby {
		m.sendMap(inst)
	}
}

var upStates = []mdsmap.State{
	mdsmap.StateCreating, mdsmap.StateStarting, mdsmap.StateReplay, mdsmap.StateResolve,
	mdsmap.StateReconnect, mdsmap.StateRejoin, mdsmap.StateActive, mdsmap.StateStopping,
}

func (m *Monitor) sendMap(inst cluster.Instance) {
	m.told[inst] = m.mdsmap.Epoch()
	m.send(message.New(message.PortMain, &message.MDSMap{Map: m.mdsmap}), inst)
}

func (m *Monitor) send(msg *message.Message, to cluster.Instance) {
	msg.Source = cluster.Mon(0)
	msg.SourceInst = m.msgr.MyInst()

	if err := m.msgr.Send(msg, to); err != nil {
		logger.Debug("monitor send failed", "to", to, "type", msg.Type(), "error", err)
	}
}

// RankStatus is one rank in the monitor status.
type RankStatus struct {
	Rank  cluster.Rank `json:"rank"`
	State string       `json:"state"`
	Inst  string       `json:"inst,omitempty"`
	Inc   int32        `json:"inc"`
}

// Status is the monitor's view served on the admin endpoint.
type Status struct {
	Epoch   uint64       `json:"epoch"`
	Ranks   []RankStatus `json:"ranks"`
	Standby int          `json:"standby"`
}

// Status returns a snapshot of the map and the standby count.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Epoch: m.mdsmap.Epoch(), Standby: len(m.standby), Ranks: []RankStatus{}}
	for _, r := range m.mdsmap.Ranks() {
		info, _ := m.mdsmap.Info(r)

		rs := RankStatus{Rank: r, State: info.State.String(), Inc: info.Inc}
		if !info.Inst.IsZero() {
			rs.Inst = info.Inst.String()
		}
		st.Ranks = append(st.Ranks, rs)
	}

	return st
}
