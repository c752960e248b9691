package mds

import (
	"slices"

	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
)

// rankSet is a set of ranks taken from one map.
type rankSet map[cluster.Rank]bool

func ranksIn(m *mdsmap.Map, states ...mdsmap.State) rankSet {
	set := rankSet{}
	for _, r := range m.Ranks(states...) {
		set[r] = true
	}

	return set
}

// handleMDSMap applies a cluster map. Maps not newer than the current one
// are dropped without side effects.
func (n *Node) handleMDSMap(m *message.Message, b *message.MDSMap) {
	next := b.Map
	if next == nil || next.Epoch() <= n.mdsmap.Epoch() {
		n.log.Debug("stale map", "epoch", mapEpoch(next), "have", n.mdsmap.Epoch(), "from", m.Source)
		return
	}

	// The sender holds at least this epoch, if it is the rank's current holder.
	if m.Source.IsMDS() && next.Inst(m.Source.Rank()) == m.SourceInst {
		n.notePeerEpoch(m.Source.Rank(), next.Epoch())
	}

	old := n.mdsmap
	oldResolve := ranksIn(old, mdsmap.StateResolve)
	oldActive := ranksIn(old, mdsmap.StateActive)
	oldFailed := ranksIn(old, mdsmap.StateFailed)
	oldCreating := ranksIn(old, mdsmap.StateCreating)
	oldOut := ranksIn(old, mdsmap.StateOut)
	wasRejoining := old.IsRejoining()
	oldWhoami, oldState := n.whoami, n.state

	n.mdsmap = next
	n.whoami = next.RankOf(n.myInst)
	n.metrics.Epoch.Set(float64(next.Epoch()))
	n.log.Debug("map", "epoch", next.Epoch(), "from", m.Source)

	n.forgetRestartedPeers(old, oldCreating, oldOut)

	if n.whoami != oldWhoami {
		n.log = logger.With("mds", n.whoami)
		n.msgr.SetMyName(cluster.MDS(n.whoami))
		n.metrics.Rank.Set(float64(n.whoami))
		n.log.Info("rank assigned", "rank", n.whoami, "inc", next.Inc(n.whoami), "previous", oldWhoami)
	}

	if oldWhoami == cluster.NoRank && n.whoami != cluster.NoRank {
		n.requestStorageMap()
	}

	if n.whoami != cluster.NoRank && n.c.Objecter.ClientIncarnation() < 0 && next.HaveInst(n.whoami) {
		n.c.Objecter.SetClientIncarnation(next.Inc(n.whoami))
	}

	if n.cfg.DumpCacheOnMap {
		n.c.Cache.DumpCache()
	}

	n.state = next.State(n.whoami)
	if n.state != oldState {
		if !n.enterState(oldState) {
			return
		}
	}

	n.propagateResolve(oldState, oldResolve)
	n.propagateRejoin(wasRejoining)
	n.propagateRecovery(oldActive, oldFailed)

	if old.Epoch() == 0 && n.c.Objecter.Epoch() > 0 {
		n.startBoot()
	}

	if n.cfg.RearmWatchdogOnMap && m.Source.Kind == cluster.KindMon {
		n.rearmFromMap()
	}
}

// enterState reacts to a change of this rank's state in the map.
// It returns false when the node halted.
func (n *Node) enterState(oldState mdsmap.State) bool {
	n.metrics.State.Set(float64(n.state))
	n.metrics.Transitions.WithLabelValues(n.state.String()).Inc()

	if n.state == n.wantState {
		n.log.Info("state change", "from", oldState, "to", n.state)
	} else {
		n.log.Info("state change differs from want", "from", oldState, "to", n.state, "want", n.wantState)
		n.wantState = n.state
	}

	if inst := n.mdsmap.Inst(n.whoami); inst != n.myInst {
		n.fatal(ErrSupplanted, "inst", inst, "state", n.state)
		return false
	}
	if n.state == mdsmap.StateStopped && oldState == mdsmap.StateStopping {
		n.shutdownFinal()
		return false
	}
	if n.mdsmap.IsDown(n.whoami) {
		n.fatal(ErrMarkedDown, "state", n.state)
		return false
	}

	switch n.state {
	case mdsmap.StateActive:
		if oldState == mdsmap.StateRejoin {
			n.finishRecovery()
		}
		n.runActiveWaiters()

	case mdsmap.StateReconnect:
		n.c.Sessions.ReconnectClients()

	case mdsmap.StateReplay:
		peers := slices.DeleteFunc(n.mdsmap.RecoverySet(), func(r cluster.Rank) bool { return r == n.whoami })
		n.c.Cache.SetRecoverySet(peers)

	case mdsmap.StateStopping:
		n.c.Cache.ShutdownStart()
		n.c.Sessions.TerminateSessions()
		n.c.Journal.SetMaxEvents(0)
		n.c.Journal.Trim()
	}

	return true
}

// propagateResolve sends the import map to peers that need it.
func (n *Node) propagateResolve(oldState mdsmap.State, oldResolve rankSet) {
	switch {
	case n.state == mdsmap.StateResolve && oldState == mdsmap.StateReplay:
		peers := n.mdsmap.Ranks(mdsmap.StateResolve, mdsmap.StateActive, mdsmap.StateStopping, mdsmap.StateRejoin)
		for _, r := range peers {
			if r != n.whoami {
				n.c.Cache.SendImportMap(r)
			}
		}

	case n.inState(mdsmap.StateResolve, mdsmap.StateRejoin, mdsmap.StateActive, mdsmap.StateStopping):
		for _, r := range n.mdsmap.Ranks(mdsmap.StateResolve) {
			if r != n.whoami && !oldResolve[r] {
				n.c.Cache.SendImportMap(r)
			}
		}
	}
}

// propagateRejoin starts or ends the cache rejoin exchange.
func (n *Node) propagateRejoin(wasRejoining bool) {
	if !n.inState(mdsmap.StateRejoin, mdsmap.StateActive, mdsmap.StateStopping) {
		return
	}

	rejoining := n.mdsmap.IsRejoining()
	switch {
	case rejoining && !wasRejoining:
		n.c.Cache.SendCacheRejoins()
	case !rejoining && wasRejoining:
		n.c.Cache.DumpCache()
	}
}

// propagateRecovery tells the subsystems about peers that recovered or failed.
func (n *Node) propagateRecovery(oldActive, oldFailed rankSet) {
	if !n.inState(mdsmap.StateActive, mdsmap.StateStopping) {
		return
	}

	for _, r := range n.mdsmap.Ranks(mdsmap.StateActive) {
		if r == n.whoami || oldActive[r] {
			continue
		}

		n.log.Info("peer recovered", "peer", r)
		n.c.Cache.HandleRecovery(r)
		if n.mdsmap.AnchorTable() == n.whoami {
			n.c.AnchorTable.HandleRecovery(r)
		}
		n.c.AnchorClient.HandleRecovery(r)
	}

	for _, r := range n.mdsmap.Ranks(mdsmap.StateFailed) {
		if !oldFailed[r] {
			n.log.Info("peer failed", "peer", r)
			n.c.Cache.HandleFailure(r)
		}
	}
}

// forgetRestartedPeers drops the epoch knowledge of ranks that got a new
// process, so the next send to them pushes the map again. A new incarnation
// is a new peer: the per-peer epoch only grows within one incarnation.
func (n *Node) forgetRestartedPeers(old *mdsmap.Map, oldCreating, oldOut rankSet) {
	for r := range n.peerEpoch {
		restarted := old.Inst(r) != n.mdsmap.Inst(r)
		fresh := (n.mdsmap.State(r) == mdsmap.StateCreating && !oldCreating[r]) ||
			(n.mdsmap.State(r) == mdsmap.StateOut && !oldOut[r])

		if restarted || fresh {
			delete(n.peerEpoch, r)
		}
	}
}

// notePeerEpoch records that peer r holds at least epoch.
func (n *Node) notePeerEpoch(r cluster.Rank, epoch uint64) {
	if epoch > n.peerEpoch[r] {
		n.peerEpoch[r] = epoch
	}
}

// handleStorageMap hands a storage map to the object client. The first one
// boots the node when a cluster map is already known.
func (n *Node) handleStorageMap(b *message.StorageMap) {
	had := n.c.Objecter.Epoch()
	n.c.Objecter.HandleStorageMap(b.Epoch)

	if had == 0 && n.c.Objecter.Epoch() > 0 && n.mdsmap.Epoch() > 0 {
		n.startBoot()
	}
}

// requestStorageMap asks a monitor for a newer storage map.
func (n *Node) requestStorageMap() {
	n.sendToMon(message.New(message.PortMonitor, &message.StorageMapRequest{Have: n.c.Objecter.Epoch()}))
}

// finishRecovery completes recovery when the rank becomes active after rejoin.
func (n *Node) finishRecovery() {
	n.log.Info("recovery done")

	if n.mdsmap.AnchorTable() == n.whoami {
		n.c.AnchorTable.FinishRecovery()
	}
	n.c.AnchorClient.FinishRecovery()

	if purges := n.c.Cache.StartRecoveredPurges(); purges > 0 {
		n.log.Info("recovered purges started", "count", purges)
	}

	n.broadcastMapToClients()
}

// runActiveWaiters queues the callbacks waiting for activation.
func (n *Node) runActiveWaiters() {
	n.finished = append(n.finished, n.waitingForActive...)
	n.waitingForActive = nil
}

func (n *Node) inState(states ...mdsmap.State) bool {
	return slices.Contains(states, n.state)
}

func mapEpoch(m *mdsmap.Map) uint64 {
	if m == nil {
		return 0
	}

	return m.Epoch()
}
