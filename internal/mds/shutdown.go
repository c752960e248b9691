package mds

import (
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
)

// ShutdownStart begins a clean cluster shutdown from this rank: every other
// active rank is asked to stop, then this one.
func (n *Node) ShutdownStart() {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.halted {
		return
	}

	n.log.Info("cluster shutdown requested")

	for _, r := range n.mdsmap.Ranks(mdsmap.StateActive) {
		if r == n.whoami {
			continue
		}
		if err := n.SendToPeer(message.New(message.PortMain, &message.ShutdownStart{}), r, message.PortMain); err != nil {
			n.log.Warn("shutdown request failed", "peer", r, "error", err)
		}
	}

	n.setWantState(mdsmap.StateStopping)
}

// handleShutdownStart stops this rank at a peer's request.
func (n *Node) handleShutdownStart(m *message.Message) {
	n.log.Info("shutdown requested", "from", m.Source)
	n.setWantState(mdsmap.StateStopping)
}

// checkDrained asks for stopped once the cache has drained. Asked once.
func (n *Node) checkDrained() {
	if !n.IsStopping() || n.stopRequested {
		return
	}

	if n.c.Cache.ShutdownPass() {
		n.stopRequested = true
		n.log.Info("cache drained")
		n.setWantState(mdsmap.StateStopped)
	}
}

// shutdownFinal ends the node after the map marked it stopped.
func (n *Node) shutdownFinal() {
	n.log.Info("stopped")

	// Best effort, the monitor already holds the rank as stopped.
	n.beaconSeq++
	n.sendToMon(message.New(message.PortMonitor, &message.Beacon{
		Inst:  n.myInst,
		State: mdsmap.StateOut,
		Seq:   n.beaconSeq,
	}))

	n.timer.Cancel(n.beaconSender)
	n.timer.Cancel(n.beaconKiller)
	n.timer.Cancel(n.tickEvent)
	n.timer.CancelAll()
	n.timer.Stop()

	n.c.Cache.Shutdown()
	n.finish(nil)
}
