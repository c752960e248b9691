package mds

import (
	"fmt"
	"time"

	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
)

// beaconStart sends the first beacon and, when configured, arms the
// watchdog from the start time.
func (n *Node) beaconStart() {
	if n.cfg.ArmWatchdogOnStart {
		n.lastAcked = n.clk.Now()
	}

	n.beaconSend()

	if n.cfg.ArmWatchdogOnStart {
		n.resetBeaconKiller()
	}
}

// beaconSend sends the wanted state to a monitor and schedules the next beacon.
func (n *Node) beaconSend() {
	n.beaconSeq++

	// Stamps strictly increase and stay after the last ack, so acks can be
	// checked against them whatever the clock resolution.
	stamp := n.clk.Now()
	floor := n.lastStamp
	if n.lastAcked.After(floor) {
		floor = n.lastAcked
	}
	if !stamp.After(floor) {
		stamp = floor.Add(1)
	}
	n.lastStamp = stamp
	n.beacons = append(n.beacons, beaconEntry{seq: n.beaconSeq, sentAt: stamp})

	n.log.Debug("beacon", "seq", n.beaconSeq, "want", n.wantState)
	n.sendToMon(message.New(message.PortMonitor, &message.Beacon{
		Inst:  n.myInst,
		State: n.wantState,
		Seq:   n.beaconSeq,
	}))
	n.metrics.Beacons.Inc()

	n.timer.Cancel(n.beaconSender)
	n.beaconSender = n.timer.AddAfter(n.cfg.BeaconInterval, n.beaconSend)
}

// handleBeaconAck records an acknowledged beacon and re-arms the watchdog.
func (n *Node) handleBeaconAck(b *message.BeaconAck) {
	i := n.ledgerIndex(b.Seq)
	if i < 0 {
		n.log.Debug("ack for unknown beacon", "seq", b.Seq)
		return
	}

	sentAt := n.beacons[i].sentAt
	if !sentAt.After(n.lastAcked) {
		panic(fmt.Sprintf("mds: beacon %d stamped %v, not after last ack %v", b.Seq, sentAt, n.lastAcked))
	}

	n.lastAcked = sentAt
	n.beacons = n.beacons[i+1:]
	n.log.Debug("beacon acked", "seq", b.Seq, "state", b.State, "pending", len(n.beacons))

	n.resetBeaconKiller()
}

// ledgerIndex returns the ledger position of seq, or -1.
func (n *Node) ledgerIndex(seq uint64) int {
	for i, e := range n.beacons {
		if e.seq == seq {
			return i
		}
		if e.seq > seq {
			break
		}
	}

	return -1
}

// rearmFromMap treats a newer map from a monitor as proof of life.
// Ledger entries sent before now can no longer be acked after it.
func (n *Node) rearmFromMap() {
	now := n.clk.Now()
	if !now.After(n.lastAcked) {
		return
	}

	n.lastAcked = now

	keep := n.beacons[:0]
	for _, e := range n.beacons {
		if e.sentAt.After(now) {
			keep = append(keep, e)
		}
	}
	n.beacons = keep

	n.resetBeaconKiller()
}

// resetBeaconKiller arms the watchdog at lastAcked plus the grace period.
func (n *Node) resetBeaconKiller() {
	lab := n.lastAcked

	n.timer.Cancel(n.beaconKiller)
	n.beaconKiller = n.timer.AddAt(lab.Add(n.cfg.BeaconGrace), func() { n.beaconKill(lab) })
}

// beaconKill fires when no beacon was acked within the grace period.
// A newer ack since arming makes it a no-op.
func (n *Node) beaconKill(lab time.Time) {
	if !lab.Equal(n.lastAcked) {
		n.log.Debug("stale beacon watchdog", "armed", lab, "last_acked", n.lastAcked)
		return
	}

	n.fatal(ErrBeaconTimeout, "last_acked", n.lastAcked, "grace", n.cfg.BeaconGrace)
}

// setWantState records the wanted state and beacons it at once.
func (n *Node) setWantState(s mdsmap.State) {
	n.log.Info("want state", "from", n.wantState, "to", s)
	n.wantState = s
	n.beaconSend()
}
