package mds

import (
	"NestFS/internal/cluster"
	"NestFS/internal/message"
)

// Dispatch handles one incoming message.
func (n *Node) Dispatch(m *message.Message) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.halted {
		n.metrics.Dropped.WithLabelValues("halted").Inc()
		return
	}

	n.metrics.Messages.WithLabelValues(m.Port.String()).Inc()

	if !n.fromLivePeer(m) {
		n.metrics.Dropped.WithLabelValues("stale_peer").Inc()
		n.log.Debug("dropped message from stale peer", "type", m.Type(), "from", m.Source, "inst", m.SourceInst)
		return
	}

	n.route(m)
	n.drainFinished()

	if n.halted {
		return
	}

	if n.IsActive() {
		n.c.Journal.Flush()
		n.c.Cache.Trim()
	}

	n.checkDrained()
}

// fromLivePeer reports whether a message claiming to come from a rank was
// sent by the process the map lists for that rank. Maps are always let through.
func (n *Node) fromLivePeer(m *message.Message) bool {
	if !m.Source.IsMDS() || m.Type() == message.TypeMDSMap {
		return true
	}

	r := m.Source.Rank()

	return n.mdsmap.HaveInst(r) && n.mdsmap.Inst(r) == m.SourceInst && !n.mdsmap.IsDown(r)
}

// route delivers a message to the subsystem behind its port.
func (n *Node) route(m *message.Message) {
	switch m.Port {
	case message.PortAnchorTable:
		if n.mdsmap.AnchorTable() != n.whoami {
			n.log.Warn("anchor table message on a rank without the table", "from", m.Source)
			n.metrics.Dropped.WithLabelValues("not_anchortable").Inc()
			return
		}
		n.c.AnchorTable.Dispatch(m)
	case message.PortAnchorClient:
		n.c.AnchorClient.Dispatch(m)
	case message.PortCache:
		n.c.Cache.Dispatch(m)
	case message.PortLocker:
		n.c.Locker.Dispatch(m)
	case message.PortMigrator:
		n.c.Migrator.Dispatch(m)
	case message.PortBalancer:
		n.c.Balancer.Dispatch(m)
	case message.PortServer:
		n.c.Sessions.Dispatch(m)
	case message.PortMain:
		n.dispatchMain(m)
	case message.PortRenamer, message.PortClient, message.PortMonitor:
		n.log.Warn("no handler for port", "port", m.Port, "type", m.Type(), "from", m.Source)
		n.metrics.Dropped.WithLabelValues("port").Inc()
	default:
		n.log.Warn("unknown port", "port", m.Port, "from", m.Source)
		n.metrics.Dropped.WithLabelValues("port").Inc()
	}
}

// dispatchMain handles the messages addressed to the node itself.
func (n *Node) dispatchMain(m *message.Message) {
	switch b := m.Body.(type) {
	case *message.MDSMap:
		n.handleMDSMap(m, b)
	case *message.StorageMap:
		n.handleStorageMap(b)
	case *message.BeaconAck:
		n.handleBeaconAck(b)
	case *message.ShutdownStart:
		n.handleShutdownStart(m)
	case *message.Ping:
		n.handlePing(m, b)
	case *message.PingAck:
		n.log.Debug("ping ack", "seq", b.Seq, "from", m.Source)
	default:
		n.log.Warn("unexpected message", "type", m.Type(), "from", m.Source)
		n.metrics.Dropped.WithLabelValues("type").Inc()
	}
}

// handlePing answers a ping to the sending process.
func (n *Node) handlePing(m *message.Message, b *message.Ping) {
	if err := n.send(message.New(message.PortMain, &message.PingAck{Seq: b.Seq}), m.SourceInst); err != nil {
		n.log.Debug("ping ack failed", "to", m.SourceInst, "error", err)
	}
}

// HandleFailure is called by the messenger when a message could not be delivered.
func (n *Node) HandleFailure(m *message.Message, inst cluster.Instance) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.halted {
		return
	}

	n.log.Debug("delivery failed", "type", m.Type(), "to", inst)

	if b, ok := m.Body.(*message.ClientSession); ok && b.Op == message.SessionReconnect {
		n.c.Sessions.ClientReconnectFailure(b.Client)
	}

	n.drainFinished()
}
