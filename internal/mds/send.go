package mds

import (
	"fmt"

	"NestFS/internal/cluster"
	"NestFS/internal/message"
)

// send stamps this node as the source and hands m to the messenger.
func (n *Node) send(m *message.Message, to cluster.Instance) error {
	m.Source = cluster.MDS(n.whoami)
	m.SourceInst = n.myInst

	return n.msgr.Send(m, to)
}

// SendToPeer sends m to rank r on port. The current map goes first when
// the peer is not known to hold it.
func (n *Node) SendToPeer(m *message.Message, r cluster.Rank, port message.Port) error {
	if !n.mdsmap.HaveInst(r) {
		return fmt.Errorf("send to mds.%d:\n%w", r, ErrNoInstance)
	}
	inst := n.mdsmap.Inst(r)

	if r != n.whoami && n.peerEpoch[r] < n.mdsmap.Epoch() {
		push := message.New(message.PortMain, &message.MDSMap{Map: n.mdsmap})
		if err := n.send(push, inst); err != nil {
			return fmt.Errorf("push map to mds.%d:\n%w", r, err)
		}
		n.peerEpoch[r] = n.mdsmap.Epoch()
	}

	m.Port = port
	if err := n.send(m, inst); err != nil {
		return fmt.Errorf("send to mds.%d:\n%w", r, err)
	}

	return nil
}

// Forward moves a client request to rank r and tells the client.
// Requests that are not idempotent are dropped after the notice; the
// client resends them itself.
func (n *Node) Forward(m *message.Message, r cluster.Rank) {
	req, ok := m.Body.(*message.ClientRequest)
	if !ok {
		n.log.Warn("forward of a non-request", "type", m.Type())
		return
	}

	req.NumFwd++

	notice := message.New(message.PortClient, &message.ClientRequestForward{Tid: req.Tid, Dest: r, NumFwd: req.NumFwd})
	if err := n.send(notice, req.ClientInst); err != nil {
		n.log.Debug("forward notice failed", "client", req.Client, "error", err)
	}
	n.metrics.ClientForwards.Inc()

	if !req.Idempotent {
		n.log.Debug("request dropped on forward", "tid", req.Tid, "client", req.Client, "dest", r)
		return
	}

	if err := n.SendToPeer(m, r, message.PortServer); err != nil {
		n.log.Warn("request forward failed", "tid", req.Tid, "dest", r, "error", err)
		return
	}
	n.metrics.Forwards.Inc()
}

// SendToClient sends m to a client process.
func (n *Node) SendToClient(m *message.Message, inst cluster.Instance) error {
	return n.send(m, inst)
}

// sendToMon sends m to the next monitor in rotation.
func (n *Node) sendToMon(m *message.Message) {
	mon := n.monmap.PickMon()
	if err := n.send(m, mon); err != nil {
		n.log.Debug("send to monitor failed", "mon", mon, "type", m.Type(), "error", err)
	}
}

// broadcastMapToClients sends the current map to every client session once per epoch.
func (n *Node) broadcastMapToClients() {
	epoch := n.mdsmap.Epoch()
	if epoch <= n.lastClientBroadcast {
		return
	}
	n.lastClientBroadcast = epoch

	for _, sess := range n.c.Sessions.Sessions() {
		if err := n.send(message.New(message.PortClient, &message.MDSMap{Map: n.mdsmap}), sess.Inst); err != nil {
			n.log.Debug("map broadcast failed", "client", sess.Client, "error", err)
		}
	}
}
