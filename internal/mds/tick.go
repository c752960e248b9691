package mds

// resetTick schedules the next tick.
func (n *Node) resetTick() {
	n.timer.Cancel(n.tickEvent)
	n.tickEvent = n.timer.AddAfter(n.cfg.TickInterval, n.tick)
}

// tick refreshes the gauges and drives periodic subsystem work.
func (n *Node) tick() {
	n.resetTick()

	n.metrics.State.Set(float64(n.state))
	n.metrics.Rank.Set(float64(n.whoami))
	n.metrics.Epoch.Set(float64(n.mdsmap.Epoch()))
	n.metrics.Ledger.Set(float64(len(n.beacons)))
	if !n.lastAcked.IsZero() {
		n.metrics.AckLag.Set(n.clk.Since(n.lastAcked).Seconds())
	}

	if n.IsActive() {
		n.c.Balancer.Tick()
	}

	n.checkDrained()
	n.drainFinished()
}
