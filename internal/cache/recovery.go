package cache

import (
	"slices"

	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
)

// SetRecoverySet records the peers that are recovering alongside this rank.
func (c *Cache) SetRecoverySet(ranks []cluster.Rank) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.recovery)
	for _, r := range ranks {
		c.recovery[r] = true
	}
}

// HandleRecovery notes that peer r finished recovering.
func (c *Cache) HandleRecovery(r cluster.Rank) {
	c.mu.Lock()
	delete(c.recovery, r)
	c.mu.Unlock()

	logger.Debug("peer recovered", "rank", r)
}

// HandleFailure forgets everything received from peer r and rechecks pending exchanges.
func (c *Cache) HandleFailure(r cluster.Rank) {
	c.mu.Lock()
	c.recovery[r] = true
	delete(c.resolved, r)
	delete(c.rejoinWait, r)
	c.mu.Unlock()

	logger.Info("peer failed", "rank", r)

	c.maybeResolveFinish()
	c.maybeRejoinFinish()
}

// SendImportMap sends this rank's subtree authority to peer r.
func (c *Cache) SendImportMap(r cluster.Rank) {
	m := message.New(message.PortCache, &message.ImportMap{Subtrees: c.Subtrees()})
	if err := c.host.SendToPeer(m, r, message.PortCache); err != nil {
		logger.Warn("send import map failed", "rank", r, "error", err)
	}

	c.maybeResolveFinish()
}

// SendCacheRejoins asks every rejoining or active peer to acknowledge this rank's replicas.
func (c *Cache) SendCacheRejoins() {
	me := c.host.Whoami()
	peers := c.host.Map().Ranks(mdsmap.StateRejoin, mdsmap.StateActive, mdsmap.StateStopping)
	subtrees := c.Subtrees()

	c.mu.Lock()
	clear(c.rejoinWait)
	for _, r := range peers {
		if r != me {
			c.rejoinWait[r] = true
		}
	}
	c.mu.Unlock()

	for _, r := range peers {
		if r == me {
			continue
		}

		m := message.New(message.PortCache, &message.CacheRejoin{Op: message.RejoinWeak, Subtrees: subtrees})
		if err := c.host.SendToPeer(m, r, message.PortCache); err != nil {
			logger.Warn("send cache rejoin failed", "rank", r, "error", err)
		}
	}

	c.maybeRejoinFinish()
}

// maybeResolveFinish moves to reconnect once every resolving or active peer sent its import map.
func (c *Cache) maybeResolveFinish() {
	if !c.host.IsResolve() {
		return
	}

	me := c.host.Whoami()
	peers := c.host.Map().Ranks(mdsmap.StateResolve, mdsmap.StateActive, mdsmap.StateStopping, mdsmap.StateRejoin)

	c.mu.Lock()
	if c.resolveReq {
		c.mu.Unlock()
		return
	}
	for _, r := range peers {
		if r != me && !c.resolved[r] {
			c.mu.Unlock()
			return
		}
	}
	c.resolveReq = true
	c.mu.Unlock()

	logger.Info("resolve complete", "peers", len(peers))
	c.host.RequestState(mdsmap.StateReconnect)
}

// maybeRejoinFinish moves to active once every rejoin was acknowledged.
func (c *Cache) maybeRejoinFinish() {
	if !c.host.IsRejoin() {
		return
	}

	c.mu.Lock()
	if c.rejoinReq || len(c.rejoinWait) > 0 {
		c.mu.Unlock()
		return
	}
	c.rejoinReq = true
	c.mu.Unlock()

	logger.Info("rejoin complete")
	c.host.RequestState(mdsmap.StateActive)
}

// Dispatch handles a message delivered to the cache port.
func (c *Cache) Dispatch(m *message.Message) {
	from := m.Source.Rank()

	switch b := m.Body.(type) {
	case *message.ImportMap:
		c.mu.Lock()
		c.resolved[from] = true
		c.mu.Unlock()

		logger.Debug("import map received", "rank", from, "subtrees", len(b.Subtrees))
		c.maybeResolveFinish()

	case *message.CacheRejoin:
		switch b.Op {
		case message.RejoinWeak:
			ack := message.New(message.PortCache, &message.CacheRejoin{Op: message.RejoinAck, Subtrees: c.Subtrees()})
			if err := c.host.SendToPeer(ack, from, message.PortCache); err != nil {
				logger.Warn("send rejoin ack failed", "rank", from, "error", err)
			}
		case message.RejoinAck:
			c.mu.Lock()
			delete(c.rejoinWait, from)
			c.mu.Unlock()

			c.maybeRejoinFinish()
		}

	default:
		logger.Warn("cache dropped message", "type", m.Type(), "from", m.Source)
	}
}

// Recovering returns the peers still recovering, sorted.
func (c *Cache) Recovering() []cluster.Rank {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]cluster.Rank, 0, len(c.recovery))
	for r := range c.recovery {
		out = append(out, r)
	}
	slices.Sort(out)

	return out
}
