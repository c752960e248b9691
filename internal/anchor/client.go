package anchor

import (
	"sort"
	"sync"

	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/message"
)

// request is an anchor update in flight.
type request struct {
	op     message.AnchorOp
	ino    uint64
	parent uint64
	agreed bool        // agreed is set once the table answered the prepare
	done   func(error) // done runs after the table acknowledges the commit
}

// Client drives two-phase anchor updates against the table rank.
// It is only used while the caller holds the metadata server lock.
type Client struct {
	host Host

	mu       sync.Mutex
	last     uint64
	requests map[uint64]*request
}

// NewClient creates an anchor client.
func NewClient(host Host) *Client {
	return &Client{host: host, requests: map[uint64]*request{}}
}

// Create anchors ino under parent.
func (c *Client) Create(ino, parent uint64, done func(error)) {
	c.start(&request{op: message.AnchorCreatePrepare, ino: ino, parent: parent, done: done})
}

// Destroy drops one anchor on ino.
func (c *Client) Destroy(ino uint64, done func(error)) {
	c.start(&request{op: message.AnchorDestroyPrepare, ino: ino, done: done})
}

// Pending returns the number of updates not yet acknowledged.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.requests)
}

func (c *Client) start(req *request) {
	c.mu.Lock()
	c.last++
	id := uint64(c.host.Whoami())<<48 | c.last
	c.requests[id] = req
	c.mu.Unlock()

	c.sendPhase(id, req)
}

// sendPhase sends the message matching the request's progress.
func (c *Client) sendPhase(id uint64, req *request) {
	body := &message.Anchor{Op: req.op, Ino: req.ino, Parent: req.parent, ReqID: id}
	if req.agreed {
		body = &message.Anchor{Op: message.AnchorCommit, Ino: req.ino, ReqID: id}
	}

	table := c.host.Map().AnchorTable()
	if err := c.host.SendToPeer(message.New(message.PortAnchorTable, body), table, message.PortAnchorTable); err != nil {
		logger.Debug("anchor request deferred", "reqid", id, "table", table, "error", err)
	}
}

// Dispatch handles a reply from the table.
func (c *Client) Dispatch(m *message.Message) {
	reply, ok := m.Body.(*message.Anchor)
	if !ok {
		logger.Warn("anchor client dropping message", "msg", m)
		return
	}

	c.mu.Lock()
	req, ok := c.requests[reply.ReqID]
	if !ok {
		c.mu.Unlock()
		logger.Debug("anchor reply for unknown request", "reqid", reply.ReqID, "op", reply.Op)
		return
	}

	switch reply.Op {
	case message.AnchorCreateAgree, message.AnchorDestroyAgree:
		req.agreed = true
		c.mu.Unlock()
		c.sendPhase(reply.ReqID, req)

	case message.AnchorAck:
		delete(c.requests, reply.ReqID)
		c.mu.Unlock()
		if req.done != nil {
			req.done(nil)
		}

	default:
		c.mu.Unlock()
		logger.Debug("anchor client ignoring reply", "op", reply.Op)
	}
}

// FinishRecovery resends every unfinished update after this rank recovers.
func (c *Client) FinishRecovery() {
	c.resend()
}

// HandleRecovery resends unfinished updates when the table rank comes back.
func (c *Client) HandleRecovery(r cluster.Rank) {
	if r != c.host.Map().AnchorTable() {
		return
	}

	c.resend()
}

func (c *Client) resend() {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.requests))
	for id := range c.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	reqs := make([]*request, len(ids))
	for i, id := range ids {
		reqs[i] = c.requests[id]
	}
	c.mu.Unlock()

	for i, id := range ids {
		c.sendPhase(id, reqs[i])
	}
}
