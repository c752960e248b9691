// Package client is a NestFS metadata client. It keeps a session with the
// metadata server that owns the namespace root and sends requests over the
// cluster transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
	"NestFS/internal/network"
)

var (
	// ErrClosed is returned once the client is closed.
	ErrClosed = errors.New("client closed")

	// ErrSessionClosed is returned when the server ended or refused the session.
	ErrSessionClosed = errors.New("session closed by server")

	// ErrNoRoute is returned when a forwarded request names a rank without an instance.
	ErrNoRoute = errors.New("no instance for rank")

	// ErrUndeliverable is returned when the transport gave up on a message.
	ErrUndeliverable = errors.New("message undeliverable")
)

// Transport carries the client's messages.
type Transport interface {
	Send(m *message.Message, to cluster.Instance) error
	MyInst() cluster.Instance
	SetMyName(name cluster.Entity)
	SetHandler(h network.Handler)
	Start() error
	Close() error
}

// Reply is the outcome of a request.
type Reply struct {
	Result int32  // Result is zero on success, a negative errno otherwise
	Ino    uint64 // Ino is the inode the request touched
}

// OK reports whether the request succeeded.
func (r Reply) OK() bool {
	return r.Result == 0
}

// call is a request waiting for its reply.
type call struct {
	req   *message.ClientRequest
	reply chan Reply
	err   chan error
}

// sessionWaiter is a session op waiting for its ack.
type sessionWaiter struct {
	op   message.SessionOp
	done chan error
}

// Client is one client process.
type Client struct {
	id  int32
	t   Transport
	log *slog.Logger

	mu           sync.Mutex
	target       cluster.Instance // target is the server requests go to
	mdsmap       *mdsmap.Map      // mdsmap is the newest map a server pushed
	open         bool
	reconnecting bool // reconnecting is set between a reconnect prompt and its ack
	seq          uint64
	tid          uint64
	calls        map[uint64]*call
	sessionOps   map[uint64]sessionWaiter // sessionOps are session ops waiting for their ack, by seq
	closed       bool
}

// New creates client id talking to the server at target.
// The client becomes the transport's handler.
func New(id int32, target cluster.Instance, t Transport) *Client {
	c := &Client{
		id:         id,
		t:          t,
		log:        logger.With("client", id),
		target:     target,
		calls:      map[uint64]*call{},
		sessionOps: map[uint64]sessionWaiter{},
	}

	t.SetMyName(cluster.Client(id))
	t.SetHandler(c)

	return c
}

// Start starts message delivery.
func (c *Client) Start() error {
	if err := c.t.Start(); err != nil {
		return fmt.Errorf("start transport:\n%w", err)
	}

	return nil
}

// ID returns the client id.
func (c *Client) ID() int32 {
	return c.id
}

// Target returns the server requests currently go to.
func (c *Client) Target() cluster.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.target
}

// IsOpen reports whether the session is open.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.open
}

// OpenSession opens a session and waits until the server persisted it.
func (c *Client) OpenSession(ctx context.Context) error {
	if err := c.sessionOp(ctx, message.SessionOpen); err != nil {
		return fmt.Errorf("open session:\n%w", err)
	}

	return nil
}

// CloseSession closes the session.
func (c *Client) CloseSession(ctx context.Context) error {
	if err := c.sessionOp(ctx, message.SessionClose); err != nil {
		return fmt.Errorf("close session:\n%w", err)
	}

	return nil
}

// sessionOp sends a session op and waits for the matching ack.
func (c *Client) sessionOp(ctx context.Context, op message.SessionOp) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	c.seq++
	seq := c.seq
	done := make(chan error, 1)
	c.sessionOps[seq] = sessionWaiter{op: op, done: done}
	to := c.target
	c.mu.Unlock()

	if err := c.send(&message.ClientSession{Op: op, Seq: seq, Client: c.id}, to); err != nil {
		c.dropSessionOp(seq)
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.dropSessionOp(seq)
		return ctx.Err()
	}
}

func (c *Client) dropSessionOp(seq uint64) {
	c.mu.Lock()
	delete(c.sessionOps, seq)
	c.mu.Unlock()
}

// Request runs op on path and waits for the reply.
// Lookups are sent idempotent, so a forwarding server passes them on itself.
func (c *Client) Request(ctx context.Context, op, path string) (Reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Reply{}, ErrClosed
	}
	if !c.open {
		c.mu.Unlock()
		return Reply{}, ErrSessionClosed
	}

	c.tid++
	cl := &call{
		req: &message.ClientRequest{
			Tid:        c.tid,
			Client:     c.id,
			ClientInst: c.t.MyInst(),
			Idempotent: op == "lookup" || op == "stat",
			Op:         op,
			Path:       path,
		},
		reply: make(chan Reply, 1),
		err:   make(chan error, 1),
	}
	c.calls[cl.req.Tid] = cl
	to := c.target
	c.mu.Unlock()

	if err := c.send(cl.req, to); err != nil {
		c.dropCall(cl.req.Tid)
		return Reply{}, fmt.Errorf("send %s %s:\n%w", op, path, err)
	}

	select {
	case r := <-cl.reply:
		return r, nil
	case err := <-cl.err:
		return Reply{}, fmt.Errorf("%s %s:\n%w", op, path, err)
	case <-ctx.Done():
		c.dropCall(cl.req.Tid)
		return Reply{}, ctx.Err()
	}
}

func (c *Client) dropCall(tid uint64) {
	c.mu.Lock()
	delete(c.calls, tid)
	c.mu.Unlock()
}

// Close fails every waiting call and closes the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	c.failAllLocked(ErrClosed)
	c.mu.Unlock()

	return c.t.Close()
}

// failAllLocked ends every waiting call and session op with err.
func (c *Client) failAllLocked(err error) {
	for tid, cl := range c.calls {
		cl.err <- err
		delete(c.calls, tid)
	}
	for seq, w := range c.sessionOps {
		w.done <- err
		delete(c.sessionOps, seq)
	}
}

// Dispatch handles a message from a server.
func (c *Client) Dispatch(m *message.Message) {
	switch b := m.Body.(type) {
	case *message.ClientReply:
		c.handleReply(b)
	case *message.ClientRequestForward:
		c.handleForward(b)
	case *message.ClientSession:
		c.handleSession(m, b)
	case *message.MDSMap:
		c.handleMap(b)
	default:
		c.log.Debug("client dropped message", "type", m.Type(), "from", m.Source)
	}
}

// HandleFailure fails the call or session op whose message could not be delivered.
func (c *Client) HandleFailure(m *message.Message, to cluster.Instance) {
	err := fmt.Errorf("deliver to %s:\n%w", to, ErrUndeliverable)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch b := m.Body.(type) {
	case *message.ClientRequest:
		if cl, ok := c.calls[b.Tid]; ok {
			delete(c.calls, b.Tid)
			cl.err <- err
		}
	case *message.ClientSession:
		if w, ok := c.sessionOps[b.Seq]; ok {
			delete(c.sessionOps, b.Seq)
			w.done <- err
		}
	}
}

func (c *Client) handleReply(b *message.ClientReply) {
	c.mu.Lock()
	cl, ok := c.calls[b.Tid]
	delete(c.calls, b.Tid)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("reply for unknown request", "tid", b.Tid)
		return
	}

	cl.reply <- Reply{Result: b.Result, Ino: b.Ino}
}

// handleForward resends a request the server dropped on forward.
func (c *Client) handleForward(b *message.ClientRequestForward) {
	c.mu.Lock()
	cl, ok := c.calls[b.Tid]
	if !ok {
		c.mu.Unlock()
		return
	}

	cl.req.NumFwd = b.NumFwd
	if cl.req.Idempotent {
		c.mu.Unlock()
		c.log.Debug("request forwarded", "tid", b.Tid, "dest", b.Dest, "fwd", b.NumFwd)
		return
	}

	if c.mdsmap == nil || !c.mdsmap.HaveInst(b.Dest) {
		delete(c.calls, b.Tid)
		c.mu.Unlock()
		cl.err <- fmt.Errorf("forward to mds.%d:\n%w", b.Dest, ErrNoRoute)
		return
	}
	to := c.mdsmap.Inst(b.Dest)
	c.mu.Unlock()

	c.log.Debug("request resent", "tid", b.Tid, "dest", b.Dest, "inst", to)
	if err := c.send(cl.req, to); err != nil {
		c.dropCall(b.Tid)
		cl.err <- err
	}
}

// handleSession completes session ops and answers the server's reconnect prompt.
func (c *Client) handleSession(m *message.Message, b *message.ClientSession) {
	c.mu.Lock()

	w, waited := c.sessionOps[b.Seq]
	if waited {
		delete(c.sessionOps, b.Seq)
	}

	switch b.Op {
	case message.SessionOpen:
		c.open = true
		c.mu.Unlock()
		c.log.Info("session open", "server", m.Source)
		if waited {
			w.done <- nil
		}

	case message.SessionClose:
		c.open = false
		c.reconnecting = false
		c.mu.Unlock()

		if waited && w.op == message.SessionClose {
			w.done <- nil
			return
		}
		if waited {
			w.done <- ErrSessionClosed
		}
		c.log.Info("session closed by server", "server", m.Source)

	case message.SessionReconnect:
		if c.reconnecting {
			c.reconnecting = false
			c.open = true
			pending := make([]*message.ClientRequest, 0, len(c.calls))
			for _, cl := range c.calls {
				pending = append(pending, cl.req)
			}
			to := c.target
			c.mu.Unlock()

			c.log.Info("session reconnected", "server", m.Source, "resent", len(pending))
			for _, req := range pending {
				if err := c.send(req, to); err != nil {
					c.log.Debug("resend failed", "tid", req.Tid, "error", err)
				}
			}
			return
		}

		if !c.open {
			c.mu.Unlock()
			c.log.Debug("reconnect prompt without a session", "server", m.Source)
			return
		}

		// The server restarted: follow it and reclaim the session.
		c.reconnecting = true
		c.target = m.SourceInst
		c.mu.Unlock()

		c.log.Info("reconnecting session", "server", m.Source, "inst", m.SourceInst)
		if err := c.send(&message.ClientSession{Op: message.SessionReconnect, Seq: b.Seq, Client: c.id}, m.SourceInst); err != nil {
			c.log.Warn("reconnect failed", "error", err)
		}
	default:
		c.mu.Unlock()
	}
}

// handleMap keeps the newest map and follows the rank that owns the root.
func (c *Client) handleMap(b *message.MDSMap) {
	if b.Map == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mdsmap != nil && b.Map.Epoch() <= c.mdsmap.Epoch() {
		return
	}
	c.mdsmap = b.Map

	if root := b.Map.Root(); b.Map.HaveInst(root) {
		c.target = b.Map.Inst(root)
	}
}

// send stamps the client identity on body and sends it to a server.
func (c *Client) send(body message.Body, to cluster.Instance) error {
	m := message.New(message.PortServer, body)
	m.Source = cluster.Client(c.id)
	m.SourceInst = c.t.MyInst()

	return c.t.Send(m, to)
}
