package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NestFS/internal/cluster"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
	"NestFS/internal/network"
)

// fakeServer answers client messages the way a metadata server does.
type fakeServer struct {
	ep *network.Endpoint

	mu       sync.Mutex
	got      []*message.Message
	forward  *message.ClientRequestForward // forward is sent instead of a reply when set
	silent   bool                          // silent drops requests without replying
	sessions map[int32]uint64
}

func newFakeServer(t *testing.T, hub *network.Hub, addr string) *fakeServer {
	t.Helper()

	s := &fakeServer{ep: hub.Join(addr), sessions: map[int32]uint64{}}
	s.ep.SetMyName(cluster.MDS(0))
	s.ep.SetHandler(s)
	require.NoError(t, s.ep.Start())
	t.Cleanup(func() { s.ep.Close() })

	return s
}

func (s *fakeServer) Dispatch(m *message.Message) {
	s.mu.Lock()
	s.got = append(s.got, m)
	fwd, silent := s.forward, s.silent
	s.mu.Unlock()

	switch b := m.Body.(type) {
	case *message.ClientSession:
		s.mu.Lock()
		s.sessions[b.Client] = b.Seq
		s.mu.Unlock()
		s.send(&message.ClientSession{Op: b.Op, Seq: b.Seq, Client: b.Client}, m.SourceInst)

	case *message.ClientRequest:
		switch {
		case fwd != nil:
			f := *fwd
			f.Tid = b.Tid
			s.send(&f, b.ClientInst)
		case !silent:
			s.send(&message.ClientReply{Tid: b.Tid, Ino: 0x100 + b.Tid}, b.ClientInst)
		}
	}
}

func (s *fakeServer) HandleFailure(*message.Message, cluster.Instance) {}

func (s *fakeServer) send(body message.Body, to cluster.Instance) {
	m := message.New(message.PortClient, body)
	m.Source = cluster.MDS(0)
	m.SourceInst = s.ep.MyInst()
	s.ep.Send(m, to)
}

// requests returns the requests the server received.
func (s *fakeServer) requests() []*message.ClientRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*message.ClientRequest
	for _, m := range s.got {
		if r, ok := m.Body.(*message.ClientRequest); ok {
			out = append(out, r)
		}
	}

	return out
}

func newClient(t *testing.T, hub *network.Hub, target cluster.Instance) *Client {
	t.Helper()

	c := New(7, target, hub.Join("client-7"))
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Close() })

	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// TestSessionOpenClose tests the session handshake.
func TestSessionOpenClose(t *testing.T) {
	hub := network.NewHub()
	srv := newFakeServer(t, hub, "mds-0")
	c := newClient(t, hub, srv.ep.MyInst())
	ctx := testContext(t)

	_, err := c.Request(ctx, "lookup", "/")
	assert.ErrorIs(t, err, ErrSessionClosed)

	require.NoError(t, c.OpenSession(ctx))
	assert.True(t, c.IsOpen())

	require.NoError(t, c.CloseSession(ctx))
	assert.False(t, c.IsOpen())
}

// TestRequestReply tests that replies are matched to their requests.
func TestRequestReply(t *testing.T) {
	hub := network.NewHub()
	srv := newFakeServer(t, hub, "mds-0")
	c := newClient(t, hub, srv.ep.MyInst())
	ctx := testContext(t)
	require.NoError(t, c.OpenSession(ctx))

	r, err := c.Request(ctx, "mkdir", "/a")
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, uint64(0x101), r.Ino)

	r, err = c.Request(ctx, "lookup", "/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x102), r.Ino)

	reqs := srv.requests()
	require.Len(t, reqs, 2)
	assert.False(t, reqs[0].Idempotent)
	assert.True(t, reqs[1].Idempotent)
	assert.Equal(t, int32(7), reqs[0].Client)
	assert.Equal(t, c.t.MyInst(), reqs[0].ClientInst)
}

// TestForwardResend tests that a request dropped on forward is resent to the named rank.
func TestForwardResend(t *testing.T) {
	hub := network.NewHub()
	srv0 := newFakeServer(t, hub, "mds-0")
	srv1 := newFakeServer(t, hub, "mds-1")
	c := newClient(t, hub, srv0.ep.MyInst())
	ctx := testContext(t)
	require.NoError(t, c.OpenSession(ctx))

	m := message.New(message.PortClient, &message.MDSMap{Map: mdsmap.NewBuilder(3).
		Set(0, mdsmap.StateActive, srv0.ep.MyInst()).
		Set(1, mdsmap.StateActive, srv1.ep.MyInst()).
		Build()})
	m.Source = cluster.MDS(0)
	m.SourceInst = srv0.ep.MyInst()
	srv0.ep.Send(m, c.t.MyInst())

	srv0.mu.Lock()
	srv0.forward = &message.ClientRequestForward{Dest: 1, NumFwd: 1}
	srv0.mu.Unlock()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.mdsmap != nil
	}, 2*time.Second, 5*time.Millisecond)

	r, err := c.Request(ctx, "create", "/f")
	require.NoError(t, err)
	assert.True(t, r.OK())

	reqs := srv1.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int32(1), reqs[0].NumFwd)
}

// TestForwardWithoutMap tests that a dropped request fails when the rank is unknown.
func TestForwardWithoutMap(t *testing.T) {
	hub := network.NewHub()
	srv := newFakeServer(t, hub, "mds-0")
	srv.forward = &message.ClientRequestForward{Dest: 4, NumFwd: 1}
	c := newClient(t, hub, srv.ep.MyInst())
	ctx := testContext(t)
	require.NoError(t, c.OpenSession(ctx))

	_, err := c.Request(ctx, "create", "/f")
	assert.ErrorIs(t, err, ErrNoRoute)
}

// TestReconnectAfterRestart tests that a prompt from a restarted server reclaims the session
// and resends unanswered requests.
func TestReconnectAfterRestart(t *testing.T) {
	hub := network.NewHub()
	old := newFakeServer(t, hub, "mds-0")
	old.silent = true
	c := newClient(t, hub, old.ep.MyInst())
	ctx := testContext(t)
	require.NoError(t, c.OpenSession(ctx))

	result := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, "mkdir", "/pending")
		result <- err
	}()
	require.Eventually(t, func() bool { return len(old.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, old.ep.Close())
	restarted := newFakeServer(t, hub, "mds-0")
	restarted.send(&message.ClientSession{Op: message.SessionReconnect, Seq: 1, Client: 7}, c.t.MyInst())

	require.NoError(t, <-result)
	assert.Equal(t, restarted.ep.MyInst(), c.Target())
	assert.True(t, c.IsOpen())

	reqs := restarted.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/pending", reqs[0].Path)
}

// TestServerClosesSession tests that a server-side close ends the session.
func TestServerClosesSession(t *testing.T) {
	hub := network.NewHub()
	srv := newFakeServer(t, hub, "mds-0")
	c := newClient(t, hub, srv.ep.MyInst())
	ctx := testContext(t)
	require.NoError(t, c.OpenSession(ctx))

	srv.send(&message.ClientSession{Op: message.SessionClose, Seq: 99, Client: 7}, c.t.MyInst())
	require.Eventually(t, func() bool { return !c.IsOpen() }, 2*time.Second, 5*time.Millisecond)
}

// TestCloseFailsWaiters tests that closing the client ends waiting requests.
func TestCloseFailsWaiters(t *testing.T) {
	hub := network.NewHub()
	srv := newFakeServer(t, hub, "mds-0")
	srv.silent = true
	c := newClient(t, hub, srv.ep.MyInst())
	ctx := testContext(t)
	require.NoError(t, c.OpenSession(ctx))

	result := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, "lookup", "/")
		result <- err
	}()
	require.Eventually(t, func() bool { return len(srv.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-result, ErrClosed)

	_, err := c.Request(ctx, "lookup", "/")
	assert.ErrorIs(t, err, ErrClosed)
}
