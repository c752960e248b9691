// Package server handles client sessions and client metadata requests.
package server

import (
	"errors"
	"path"
	"sync"

	"NestFS/internal/anchor"
	"NestFS/internal/cache"
	"NestFS/internal/cluster"
	"NestFS/internal/gather"
	"NestFS/internal/idalloc"
	"NestFS/internal/journal"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
	"NestFS/internal/metrics"
	"NestFS/internal/storage"
)

// Result codes carried in ClientReply.Result.
const (
	ResultOK          int32 = 0
	ResultNotFound    int32 = -2
	ResultIO          int32 = -5
	ResultExist       int32 = -17
	ResultNotDir      int32 = -20
	ResultIsDir       int32 = -21
	ResultInvalid     int32 = -22
	ResultUnsupported int32 = -38
	ResultNotEmpty    int32 = -39
	ResultShutdown    int32 = -108
)

var (
	errIsDir       = errors.New("is a directory")
	errUnsupported = errors.New("unsupported operation")
)

// Host is the part of the metadata server the request handler calls back into.
// Every method is called with the server lock held.
type Host interface {
	Whoami() cluster.Rank
	Map() *mdsmap.Map
	IsActive() bool
	IsReconnect() bool
	IsStopping() bool
	WaitForActive(fn func())
	Forward(m *message.Message, r cluster.Rank)
	SendToClient(m *message.Message, inst cluster.Instance) error
	RequestState(s mdsmap.State)
	Resume(fn gather.Continuation) gather.Continuation
}

// Deps are the subsystems requests are served from.
type Deps struct {
	Store    *storage.Store
	Journal  *journal.Journal
	Cache    *cache.Cache
	IDs      *idalloc.Table
	Anchors  *anchor.Client
	Balancer *cache.Balancer
	Metrics  *metrics.Metrics
}

// Server owns client sessions and executes client requests against the cache.
type Server struct {
	host     Host
	store    *storage.Store
	journal  *journal.Journal
	cache    *cache.Cache
	ids      *idalloc.Table
	anchors  *anchor.Client
	balancer *cache.Balancer
	metrics  *metrics.Metrics

	mu               sync.Mutex
	sessions         map[int32]Session
	reconnecting     map[int32]Session // reconnecting holds sessions expected to reconnect
	reconnectStarted bool
}

// New creates a server.
func New(host Host, deps Deps) *Server {
	return &Server{
		host:         host,
		store:        deps.Store,
		journal:      deps.Journal,
		cache:        deps.Cache,
		ids:          deps.IDs,
		anchors:      deps.Anchors,
		balancer:     deps.Balancer,
		metrics:      deps.Metrics,
		sessions:     map[int32]Session{},
		reconnecting: map[int32]Session{},
	}
}

// Dispatch handles a message delivered to the server port.
func (s *Server) Dispatch(m *message.Message) {
	switch b := m.Body.(type) {
	case *message.ClientSession:
		s.handleSession(m, b)
	case *message.ClientRequest:
		s.metrics.Requests.Inc()
		s.handleRequest(m, b)
	default:
		logger.Warn("server dropped message", "type", m.Type(), "from", m.Source)
	}
}

// handleRequest serves a request here or sends it to the rank that owns the namespace.
func (s *Server) handleRequest(m *message.Message, b *message.ClientRequest) {
	if s.host.IsStopping() {
		s.replyRequest(b, 0, ResultShutdown)
		return
	}

	if !s.host.IsActive() {
		logger.Debug("request deferred until active", "tid", b.Tid, "client", b.Client)
		s.host.WaitForActive(func() { s.handleRequest(m, b) })
		return
	}

	if root := s.host.Map().Root(); root != s.host.Whoami() {
		s.host.Forward(m, root)
		return
	}

	if s.balancer != nil {
		s.balancer.Hit()
	}

	s.execute(b)
}

// execute runs one request on this rank's namespace.
func (s *Server) execute(b *message.ClientRequest) {
	switch b.Op {
	case "lookup", "stat":
		d, err := s.cache.Lookup(b.Path)
		s.replyRequest(b, d.Ino, resultOf(err))

	case "mkdir", "create":
		ino := s.ids.Alloc()
		payload, err := s.cache.Link(b.Path, ino, b.Op == "mkdir")
		if err != nil {
			s.ids.Reclaim(ino)
			s.replyRequest(b, 0, resultOf(err))
			return
		}
		s.commit(b, ino, payload)

	case "unlink", "rmdir":
		d, err := s.cache.Lookup(b.Path)
		if err == nil && d.IsDir && b.Op == "unlink" {
			err = errIsDir
		} else if err == nil && !d.IsDir && b.Op == "rmdir" {
			err = cache.ErrNotDir
		}
		if err != nil {
			s.replyRequest(b, 0, resultOf(err))
			return
		}

		_, payload, err := s.cache.Unlink(b.Path)
		if err != nil {
			s.replyRequest(b, 0, resultOf(err))
			return
		}
		s.commit(b, d.Ino, payload)

	case "anchor":
		d, err := s.cache.Lookup(b.Path)
		if err != nil {
			s.replyRequest(b, 0, resultOf(err))
			return
		}
		parent, err := s.cache.Lookup(path.Dir(b.Path))
		if err != nil {
			s.replyRequest(b, 0, resultOf(err))
			return
		}

		// Table replies arrive through dispatch, already under the server lock.
		s.anchors.Create(d.Ino, parent.Ino, func(err error) {
			s.replyRequest(b, d.Ino, resultOf(err))
		})

	default:
		s.replyRequest(b, 0, resultOf(errUnsupported))
	}
}

// commit journals a namespace change and saves the id table, replying once both are durable.
func (s *Server) commit(b *message.ClientRequest, ino uint64, payload []byte) {
	g := gather.New(s.host.Resume(func(err error) {
		if err != nil {
			logger.Warn("request commit failed", "tid", b.Tid, "error", err)
		}
		s.replyRequest(b, ino, resultOf(err))
	}))

	s.journal.Submit(payload, g.Sub())
	s.ids.Save(g.Sub())
	g.Activate()
}

// replyRequest completes a client request.
func (s *Server) replyRequest(b *message.ClientRequest, ino uint64, result int32) {
	s.metrics.Replies.Inc()
	s.reply(b.ClientInst, &message.ClientReply{Tid: b.Tid, Result: result, Ino: ino})
}

// reply sends body to a client.
func (s *Server) reply(inst cluster.Instance, body message.Body) {
	if err := s.host.SendToClient(message.New(message.PortClient, body), inst); err != nil {
		logger.Debug("client reply failed", "inst", inst, "type", body.Type(), "error", err)
	}
}

// resultOf maps an error to a reply result code.
func resultOf(err error) int32 {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, cache.ErrNotFound):
		return ResultNotFound
	case errors.Is(err, cache.ErrExist):
		return ResultExist
	case errors.Is(err, cache.ErrNotDir):
		return ResultNotDir
	case errors.Is(err, errIsDir):
		return ResultIsDir
	case errors.Is(err, cache.ErrInvalid):
		return ResultInvalid
	case errors.Is(err, cache.ErrNotEmpty):
		return ResultNotEmpty
	case errors.Is(err, errUnsupported):
		return ResultUnsupported
	default:
		return ResultIO
	}
}
