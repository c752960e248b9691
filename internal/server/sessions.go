package server

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"

	"NestFS/internal/cluster"
	"NestFS/internal/gather"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
	"NestFS/internal/message"
	"NestFS/internal/storage"
)

// Session is an open client session.
type Session struct {
	Client int32            `json:"client"`
	Inst   cluster.Instance `json:"inst"`
	Seq    uint64           `json:"seq"` // Seq is the last session op seen from the client
}

// Sessions returns the open sessions ordered by client id.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	slices.SortFunc(out, func(a, b Session) int { return cmp.Compare(a.Client, b.Client) })

	return out
}

// handleSession opens, closes or reconnects a client session.
func (s *Server) handleSession(m *message.Message, b *message.ClientSession) {
	client := m.Source.Num

	switch b.Op {
	case message.SessionOpen:
		s.mu.Lock()
		s.sessions[client] = Session{Client: client, Inst: m.SourceInst, Seq: b.Seq}
		s.mu.Unlock()

		logger.Info("session opened", "client", client, "inst", m.SourceInst)
		s.saveSessions(s.host.Resume(func(err error) {
			if err != nil {
				logger.Warn("session not persisted", "client", client, "error", err)
				return
			}
			s.reply(m.SourceInst, &message.ClientSession{Op: message.SessionOpen, Seq: b.Seq, Client: client})
		}))

	case message.SessionClose:
		s.mu.Lock()
		_, ok := s.sessions[client]
		delete(s.sessions, client)
		s.mu.Unlock()

		if !ok {
			logger.Debug("close for unknown session", "client", client)
		}
		s.saveSessions(nil)
		s.reply(m.SourceInst, &message.ClientSession{Op: message.SessionClose, Seq: b.Seq, Client: client})

	case message.SessionReconnect:
		s.mu.Lock()
		_, waiting := s.reconnecting[client]
		if waiting {
			delete(s.reconnecting, client)
			s.sessions[client] = Session{Client: client, Inst: m.SourceInst, Seq: b.Seq}
		}
		s.mu.Unlock()

		if !waiting {
			logger.Info("reconnect refused", "client", client)
			s.reply(m.SourceInst, &message.ClientSession{Op: message.SessionClose, Seq: b.Seq, Client: client})
			return
		}

		logger.Info("client reconnected", "client", client)
		s.reply(m.SourceInst, &message.ClientSession{Op: message.SessionReconnect, Seq: b.Seq, Client: client})
		s.maybeReconnectDone()
	}
}

// ReconnectClients loads the persisted sessions and waits for each client to reconnect.
// Rejoin is requested once every client came back or failed.
func (s *Server) ReconnectClients() {
	rank := s.host.Whoami()

	s.store.Submit(func() error {
		loaded, err := s.loadSessions(rank)
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		clear(s.reconnecting)
		for _, sess := range loaded {
			s.reconnecting[sess.Client] = sess
		}
		s.reconnectStarted = true

		return nil
	}, s.host.Resume(func(err error) {
		if err != nil {
			logger.Error("load sessions failed", "error", err)
			return
		}

		waiting := s.waiting()
		logger.Info("waiting for client reconnects", "clients", len(waiting))

		// A client that cannot be reached will never reconnect. Failures
		// reported later by the messenger end up in ClientReconnectFailure too.
		for _, sess := range waiting {
			m := message.New(message.PortClient, &message.ClientSession{Op: message.SessionReconnect, Seq: sess.Seq, Client: sess.Client})
			if err := s.host.SendToClient(m, sess.Inst); err != nil {
				logger.Debug("reconnect prompt failed", "client", sess.Client, "error", err)
				s.ClientReconnectFailure(sess.Client)
			}
		}

		s.maybeReconnectDone()
	}))
}

// waiting returns the sessions that have not reconnected yet.
func (s *Server) waiting() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.reconnecting))
	for _, sess := range s.reconnecting {
		out = append(out, sess)
	}

	return out
}

// ClientReconnectFailure gives up on a client whose reconnect could not be delivered.
func (s *Server) ClientReconnectFailure(client int32) {
	s.mu.Lock()
	_, ok := s.reconnecting[client]
	delete(s.reconnecting, client)
	s.mu.Unlock()

	if ok {
		logger.Info("client reconnect failed", "client", client)
		s.maybeReconnectDone()
	}
}

// maybeReconnectDone requests rejoin when no client is still expected.
func (s *Server) maybeReconnectDone() {
	if !s.host.IsReconnect() {
		return
	}

	s.mu.Lock()
	done := s.reconnectStarted && len(s.reconnecting) == 0
	if done {
		s.reconnectStarted = false
	}
	s.mu.Unlock()

	if done {
		s.saveSessions(nil)
		s.host.RequestState(mdsmap.StateRejoin)
	}
}

// TerminateSessions closes every session.
func (s *Server) TerminateSessions() {
	for _, sess := range s.Sessions() {
		s.reply(sess.Inst, &message.ClientSession{Op: message.SessionClose, Seq: sess.Seq, Client: sess.Client})
	}

	s.mu.Lock()
	n := len(s.sessions)
	clear(s.sessions)
	clear(s.reconnecting)
	s.mu.Unlock()

	logger.Info("sessions terminated", "count", n)
	s.saveSessions(nil)
}

// saveSessions persists the session table of the current rank.
func (s *Server) saveSessions(done gather.Continuation) {
	rank := s.host.Whoami()
	value := encodeSessions(s.Sessions())

	s.store.Submit(func() error {
		return s.store.Apply([]storage.Mutation{{Key: sessionKey(rank), Value: value}}, true)
	}, func(err error) {
		if err != nil {
			err = fmt.Errorf("save sessions:\n%w", err)
		}
		if done != nil {
			done(err)
		}
	})
}

// loadSessions reads the persisted sessions. Runs on the I/O goroutine.
func (s *Server) loadSessions(rank cluster.Rank) ([]Session, error) {
	raw, err := s.store.Get(sessionKey(rank))
	if err != nil {
		return nil, fmt.Errorf("load sessions:\n%w", err)
	}

	return decodeSessions(raw)
}

func sessionKey(r cluster.Rank) []byte {
	return binary.BigEndian.AppendUint32([]byte("t/sessions/"), uint32(r))
}

// encodeSessions serializes sessions.
// Layout: count(4) | (client(4) nonce(8) seq(8) addrLen(2) addr)*
func encodeSessions(sessions []Session) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(sessions)))

	for _, sess := range sessions {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(sess.Client))
		buf = binary.LittleEndian.AppendUint64(buf, sess.Inst.Nonce)
		buf = binary.LittleEndian.AppendUint64(buf, sess.Seq)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(sess.Inst.Addr)))
		buf = append(buf, sess.Inst.Addr...)
	}

	return buf
}

func decodeSessions(buf []byte) ([]Session, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("session table too short: %d bytes", len(buf))
	}

	n := int(binary.LittleEndian.Uint32(buf))
	rest := buf[4:]
	out := make([]Session, 0, n)

	for range n {
		if len(rest) < 22 {
			return nil, fmt.Errorf("session table truncated")
		}

		sess := Session{
			Client: int32(binary.LittleEndian.Uint32(rest[0:4])),
			Seq:    binary.LittleEndian.Uint64(rest[12:20]),
		}
		sess.Inst.Nonce = binary.LittleEndian.Uint64(rest[4:12])
		l := int(binary.LittleEndian.Uint16(rest[20:22]))
		rest = rest[22:]

		if len(rest) < l {
			return nil, fmt.Errorf("session table truncated")
		}
		sess.Inst.Addr = string(rest[:l])
		rest = rest[l:]

		out = append(out, sess)
	}

	return out, nil
}
