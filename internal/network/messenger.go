package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/message"
	"NestFS/internal/wire"
)

const (
	// defaultRetryDelay is the initial delay before redialing an unreachable address.
	defaultRetryDelay = 500 * time.Millisecond

	// maxRetryDelay is the maximum delay before redialing an unreachable address.
	maxRetryDelay = 30 * time.Second

	// defaultDialTimeout bounds one dial attempt.
	defaultDialTimeout = 5 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "nestfs/1"
)

var (
	// ErrClosed is returned when sending through a closed messenger.
	ErrClosed = errors.New("messenger closed")

	// ErrNoAddress is returned when the destination instance is unset.
	ErrNoAddress = errors.New("destination has no address")

	// ErrStaleInstance is reported when the destination address is held by a
	// newer incarnation than the one addressed.
	ErrStaleInstance = errors.New("instance replaced")
)

// Handler receives what a messenger delivers.
type Handler interface {
	// Dispatch is called once per received message, in arrival order per sender.
	Dispatch(m *message.Message)

	// HandleFailure is called when a sent message could not be delivered.
	HandleFailure(m *message.Message, to cluster.Instance)
}

// Config holds the configuration for a Messenger.
type Config struct {
	ListenAddr    string             // ListenAddr is the address to listen on (e.g., ":6800")
	AdvertiseAddr string             // AdvertiseAddr is the address peers dial, the listener address when empty
	PrivateKey    ed25519.PrivateKey // PrivateKey signs the TLS certificate, generated when nil
	DialTimeout   time.Duration      // DialTimeout bounds one dial attempt
	RetryDelay    time.Duration      // RetryDelay is the initial fail-fast window after a dial failure
}

// Messenger delivers cluster messages over QUIC.
// Each destination address gets one ordered stream fed by its own goroutine,
// so Send never blocks on the network.
type Messenger struct {
	cfg        Config
	tlsConfig  *tls.Config  // tlsConfig is the TLS configuration
	quicConfig *quic.Config // quicConfig is the QUIC configuration

	listener *quic.Listener   // listener is the QUIC listener
	inst     cluster.Instance // inst is this process incarnation

	name   cluster.Entity // name is the declared logical name
	nameMu sync.RWMutex   // nameMu protects name

	handler Handler // handler receives messages, set before Start

	peers   map[string]*peer        // peers maps a destination address to its sender
	inbound map[*quic.Conn]struct{} // inbound are the accepted connections
	peersMu sync.Mutex              // peersMu protects peers and inbound

	loopback *outbox[[]byte] // loopback holds frames sent to this instance
	dedup    *Dedup          // dedup drops retransmitted frames
	seq      atomic.Uint64   // seq numbers outgoing frames

	closed atomic.Bool
	ctx    context.Context    // ctx is the messenger's context
	cancel context.CancelFunc // cancel cancels the messenger's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// Listen creates a messenger bound to its listen address.
// Delivery starts with Start.
func Listen(cfg Config) (*Messenger, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	if cfg.PrivateKey == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key:\n%w", err)
		}
		cfg.PrivateKey = priv
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	inst := cluster.NewInstance(cfg.AdvertiseAddr)

	tlsConfig, err := newTLSConfig(cfg.PrivateKey, cfg.AdvertiseAddr, inst.Nonce)
	if err != nil {
		return nil, err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	listener, err := quic.ListenAddr(cfg.ListenAddr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("listen:\n%w", err)
	}

	if inst.Addr == "" {
		inst.Addr = listener.Addr().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Messenger{
		cfg:        cfg,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		listener:   listener,
		inst:       inst,
		name:       cluster.Entity{Num: -1},
		peers:      make(map[string]*peer),
		inbound:    make(map[*quic.Conn]struct{}),
		loopback:   newOutbox[[]byte](),
		dedup:      NewDedup(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetHandler sets the receiver of delivered messages.
// It must be called before Start.
func (m *Messenger) SetHandler(h Handler) {
	m.handler = h
}

// Start begins accepting connections and delivering messages.
func (m *Messenger) Start() error {
	if m.handler == nil {
		return fmt.Errorf("no handler set")
	}

	m.wg.Add(2)
	go m.acceptLoop()
	go m.loopbackLoop()

	logger.Info("messenger listening", "inst", m.inst)

	return nil
}

// Fingerprint names the key this process presents to peers.
func (m *Messenger) Fingerprint() string {
	return Fingerprint(m.cfg.PrivateKey.Public().(ed25519.PublicKey))
}

// MyInst returns this process incarnation.
func (m *Messenger) MyInst() cluster.Instance {
	return m.inst
}

// SetMyName sets the declared logical name.
func (m *Messenger) SetMyName(e cluster.Entity) {
	m.nameMu.Lock()
	m.name = e
	m.nameMu.Unlock()
}

// MyName returns the declared logical name.
func (m *Messenger) MyName() cluster.Entity {
	m.nameMu.RLock()
	defer m.nameMu.RUnlock()

	return m.name
}

// Send queues a message for delivery to an instance.
// Delivery failures are reported through the handler.
func (m *Messenger) Send(msg *message.Message, to cluster.Instance) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if to.Addr == "" {
		return ErrNoAddress
	}

	envelope, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s:\n%w", msg.Type(), err)
	}

	frame := newFrame(m.seq.Add(1), to.Nonce, envelope)

	if to == m.inst {
		m.loopback.push(frame)
		return nil
	}

	p := m.peerFor(to.Addr)
	if p == nil {
		return ErrClosed
	}
	p.queue.push(outgoing{msg: msg, to: to, frame: frame})

	return nil
}

// Close stops the messenger and closes all connections.
// Calling Close more than once is a no-op.
func (m *Messenger) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	m.peersMu.Lock()
	m.cancel()
	err := m.listener.Close()

	for conn := range m.inbound {
		conn.CloseWithError(0, "closed")
	}
	m.peersMu.Unlock()

	m.wg.Wait()
	m.dedup.Close()

	return err
}

// peerFor returns the sender for an address, starting it on first use.
// Returns nil once the messenger is closed.
func (m *Messenger) peerFor(addr string) *peer {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	if m.closed.Load() {
		return nil
	}

	p, ok := m.peers[addr]
	if !ok {
		p = newPeer(m, addr)
		m.peers[addr] = p

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			p.run()
		}()
	}

	return p
}

// acceptLoop accepts incoming connections.
func (m *Messenger) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept(m.ctx)
		if err != nil {
			return // Listener closed
		}

		m.peersMu.Lock()
		if m.closed.Load() {
			m.peersMu.Unlock()
			conn.CloseWithError(0, "closed")
			return
		}
		m.inbound[conn] = struct{}{}
		m.peersMu.Unlock()

		m.wg.Add(1)
		go m.serveConn(conn)
	}
}

// serveConn reads every stream a remote sender opens on a connection.
func (m *Messenger) serveConn(conn *quic.Conn) {
	defer m.wg.Done()
	defer func() {
		m.peersMu.Lock()
		delete(m.inbound, conn)
		m.peersMu.Unlock()
	}()

	if key, err := peerFingerprint(conn.ConnectionState().TLS); err == nil {
		logger.Debug("connection accepted", "remote", conn.RemoteAddr(), "key", key)
	}

	var streams sync.WaitGroup
	defer streams.Wait()

	for {
		stream, err := conn.AcceptUniStream(m.ctx)
		if err != nil {
			logger.Debug("connection ended", "remote", conn.RemoteAddr(), "error", err)
			return
		}

		streams.Add(1)
		go func() {
			defer streams.Done()
			m.serveStream(stream, conn.RemoteAddr().String())
		}()
	}
}

// serveStream delivers the frames of one stream in order.
func (m *Messenger) serveStream(stream *quic.ReceiveStream, remote string) {
	for {
		frame, err := readMessage(stream)
		if err != nil {
			logger.Debug("stream ended", "remote", remote, "error", err)
			return
		}

		m.deliver(frame)
	}
}

// loopbackLoop delivers frames this instance sent to itself.
func (m *Messenger) loopbackLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.loopback.wake():
		}

		for _, frame := range m.loopback.drain() {
			m.deliver(frame)
		}
	}
}

// deliver decodes a frame and hands it to the handler.
func (m *Messenger) deliver(frame []byte) {
	if m.closed.Load() {
		return
	}

	if !m.dedup.Check(frame) {
		logger.Debug("dedup filtered", "bytes", len(frame))
		return
	}

	nonce, envelope, err := parseFrame(frame)
	if err != nil {
		logger.Warn("bad frame", "error", err)
		return
	}

	// Frames for an earlier process on this address are not ours.
	if nonce != 0 && nonce != m.inst.Nonce {
		logger.Debug("frame for another incarnation", "nonce", fmt.Sprintf("%x", nonce), "inst", m.inst)
		return
	}

	msg, err := wire.Decode(envelope)
	if err != nil {
		logger.Warn("bad message", "error", err)
		return
	}

	m.handler.Dispatch(msg)
}

// fail reports a message that could not be delivered.
func (m *Messenger) fail(o outgoing, err error) {
	if m.closed.Load() {
		return
	}

	logger.Debug("send failed", "to", o.to, "type", o.msg.Type(), "error", err)
	m.handler.HandleFailure(o.msg, o.to)
}
