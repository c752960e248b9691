package network

import (
	"context"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/message"
)

// writeTimeout bounds one frame write on a stalled stream.
const writeTimeout = 10 * time.Second

// outgoing is a queued message and its encoded frame.
type outgoing struct {
	msg   *message.Message
	to    cluster.Instance
	frame []byte
}

// peer sends frames to one remote address over a single ordered stream.
type peer struct {
	m     *Messenger
	addr  string            // addr is the remote address
	queue *outbox[outgoing] // queue holds frames waiting for the stream
	conn  *quic.Conn        // conn is the current connection, nil when down
	out   *quic.SendStream  // out is the ordered stream on conn
	nonce uint64            // nonce is the incarnation behind conn
	gone  map[uint64]bool   // gone holds nonces known to be replaced at addr
	delay time.Duration     // delay is the current fail-fast window
	retry time.Time         // retry is when the next dial may happen
}

func newPeer(m *Messenger, addr string) *peer {
	return &peer{
		m:     m,
		addr:  addr,
		queue: newOutbox[outgoing](),
		gone:  make(map[uint64]bool),
		delay: m.cfg.RetryDelay,
	}
}

// run writes queued frames until the messenger closes.
func (p *peer) run() {
	defer p.reset()

	for {
		select {
		case <-p.m.ctx.Done():
			return
		case <-p.queue.wake():
		}

		for _, o := range p.queue.drain() {
			if err := p.write(o); err != nil {
				p.m.fail(o, err)
			}
		}
	}
}

// write sends one frame, redialing once when the stream broke.
// A frame that reached the remote before the break is dropped there as a duplicate.
// Frames addressed to an incarnation other than the one holding the address
// fail; an established connection is redialed once first, as the address may
// have restarted since.
func (p *peer) write(o outgoing) error {
	if p.gone[o.to.Nonce] {
		return fmt.Errorf("%s:\n%w", o.to, ErrStaleInstance)
	}

	for attempt := 0; ; attempt++ {
		fresh := p.out == nil
		if err := p.connect(); err != nil {
			return err
		}

		if o.to.Nonce != 0 && o.to.Nonce != p.nonce {
			if fresh {
				p.gone[o.to.Nonce] = true
				return fmt.Errorf("%s now held by nonce %x:\n%w", o.to, p.nonce, ErrStaleInstance)
			}
			p.reset()
			continue
		}

		p.out.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := writeMessage(p.out, o.frame)
		if err == nil {
			return nil
		}

		p.reset()
		if attempt > 0 {
			return err
		}
		logger.Debug("stream broke, redialing", "addr", p.addr, "error", err)
	}
}

// connect dials the remote and opens the ordered stream if needed.
// After a failure, dials are refused until the retry window passes.
func (p *peer) connect() error {
	if p.out != nil {
		return nil
	}

	now := time.Now()
	if now.Before(p.retry) {
		return fmt.Errorf("%s unreachable, retry in %s", p.addr, p.retry.Sub(now).Round(time.Millisecond))
	}

	ctx, cancel := context.WithTimeout(p.m.ctx, p.m.cfg.DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, p.addr, p.m.tlsConfig, p.m.quicConfig)
	if err != nil {
		p.backoff()
		return fmt.Errorf("dial %s:\n%w", p.addr, err)
	}

	nonce, err := peerNonce(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "no instance nonce")
		p.backoff()
		return fmt.Errorf("identify %s:\n%w", p.addr, err)
	}

	out, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream failed")
		p.backoff()
		return fmt.Errorf("open stream to %s:\n%w", p.addr, err)
	}

	p.conn, p.out, p.nonce = conn, out, nonce
	p.delay = p.m.cfg.RetryDelay
	p.retry = time.Time{}

	return nil
}

// backoff widens the fail-fast window exponentially.
func (p *peer) backoff() {
	p.retry = time.Now().Add(p.delay)

	p.delay *= 2
	if p.delay > maxRetryDelay {
		p.delay = maxRetryDelay
	}
}

// reset drops the current connection.
func (p *peer) reset() {
	if p.conn != nil {
		p.conn.CloseWithError(0, "reset")
	}
	p.conn, p.out, p.nonce = nil, nil, 0
}
