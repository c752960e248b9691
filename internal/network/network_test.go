package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NestFS/internal/cluster"
	"NestFS/internal/message"
	"NestFS/internal/wire"
)

// inbox records what a messenger delivers.
type inbox struct {
	mu       sync.Mutex
	got      []*message.Message
	failures []cluster.Instance
}

func (b *inbox) Dispatch(m *message.Message) {
	b.mu.Lock()
	b.got = append(b.got, m)
	b.mu.Unlock()
}

func (b *inbox) HandleFailure(m *message.Message, to cluster.Instance) {
	b.mu.Lock()
	b.failures = append(b.failures, to)
	b.mu.Unlock()
}

func (b *inbox) messages() []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]*message.Message(nil), b.got...)
}

func (b *inbox) failed() []cluster.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]cluster.Instance(nil), b.failures...)
}

// pings returns the sequence numbers of the delivered pings.
func (b *inbox) pings() []uint64 {
	var seqs []uint64
	for _, m := range b.messages() {
		if p, ok := m.Body.(*message.Ping); ok {
			seqs = append(seqs, p.Seq)
		}
	}

	return seqs
}

// startMessenger starts a messenger on a loopback port.
func startMessenger(t *testing.T, cfg Config) (*Messenger, *inbox) {
	t.Helper()

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	m, err := Listen(cfg)
	require.NoError(t, err)

	in := &inbox{}
	m.SetHandler(in)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Close() })

	return m, in
}

func ping(seq uint64, from cluster.Instance) *message.Message {
	m := message.New(message.PortMain, &message.Ping{Seq: seq})
	m.Source = cluster.MDS(2)
	m.SourceInst = from

	return m
}

// TestMessengerStartStop tests starting and closing a messenger.
func TestMessengerStartStop(t *testing.T) {
	m, err := Listen(Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	assert.Error(t, m.Start(), "start without a handler")

	m.SetHandler(&inbox{})
	require.NoError(t, m.Start())
	assert.NotEmpty(t, m.MyInst().Addr)
	assert.NotZero(t, m.MyInst().Nonce)

	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())
	assert.ErrorIs(t, m.Send(ping(1, m.MyInst()), m.MyInst()), ErrClosed)
}

// TestMessengerListenRequiresAddress tests that an empty listen address is rejected.
func TestMessengerListenRequiresAddress(t *testing.T) {
	_, err := Listen(Config{})
	assert.Error(t, err)
}

// TestMessengerAdvertiseAddr tests that the advertised address names the instance.
func TestMessengerAdvertiseAddr(t *testing.T) {
	m, _ := startMessenger(t, Config{AdvertiseAddr: "mds-a.local:6800"})
	assert.Equal(t, "mds-a.local:6800", m.MyInst().Addr)
}

// TestMessengerDeliversInOrder tests that messages from one sender arrive in send order.
func TestMessengerDeliversInOrder(t *testing.T) {
	a, _ := startMessenger(t, Config{})
	b, in := startMessenger(t, Config{})

	const count = 100
	for i := 1; i <= count; i++ {
		require.NoError(t, a.Send(ping(uint64(i), a.MyInst()), b.MyInst()))
	}

	require.Eventually(t, func() bool { return len(in.pings()) == count }, 10*time.Second, 10*time.Millisecond)

	want := make([]uint64, count)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	assert.Equal(t, want, in.pings())

	first := in.messages()[0]
	assert.Equal(t, message.PortMain, first.Port)
	assert.Equal(t, cluster.MDS(2), first.Source)
	assert.Equal(t, a.MyInst(), first.SourceInst)
}

// TestMessengerLoopback tests that a message sent to this instance is delivered locally.
func TestMessengerLoopback(t *testing.T) {
	a, in := startMessenger(t, Config{})

	require.NoError(t, a.Send(ping(7, a.MyInst()), a.MyInst()))
	require.Eventually(t, func() bool { return len(in.pings()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{7}, in.pings())
}

// TestMessengerUnreachable tests that an undeliverable message is reported as a failure.
func TestMessengerUnreachable(t *testing.T) {
	gone, err := Listen(Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	dead := gone.MyInst()
	require.NoError(t, gone.Close())

	a, in := startMessenger(t, Config{DialTimeout: 300 * time.Millisecond, RetryDelay: time.Minute})

	require.NoError(t, a.Send(ping(1, a.MyInst()), dead))
	require.Eventually(t, func() bool { return len(in.failed()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// Inside the retry window the next send fails without dialing.
	require.NoError(t, a.Send(ping(2, a.MyInst()), dead))
	require.Eventually(t, func() bool { return len(in.failed()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []cluster.Instance{dead, dead}, in.failed())
}

// TestMessengerRejectsUnsetDestination tests sending to the zero instance.
func TestMessengerRejectsUnsetDestination(t *testing.T) {
	a, _ := startMessenger(t, Config{})
	assert.ErrorIs(t, a.Send(ping(1, a.MyInst()), cluster.Instance{}), ErrNoAddress)
}

// TestMessengerName tests the declared name.
func TestMessengerName(t *testing.T) {
	a, _ := startMessenger(t, Config{})
	assert.Equal(t, int32(-1), a.MyName().Num)

	a.SetMyName(cluster.MDS(3))
	assert.Equal(t, cluster.MDS(3), a.MyName())
}

// TestHubDelivery tests in-order delivery between hub endpoints.
func TestHubDelivery(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")

	ina, inb := &inbox{}, &inbox{}
	a.SetHandler(ina)
	b.SetHandler(inb)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Close()
	defer b.Close()

	for i := 1; i <= 20; i++ {
		require.NoError(t, a.Send(ping(uint64(i), a.MyInst()), b.MyInst()))
	}

	require.Eventually(t, func() bool { return len(inb.pings()) == 20 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), inb.pings()[0])
	assert.Equal(t, uint64(20), inb.pings()[19])
	assert.Empty(t, ina.messages())
}

// TestHubRestartedInstance tests that sends to a replaced incarnation fail immediately.
func TestHubRestartedInstance(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	old := hub.Join("b")
	oldInst := old.MyInst()

	fresh := hub.Join("b")
	assert.NotEqual(t, oldInst, fresh.MyInst())

	assert.Error(t, a.Send(ping(1, a.MyInst()), oldInst))
	assert.NoError(t, a.Send(ping(1, a.MyInst()), fresh.MyInst()))
}

// TestMessengerRestartedInstance tests that messages for a previous process on an
// address are reported as failed and never reach its successor.
func TestMessengerRestartedInstance(t *testing.T) {
	first, err := Listen(Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	first.SetHandler(&inbox{})
	require.NoError(t, first.Start())
	old := first.MyInst()
	require.NoError(t, first.Close())

	second, in := startMessenger(t, Config{ListenAddr: old.Addr})
	require.Equal(t, old.Addr, second.MyInst().Addr)
	require.NotEqual(t, old.Nonce, second.MyInst().Nonce)

	a, ina := startMessenger(t, Config{})

	require.NoError(t, a.Send(ping(1, a.MyInst()), old))
	require.NoError(t, a.Send(ping(2, a.MyInst()), second.MyInst()))
	require.NoError(t, a.Send(ping(3, a.MyInst()), cluster.Instance{Addr: old.Addr}))
	require.NoError(t, a.Send(ping(4, a.MyInst()), old))

	require.Eventually(t, func() bool { return len(in.pings()) == 2 }, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(ina.failed()) == 2 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []uint64{2, 3}, in.pings())
	assert.Equal(t, []cluster.Instance{old, old}, ina.failed())
}

// TestMessengerDropsForeignFrames tests that a frame naming another incarnation is not delivered.
func TestMessengerDropsForeignFrames(t *testing.T) {
	m, in := startMessenger(t, Config{})

	envelope, err := wire.Encode(ping(5, m.MyInst()))
	require.NoError(t, err)

	m.deliver(newFrame(1, m.MyInst().Nonce+1, envelope))
	assert.Empty(t, in.messages())

	m.deliver(newFrame(2, m.MyInst().Nonce, envelope))
	m.deliver(newFrame(3, 0, envelope))
	assert.Equal(t, []uint64{5, 5}, in.pings())
}

// TestHubClose tests that a closed endpoint leaves the hub.
func TestHubClose(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	b.SetHandler(&inbox{})
	require.NoError(t, b.Start())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.Error(t, a.Send(ping(1, a.MyInst()), b.MyInst()))
	assert.ErrorIs(t, b.Send(ping(1, b.MyInst()), a.MyInst()), ErrClosed)
}

// TestDedupRetransmit tests that a frame seen twice within the TTL is dropped.
func TestDedupRetransmit(t *testing.T) {
	clk := clock.NewMock()
	d := NewDedupWithClock(clk, time.Second)
	defer d.Close()

	frame := newFrame(1, 0, []byte("envelope"))
	assert.True(t, d.Check(frame))
	assert.False(t, d.Check(frame))

	// Same envelope, next sequence: a new frame.
	assert.True(t, d.Check(newFrame(2, 0, []byte("envelope"))))
}

// TestDedupExpiry tests that hashes are forgotten after the TTL.
func TestDedupExpiry(t *testing.T) {
	clk := clock.NewMock()
	d := NewDedupWithClock(clk, time.Second)
	defer d.Close()

	frame := newFrame(1, 0, []byte("envelope"))
	require.True(t, d.Check(frame))

	clk.Add(2 * time.Second)
	assert.Eventually(t, func() bool { return d.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, d.Check(frame))
}

// TestDedupConcurrent tests that exactly one concurrent check of a frame wins.
func TestDedupConcurrent(t *testing.T) {
	d := NewDedup()
	defer d.Close()

	frame := newFrame(9, 0, []byte("envelope"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Check(frame) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

// TestFraming tests the length prefix and the frame header.
func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	frame := newFrame(42, 0xbeef, []byte("payload"))
	require.NoError(t, writeMessage(&buf, frame))

	got, err := readMessage(&buf)
	require.NoError(t, err)

	nonce, envelope, err := parseFrame(got)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xbeef), nonce)
	assert.Equal(t, []byte("payload"), envelope)

	_, _, err = parseFrame(make([]byte, frameHeaderSize-1))
	assert.Error(t, err)

	assert.Error(t, writeMessage(&buf, make([]byte, maxMessageSize+1)))
}

// TestReadMessageTruncated tests that a cut stream is reported.
func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, []byte("payload")))
	buf.Truncate(buf.Len() - 2)

	_, err := readMessage(&buf)
	assert.Error(t, err)
}

// TestSelfSignedCertificate tests the certificate names the key and the advertised host.
func TestSelfSignedCertificate(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cert, err := selfSigned(key, "10.1.2.3:6800", 0xfeed)
	require.NoError(t, err)

	pub := key.Public().(ed25519.PublicKey)
	assert.Equal(t, "nestfs-"+Fingerprint(pub), cert.Leaf.Subject.CommonName)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.Equal(t, "10.1.2.3", cert.Leaf.IPAddresses[0].String())

	fp, err := peerFingerprint(tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert.Leaf}})
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(pub), fp)

	_, err = peerFingerprint(tls.ConnectionState{})
	assert.ErrorIs(t, err, errNoPeerKey)

	nonce, err := peerNonce(tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert.Leaf}})
	require.NoError(t, err)
	assert.Equal(t, uint64(0xfeed), nonce)

	_, err = peerNonce(tls.ConnectionState{})
	assert.ErrorIs(t, err, errNoPeerNonce)
}

// TestMessengerFingerprint tests that the messenger reports the key it was given.
func TestMessengerFingerprint(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	m, _ := startMessenger(t, Config{PrivateKey: key})
	assert.Equal(t, Fingerprint(key.Public().(ed25519.PublicKey)), m.Fingerprint())
	assert.Len(t, m.Fingerprint(), 16)
}
