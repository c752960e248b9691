package network

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is how long a frame hash is remembered.
	defaultDedupTTL = 5 * time.Second

	// sweepInterval is the interval between expiry sweeps.
	sweepInterval = 1 * time.Second
)

// Dedup remembers the blake3 hashes of recently delivered frames.
// A frame retransmitted after a broken stream is seen twice and dropped.
type Dedup struct {
	clk  clock.Clock
	seen map[[32]byte]time.Time // seen maps frame hash to first delivery
	mu   sync.Mutex             // mu protects seen
	ttl  time.Duration          // ttl is how long a hash is remembered
	stop chan struct{}          // stop ends the sweeper
	wg   sync.WaitGroup         // wg waits for the sweeper
}

// NewDedup creates a tracker on the wall clock with the default TTL.
func NewDedup() *Dedup {
	return NewDedupWithClock(clock.New(), defaultDedupTTL)
}

// NewDedupWithClock creates a tracker on the given clock.
func NewDedupWithClock(clk clock.Clock, ttl time.Duration) *Dedup {
	d := &Dedup{
		clk:  clk,
		seen: make(map[[32]byte]time.Time),
		ttl:  ttl,
		stop: make(chan struct{}),
	}

	// The ticker exists before the constructor returns, so a mock clock
	// advanced right after it still fires the sweep.
	ticker := clk.Ticker(sweepInterval)

	d.wg.Add(1)
	go d.sweeper(ticker)

	return d
}

// Check reports whether the frame is new and records it.
func (d *Dedup) Check(frame []byte) bool {
	hash := blake3.Sum256(frame)
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[hash]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.seen[hash] = now

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the sweeper.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dedup) sweeper(ticker *clock.Ticker) {
	defer d.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stop:
			return
		}
	}
}

// sweep forgets expired hashes.
func (d *Dedup) sweep() {
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
