// Package objecter tracks the object storage map as seen by a metadata server.
package objecter

import (
	"sync"

	"NestFS/internal/logger"
)

// Client holds the storage map epoch and the incarnation the node uses when
// talking to object storage.
type Client struct {
	mu    sync.Mutex
	epoch uint64 // epoch is the newest storage map seen, 0 before the first
	inc   int32  // inc is the client incarnation, -1 until assigned
}

// New creates a client that has seen no storage map.
func New() *Client {
	return &Client{inc: -1}
}

// HandleStorageMap records a storage map epoch. Older epochs are ignored.
func (c *Client) HandleStorageMap(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch <= c.epoch {
		logger.Debug("stale storage map", "epoch", epoch, "have", c.epoch)
		return
	}

	c.epoch = epoch
}

// Epoch returns the newest storage map epoch.
func (c *Client) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.epoch
}

// ClientIncarnation returns the incarnation, or -1 when none was assigned.
func (c *Client) ClientIncarnation() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inc
}

// SetClientIncarnation assigns the incarnation.
func (c *Client) SetClientIncarnation(inc int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inc = inc
}
