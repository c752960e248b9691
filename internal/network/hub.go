package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/message"
	"NestFS/internal/wire"
)

// Hub connects in-process endpoints without sockets.
// Messages still go through the wire codec, so receivers never share
// memory with senders.
type Hub struct {
	mu        sync.RWMutex         // mu protects endpoints
	endpoints map[string]*Endpoint // endpoints maps an address to its endpoint
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// Join creates an endpoint at addr with a fresh instance.
// A previous endpoint at the same address is replaced, as a restarted
// process would be.
func (h *Hub) Join(addr string) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Endpoint{
		hub:    h,
		inst:   cluster.NewInstance(addr),
		name:   cluster.Entity{Num: -1},
		inbox:  newOutbox[[]byte](),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.endpoints[addr] = e
	h.mu.Unlock()

	return e
}

// lookup returns the running endpoint for an instance.
func (h *Hub) lookup(inst cluster.Instance) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.endpoints[inst.Addr]
	if !ok || e.inst != inst || e.closed.Load() {
		return nil, false
	}

	return e, true
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	if h.endpoints[e.inst.Addr] == e {
		delete(h.endpoints, e.inst.Addr)
	}
	h.mu.Unlock()
}

// Endpoint is one hub member. It satisfies the same contract as Messenger.
type Endpoint struct {
	hub     *Hub
	inst    cluster.Instance // inst is this endpoint's incarnation
	handler Handler          // handler receives messages, set before Start

	name   cluster.Entity // name is the declared logical name
	nameMu sync.RWMutex   // nameMu protects name

	inbox  *outbox[[]byte] // inbox holds envelopes in arrival order
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetHandler sets the receiver of delivered messages.
func (e *Endpoint) SetHandler(h Handler) {
	e.handler = h
}

// Start begins delivering messages.
func (e *Endpoint) Start() error {
	if e.handler == nil {
		return fmt.Errorf("no handler set")
	}

	e.wg.Add(1)
	go e.deliverLoop()

	return nil
}

// MyInst returns this endpoint's incarnation.
func (e *Endpoint) MyInst() cluster.Instance {
	return e.inst
}

// SetMyName sets the declared logical name.
func (e *Endpoint) SetMyName(name cluster.Entity) {
	e.nameMu.Lock()
	e.name = name
	e.nameMu.Unlock()
}

// MyName returns the declared logical name.
func (e *Endpoint) MyName() cluster.Entity {
	e.nameMu.RLock()
	defer e.nameMu.RUnlock()

	return e.name
}

// Send delivers a message to another endpoint of the hub.
// Sending to an instance that is not running fails immediately.
func (e *Endpoint) Send(m *message.Message, to cluster.Instance) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if to.Addr == "" {
		return ErrNoAddress
	}

	envelope, err := wire.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s:\n%w", m.Type(), err)
	}

	dst, ok := e.hub.lookup(to)
	if !ok {
		return fmt.Errorf("%s unreachable", to)
	}

	dst.inbox.push(envelope)

	return nil
}

// Close leaves the hub and stops delivery.
// Calling Close more than once is a no-op.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	e.hub.leave(e)
	e.cancel()
	e.wg.Wait()

	return nil
}

func (e *Endpoint) deliverLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.inbox.wake():
		}

		for _, envelope := range e.inbox.drain() {
			if e.closed.Load() {
				return
			}

			m, err := wire.Decode(envelope)
			if err != nil {
				logger.Warn("bad message", "inst", e.inst, "error", err)
				continue
			}

			e.handler.Dispatch(m)
		}
	}
}
