package network

import "sync"

// outbox is an unbounded FIFO with a wake-up channel.
// Pushing never blocks, so callers may hold their own locks.
type outbox[T any] struct {
	mu    sync.Mutex    // mu protects items
	items []T           // items are waiting in arrival order
	kick  chan struct{} // kick has a token when items were pushed
}

func newOutbox[T any]() *outbox[T] {
	return &outbox[T]{kick: make(chan struct{}, 1)}
}

// push appends an item and wakes the consumer.
func (o *outbox[T]) push(v T) {
	o.mu.Lock()
	o.items = append(o.items, v)
	o.mu.Unlock()

	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// drain removes and returns every waiting item.
func (o *outbox[T]) drain() []T {
	o.mu.Lock()
	defer o.mu.Unlock()

	items := o.items
	o.items = nil

	return items
}

// wake returns the channel signalled after a push.
func (o *outbox[T]) wake() <-chan struct{} {
	return o.kick
}
