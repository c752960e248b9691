// Package timer schedules deferred callbacks that run under a caller-supplied lock.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Event is a scheduled callback. It is returned by Add so it can be cancelled.
type Event struct {
	when  time.Time
	fn    func()
	seq   uint64 // seq orders events with equal deadlines
	index int    // index is the heap position, -1 once fired or cancelled
}

// When returns the deadline of the event.
func (e *Event) When() time.Time {
	return e.when
}

// Timer runs callbacks at their deadlines on a single goroutine.
// Every callback runs while holding locker, so a Cancel issued under
// the same lock guarantees the event will not fire afterwards.
type Timer struct {
	clock  clock.Clock // clock is the time source, mocked in tests
	locker sync.Locker // locker is held while callbacks run

	mu      sync.Mutex
	events  eventHeap // events is ordered by deadline then insertion
	seq     uint64
	stopped bool
	started bool

	kick     chan struct{} // kick wakes the loop when the earliest deadline changes
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a timer. Callbacks run under locker.
func New(clk clock.Clock, locker sync.Locker) *Timer {
	return &Timer{
		clock:  clk,
		locker: locker,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the timer goroutine. Calling Start twice has no effect.
func (t *Timer) Start() {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.run()
}

// AddAfter schedules fn to run after d.
func (t *Timer) AddAfter(d time.Duration, fn func()) *Event {
	return t.AddAt(t.clock.Now().Add(d), fn)
}

// AddAt schedules fn to run at when. A deadline in the past fires on the next poll.
// Events added after Stop never fire.
func (t *Timer) AddAt(when time.Time, fn func()) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev := &Event{when: when, fn: fn, seq: t.seq, index: -1}

	if t.stopped {
		return ev
	}

	heap.Push(&t.events, ev)

	if ev.index == 0 {
		t.wake()
	}

	return ev
}

// Cancel removes a pending event. It reports whether the event was still pending.
func (t *Timer) Cancel(ev *Event) bool {
	if ev == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.index < 0 {
		return false
	}

	heap.Remove(&t.events, ev.index)
	ev.index = -1
	t.wake()

	return true
}

// CancelAll removes every pending event.
func (t *Timer) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ev := range t.events {
		ev.index = -1
	}
	t.events = nil
	t.wake()
}

// Pending returns the number of scheduled events.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.events)
}

// Stop cancels every event and prevents any further firing.
// It does not wait for the goroutine and is safe to call while holding locker.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	t.CancelAll()
	t.stopOnce.Do(func() { close(t.stop) })
}

// Join stops the timer and waits for its goroutine to exit.
// It must not be called while holding locker.
func (t *Timer) Join() {
	t.Stop()

	t.mu.Lock()
	started := t.started
	t.mu.Unlock()

	if started {
		<-t.done
	}
}

// Poll runs every event whose deadline has passed and returns how many ran.
// It acquires locker first, so it serializes with the callers of Cancel.
func (t *Timer) Poll() int {
	t.locker.Lock()
	defer t.locker.Unlock()

	n := 0
	for {
		ev := t.popDue()
		if ev == nil {
			return n
		}

		ev.fn()
		n++
	}
}

// popDue removes and returns the earliest event if it is due.
func (t *Timer) popDue() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || len(t.events) == 0 {
		return nil
	}

	if t.events[0].when.After(t.clock.Now()) {
		return nil
	}

	ev := heap.Pop(&t.events).(*Event)
	ev.index = -1

	return ev
}

// next returns the wait until the earliest deadline.
func (t *Timer) next() (wait time.Duration, ok bool, stopped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return 0, false, true
	}

	if len(t.events) == 0 {
		return 0, false, false
	}

	return t.events[0].when.Sub(t.clock.Now()), true, false
}

// wake nudges the loop without blocking. Caller holds t.mu.
func (t *Timer) wake() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// run is the timer goroutine.
func (t *Timer) run() {
	defer close(t.done)

	for {
		wait, ok, stopped := t.next()
		if stopped {
			return
		}

		if !ok {
			select {
			case <-t.kick:
			case <-t.stop:
				return
			}
			continue
		}

		if wait <= 0 {
			t.Poll()
			continue
		}

		tm := t.clock.Timer(wait)

		select {
		case <-tm.C:
			t.Poll()
		case <-t.kick:
			tm.Stop()
		case <-t.stop:
			tm.Stop()
			return
		}
	}
}

// eventHeap implements heap.Interface over events.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}

	return h[i].when.Before(h[j].when)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*Event)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return ev
}
