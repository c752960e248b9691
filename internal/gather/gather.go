// Package gather joins independent asynchronous operations into one continuation.
package gather

import "sync"

// Continuation is invoked once when an asynchronous operation completes.
type Continuation func(err error)

// Gather counts outstanding sub-operations and fires its continuation exactly once,
// after Activate has been called and every sub-continuation has completed.
// Sub-continuations may complete in any order and from any goroutine.
type Gather struct {
	mu        sync.Mutex
	pending   int          // pending counts sub-continuations not yet completed
	activated bool         // activated is set once no more subs will be added
	fired     bool         // fired is set when onFinish has been called
	err       error        // err is the first error reported by a sub
	onFinish  Continuation // onFinish runs when the barrier completes
}

// New creates a barrier that calls fin when it completes.
func New(fin Continuation) *Gather {
	return &Gather{onFinish: fin}
}

// Sub registers one more outstanding operation and returns its continuation.
// The returned continuation counts only the first time it is called.
func (g *Gather) Sub() Continuation {
	g.mu.Lock()
	if g.activated {
		g.mu.Unlock()
		panic("gather: Sub after Activate")
	}
	g.pending++
	g.mu.Unlock()

	var once sync.Once

	return func(err error) {
		once.Do(func() { g.complete(err) })
	}
}

// Activate closes registration. If nothing is outstanding the continuation fires now.
func (g *Gather) Activate() {
	g.mu.Lock()
	g.activated = true
	g.mu.Unlock()

	g.maybeFire()
}

// Pending returns the number of outstanding sub-operations.
func (g *Gather) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.pending
}

// complete records one finished sub-operation.
func (g *Gather) complete(err error) {
	g.mu.Lock()
	g.pending--
	if err != nil && g.err == nil {
		g.err = err
	}
	g.mu.Unlock()

	g.maybeFire()
}

// maybeFire calls onFinish outside the lock when the barrier is done.
func (g *Gather) maybeFire() {
	g.mu.Lock()
	if !g.activated || g.pending > 0 || g.fired {
		g.mu.Unlock()
		return
	}
	g.fired = true
	err := g.err
	g.mu.Unlock()

	if g.onFinish != nil {
		g.onFinish(err)
	}
}
