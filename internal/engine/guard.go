package engine

import "sync/atomic"

// reentrancyGuard protects every mutating entry point with an explicit
// in-progress flag. External token and oracle code is called mid-operation
// and must be treated as adversarial: a hostile token that calls back into
// the engine from inside a transfer hits the guard and fails instead of
// observing a half-applied state transition.
//
// The flag also serializes the engine as a whole; overlapping calls from
// other goroutines are rejected the same way, which is why all normal
// traffic is funneled through the single command loop in Run.
type reentrancyGuard struct {
	entered atomic.Bool
}

// tryEnter acquires the guard. Returns false if an operation is already
// in progress on any call stack.
func (g *reentrancyGuard) tryEnter() bool {
	return g.entered.CompareAndSwap(false, true)
}

// exit releases the guard. Must be deferred immediately after a
// successful tryEnter.
func (g *reentrancyGuard) exit() {
	g.entered.Store(false)
}
