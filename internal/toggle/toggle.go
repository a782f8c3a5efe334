package toggle

import "sync/atomic"

// Toggle is a boolean switch safe for concurrent reads and flips.
type Toggle struct {
	v atomic.Bool
}

// New returns a Toggle with the given initial state.
func New(enabled bool) *Toggle {
	t := &Toggle{}
	t.v.Store(enabled)
	return t
}

// Enabled returns the current state.
func (t *Toggle) Enabled() bool {
	return t.v.Load()
}

// Flip inverts the state and returns the new value.
func (t *Toggle) Flip() bool {
	for {
		old := t.v.Load()
		if t.v.CompareAndSwap(old, !old) {
			return !old
		}
	}
}
