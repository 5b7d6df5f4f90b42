// ABOUTME: Cooperative cancellation handle observed by run producers
// ABOUTME: Trip is idempotent; Done exposes a channel for select loops

package runstate

import "sync"

// Signal is a one-shot cooperative cancellation flag. Producers observe it
// at their next yield point; nothing forcibly terminates them.
type Signal struct {
	once sync.Once
	done chan struct{}
}

// NewSignal creates an untripped signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trip flips the signal. Safe to call any number of times.
func (s *Signal) Trip() {
	s.once.Do(func() { close(s.done) })
}

// Tripped reports whether the signal has been flipped.
func (s *Signal) Tripped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal trips, for use in select
// loops alongside producer event channels.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}
