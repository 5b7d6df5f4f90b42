// ABOUTME: Process-wide mutual-exclusion map keyed by conversation ID
// ABOUTME: Grants and releases the right to start a run; never blocks

package runlock

import "sync"

// Lock guards the "at most one active run per conversation" invariant.
// TryAcquire is a non-blocking test-and-set: a second caller for the same
// conversation gets false and is expected to surface a conflict to the
// user rather than queue behind the active run.
type Lock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New creates an empty lock map.
func New() *Lock {
	return &Lock{held: make(map[string]struct{})}
}

// TryAcquire attempts to take the run lock for a conversation.
// Returns false if the lock is already held.
func (l *Lock) TryAcquire(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[conversationID]; ok {
		return false
	}
	l.held[conversationID] = struct{}{}
	return true
}

// Release frees the run lock for a conversation. Releasing a lock that is
// not held is a no-op.
func (l *Lock) Release(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, conversationID)
}

// Held reports whether the lock for a conversation is currently taken.
func (l *Lock) Held(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[conversationID]
	return ok
}
