package queue

import (
	"sync"
	"time"
)

// Event is a resettable completion flag.
//
// An Event starts either signalled or unsignalled. Waiters block until
// Signal is called; Reset arms the event again for the next job. Signal on an
// already signalled event is a no-op.
//
// Thread safety: Event is safe for concurrent use.
type Event struct {
	mu sync.Mutex

	// ch is closed when the event is signalled and replaced on Reset.
	ch chan struct{}

	signalled bool
}

// NewEvent creates an event in the given initial state.
func NewEvent(signalled bool) *Event {
	e := &Event{ch: make(chan struct{}), signalled: signalled}
	if signalled {
		close(e.ch)
	}
	return e
}

// Reset returns the event to the unsignalled state.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.signalled {
		e.ch = make(chan struct{})
		e.signalled = false
	}
}

// Signal marks the event complete and releases all waiters.
func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.signalled {
		e.signalled = true
		close(e.ch)
	}
}

// IsSignalled reports whether the event is currently signalled.
func (e *Event) IsSignalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signalled
}

// Done returns a channel that is closed once the event is signalled.
// The channel belongs to the current arming of the event; after Reset a new
// channel is handed out.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is signalled.
func (e *Event) Wait() {
	<-e.Done()
}

// WaitTimeout blocks until the event is signalled or the timeout elapses.
// A zero or negative timeout only polls. Returns true if the event was
// signalled.
func (e *Event) WaitTimeout(timeout time.Duration) bool {
	ch := e.Done()

	if timeout <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
