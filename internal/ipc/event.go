package ipc

import "sync"

// Event is a single sticky boolean signal that blocking waiters can wait
// on (spec.md §3). Signal is idempotent; Clear resets it.
type Event struct {
	mu      sync.Mutex
	signal  bool
	notify  chan struct{}
}

// NewEvent creates an unsignaled event.
func NewEvent() *Event {
	return &Event{notify: make(chan struct{})}
}

// Signal sets the event. Waiters already parked in Wait are woken;
// a Wait that observes the event already signaled returns immediately.
func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signal {
		return
	}
	e.signal = true
	close(e.notify)
	e.notify = make(chan struct{})
}

// Clear resets the event to unsignaled.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signal = false
}

// Wait blocks until the event is signaled or cancel fires.
func (e *Event) Wait(cancel <-chan struct{}) bool {
	for {
		e.mu.Lock()
		if e.signal {
			e.mu.Unlock()
			return true
		}
		gen := e.notify
		e.mu.Unlock()

		select {
		case <-gen:
			continue
		case <-cancel:
			return false
		}
	}
}

// EventPair is two independently signalable events allocated together,
// recovered from the Rust original's object/types/event.rs (SPEC_FULL.md's
// supplemented-features section): unlike a channel's two ends, the two
// halves of a pair share no peer-closed propagation, each is a plain Event
// in its own right, bundled only so one syscall can create both handles at
// once.
type EventPair struct {
	A *Event
	B *Event
}

// NewEventPair creates two unsignaled, independent events.
func NewEventPair() *EventPair {
	return &EventPair{A: NewEvent(), B: NewEvent()}
}
