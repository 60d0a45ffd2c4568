package events

import "sync"

// Emitter accepts lifecycle events. Emit must never block the caller.
type Emitter interface {
	Emit(Event)
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

// Recorder is an Emitter that keeps every event in memory. It is meant for
// tests and for post-run inspection.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends e to the recording.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t, in emission order.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans each event out to every emitter in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}
