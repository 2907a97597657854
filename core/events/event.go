package events

import (
	"log/slog"
	"sort"
	"sync"

	"lpvault/core/types"
	"lpvault/observability"
)

// Event represents a structured state change emitted after a vault call
// commits.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. the operator
// daemon, tests).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder retains emitted events in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the type of each recorded event in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType())
	}
	return out
}

// Reset drops every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// payload is implemented by events that render into a types.Event.
type payload interface {
	Event() *types.Event
}

// LogEmitter writes each event as a structured log record.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (e LogEmitter) Emit(ev Event) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"type", ev.EventType()}
	if p, ok := ev.(payload); ok {
		if rendered := p.Event(); rendered != nil {
			keys := make([]string, 0, len(rendered.Attributes))
			for k := range rendered.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				attrs = append(attrs, k, rendered.Attributes[k])
			}
		}
	}
	logger.Info("event", attrs...)
}

// Fanout delivers every event to each emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(ev Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(ev)
		}
	}
}

// CountingEmitter increments the emitted-events counter for every event.
type CountingEmitter struct{}

// Emit implements the Emitter interface.
func (CountingEmitter) Emit(ev Event) {
	observability.Events().Record(ev.EventType())
}
