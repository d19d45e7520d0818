// Package mq carries cache events (invalidations, late settlements) to
// whatever wants to observe them. The default sink is the structured log.
package mq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event names.
const (
	EventInvalidated    = "invalidated"
	EventLateSettlement = "late_settlement"
)

// Event describes a change to cached state.
type Event struct {
	Name     string    `json:"name"`
	Key      string    `json:"key"`
	Kind     string    `json:"kind"`
	EntityID string    `json:"entity_id"`
	At       time.Time `json:"at"`
}

// Emitter publishes events. Implementations must not block for long: Emit is
// called while a mutation is settling.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

func (e LogEmitter) Emit(ctx context.Context, ev Event) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "cache event",
		slog.String("event", ev.Name),
		slog.String("key", ev.Key),
		slog.String("kind", ev.Kind),
		slog.String("entity_id", ev.EntityID))
	return nil
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Keys returns the keys of recorded events named name.
func (r *Recorder) Keys(name string) []string {
	var keys []string
	for _, ev := range r.Events() {
		if ev.Name == name {
			keys = append(keys, ev.Key)
		}
	}
	return keys
}
