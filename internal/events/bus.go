// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

// Package events provides the in-process event sink used by the node registry.
package events

import (
	"log/slog"
	"sync"
)

// Event names announced by the node registry.
const (
	NodeIconDir    = "node-icon-dir"
	TypeRegistered = "type-registered"
)

// Event is a named payload.
type Event struct {
	Name    string
	Payload any
}

// Emitter accepts events. Listeners must tolerate duplicate announcements
// across reload cycles.
type Emitter interface {
	Emit(name string, payload any)
}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(string, any) {}

// subscriberBuffer is the channel capacity given to each subscriber.
const subscriberBuffer = 64

// Bus distributes events to subscribers by name.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe creates a channel receiving every event with the given name.
func (b *Bus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.subs[name] = append(b.subs[name], ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(name string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, sub := range subs {
		if sub == ch {
			b.subs[name] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Emit delivers the event to every subscriber without blocking. Events for a
// subscriber whose buffer is full are dropped.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, ch := range b.subs[name] {
		select {
		case ch <- ev:
		default:
			slog.Warn("event dropped: subscriber buffer full", "event", name)
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, name)
	}
}

// Recorder is an Emitter that keeps every event in order. It is meant for
// tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records the event.
func (r *Recorder) Emit(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Payload: payload})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the payloads recorded under name.
func (r *Recorder) Named(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []any
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev.Payload)
		}
	}
	return out
}
