/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package emitter provides a small synchronous pub/sub used by the media
// session adapter and the audio arbitration service. Every registration
// returns a Subscription so teardown never depends on comparing handlers.
package emitter

import "sync"

// Handler is a callback function for events
type Handler func(data interface{})

// Subscription is returned by On and removes exactly the handler it was
// created for.
type Subscription interface {
	Unsubscribe()
}

type entry struct {
	id      uint64
	handler Handler
}

// Emitter provides a simple event pub/sub system
type Emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry
}

// New creates a new Emitter
func New() *Emitter {
	return &Emitter{
		handlers: make(map[string][]entry),
	}
}

// On registers an event handler for a specific event type.
// A nil handler yields a Subscription that does nothing.
func (e *Emitter) On(event string, handler Handler) Subscription {
	if handler == nil {
		return noopSubscription{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], entry{id: id, handler: handler})
	return &subscription{emitter: e, event: event, id: id}
}

// Off removes all handlers for a specific event type
func (e *Emitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Clear removes every handler for every event
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]entry)
}

// Count returns the number of handlers registered for an event
func (e *Emitter) Count(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}

// Emit fires an event, calling all registered handlers
func (e *Emitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]entry, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, h := range handlers {
		h.handler(data)
	}
}

func (e *Emitter) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handlers := e.handlers[event]
	for i, h := range handlers {
		if h.id == id {
			e.handlers[event] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(e.handlers[event]) == 0 {
		delete(e.handlers, event)
	}
}

type subscription struct {
	once    sync.Once
	emitter *Emitter
	event   string
	id      uint64
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.emitter.remove(s.event, s.id)
	})
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

// Group collects subscriptions so they can be released together.
type Group struct {
	mu   sync.Mutex
	subs []Subscription
}

// Add records a subscription in the group
func (g *Group) Add(sub Subscription) {
	if sub == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, sub)
}

// Release unsubscribes everything in the group. Safe to call repeatedly.
func (g *Group) Release() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Func adapts a plain cancel function to a Subscription.
type Func func()

// Unsubscribe calls f.
func (f Func) Unsubscribe() {
	if f != nil {
		f()
	}
}
