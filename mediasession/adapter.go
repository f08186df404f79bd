/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package mediasession presents a transport-agnostic capability surface over
// a real-time media session so call control never touches provider types.
package mediasession

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/tejzpr/peercall/emitter"
)

// Adapter wraps a Provider. It owns the single publisher and the single
// subscriber of a call and fans provider events out to subscribers.
type Adapter struct {
	mu sync.Mutex

	provider Provider
	logger   Logger

	connected    bool
	disconnected bool
	publisher    Publisher
	subscriber   Subscriber

	emitter *emitter.Emitter
}

// NewAdapter creates an Adapter over the given provider. A nil logger uses
// log.Default().
func NewAdapter(provider Provider, logger Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	a := &Adapter{
		provider: provider,
		logger:   logger,
		emitter:  emitter.New(),
	}
	provider.OnEvent(a.dispatch)
	return a
}

// On registers a handler for one event kind. The handler receives an Event.
func (a *Adapter) On(kind EventKind, handler func(Event)) emitter.Subscription {
	if handler == nil {
		return emitter.Func(nil)
	}
	return a.emitter.On(string(kind), func(data interface{}) {
		if ev, ok := data.(Event); ok {
			handler(ev)
		}
	})
}

func (a *Adapter) dispatch(ev Event) {
	if ev.Kind == EventStreamDestroyed {
		a.mu.Lock()
		if a.subscriber != nil && ev.Stream != nil && a.subscriber.Stream().ID == ev.Stream.ID {
			a.subscriber = nil
		}
		a.mu.Unlock()
	}
	a.emitter.Emit(string(ev.Kind), ev)
}

func (a *Adapter) fail(kind EventKind, op string, err error) error {
	merr := &MediaError{Op: op, Err: err}
	a.logger.Printf("MediaSession: %v", merr)
	a.emitter.Emit(string(kind), Event{Kind: kind, Err: merr})
	return merr
}

// Connect establishes the underlying session transport.
// It returns ErrClosed once the session was disconnected, including when
// Disconnect ran while the connect was in flight.
func (a *Adapter) Connect(ctx context.Context, descriptor, token string) error {
	if a.isDisconnected() {
		return ErrClosed
	}
	if err := a.provider.Connect(ctx, descriptor, token); err != nil {
		if a.isDisconnected() {
			return ErrClosed
		}
		return a.fail(EventConnectFailed, "connect", err)
	}
	a.mu.Lock()
	if a.disconnected {
		a.mu.Unlock()
		return ErrClosed
	}
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) isDisconnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnected
}

// Publish starts local capture and publication.
func (a *Adapter) Publish(ctx context.Context, target Surface, c Constraints) (Publisher, error) {
	a.mu.Lock()
	connected, disconnected := a.connected, a.disconnected
	a.mu.Unlock()
	if disconnected {
		return nil, ErrClosed
	}
	if !connected {
		return nil, a.fail(EventPublishFailed, "publish", ErrNotConnected)
	}

	pub, err := a.provider.Publish(ctx, target, c)
	if err != nil {
		if a.isDisconnected() {
			return nil, ErrClosed
		}
		return nil, a.fail(EventPublishFailed, "publish", err)
	}
	a.mu.Lock()
	if a.disconnected {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	a.publisher = pub
	a.mu.Unlock()
	return pub, nil
}

// Subscribe starts receiving one remote stream. Only one subscriber is
// supported per session.
func (a *Adapter) Subscribe(ctx context.Context, stream Stream, target Surface, c Constraints) (Subscriber, error) {
	a.mu.Lock()
	if a.subscriber != nil {
		a.mu.Unlock()
		return nil, ErrSubscriberExists
	}
	connected, disconnected := a.connected, a.disconnected
	a.mu.Unlock()
	if disconnected {
		return nil, ErrClosed
	}
	if !connected {
		return nil, a.fail(EventSubscribeFailed, "subscribe", ErrNotConnected)
	}

	sub, err := a.provider.Subscribe(ctx, stream, target, c)
	if err != nil {
		if a.isDisconnected() {
			return nil, ErrClosed
		}
		return nil, a.fail(EventSubscribeFailed, "subscribe", err)
	}
	a.mu.Lock()
	if a.disconnected {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	a.subscriber = sub
	a.mu.Unlock()
	return sub, nil
}

// SetPublishedAudio toggles local audio without renegotiation
func (a *Adapter) SetPublishedAudio(enabled bool) {
	a.mu.Lock()
	pub := a.publisher
	a.mu.Unlock()
	if pub == nil {
		a.logger.Printf("MediaSession: publishAudio(%t) ignored: %v", enabled, ErrNoPublisher)
		return
	}
	if err := pub.PublishAudio(enabled); err != nil {
		a.logger.Printf("MediaSession: publishAudio(%t): %v", enabled, err)
	}
}

// SetPublishedVideo toggles local video without renegotiation
func (a *Adapter) SetPublishedVideo(enabled bool) {
	a.mu.Lock()
	pub := a.publisher
	a.mu.Unlock()
	if pub == nil {
		a.logger.Printf("MediaSession: publishVideo(%t) ignored: %v", enabled, ErrNoPublisher)
		return
	}
	if err := pub.PublishVideo(enabled); err != nil {
		a.logger.Printf("MediaSession: publishVideo(%t): %v", enabled, err)
	}
}

// SetSubscribedAudio toggles remote audio reception
func (a *Adapter) SetSubscribedAudio(enabled bool) {
	a.mu.Lock()
	sub := a.subscriber
	a.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.SubscribeToAudio(enabled); err != nil {
		a.logger.Printf("MediaSession: subscribeToAudio(%t): %v", enabled, err)
	}
}

// SetSubscribedVideo toggles remote video reception
func (a *Adapter) SetSubscribedVideo(enabled bool) {
	a.mu.Lock()
	sub := a.subscriber
	a.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.SubscribeToVideo(enabled); err != nil {
		a.logger.Printf("MediaSession: subscribeToVideo(%t): %v", enabled, err)
	}
}

// Signal sends an application message to one connection. The payload is
// JSON-encoded into the signal data.
func (a *Adapter) Signal(ctx context.Context, toConnectionID, sigType string, payload interface{}) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("error marshaling signal payload: %w", err)
		}
		data = b
	}
	if err := a.provider.Signal(ctx, toConnectionID, Signal{Type: sigType, Data: data}); err != nil {
		return &MediaError{Op: "signal", Err: err}
	}
	return nil
}

// LocalDescription returns the publisher's session description, or "" when
// nothing was published.
func (a *Adapter) LocalDescription() string {
	a.mu.Lock()
	pub := a.publisher
	a.mu.Unlock()
	if pub == nil {
		return ""
	}
	return pub.LocalDescription()
}

// HasSubscriber reports whether a remote stream is currently subscribed
func (a *Adapter) HasSubscriber() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscriber != nil
}

// Disconnect tears the session down. It is safe to call when Connect never
// ran or failed, and safe to call repeatedly; provider errors are logged.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.disconnected {
		a.mu.Unlock()
		return
	}
	a.disconnected = true
	a.connected = false
	a.publisher = nil
	a.subscriber = nil
	a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Printf("MediaSession: disconnect panicked: %v", r)
		}
	}()
	if err := a.provider.Disconnect(); err != nil {
		a.logger.Printf("MediaSession: disconnect: %v", err)
	}
	a.emitter.Clear()
}
