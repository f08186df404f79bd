/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package mediasession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// EventKind identifies the type of media session event
type EventKind string

const (
	EventConnectionCreated     EventKind = "connectionCreated"
	EventConnectionDestroyed   EventKind = "connectionDestroyed"
	EventStreamCreated         EventKind = "streamCreated"
	EventStreamDestroyed       EventKind = "streamDestroyed"
	EventStreamPropertyChanged EventKind = "streamPropertyChanged"
	EventSignal                EventKind = "signal"

	// Failures of asynchronous operations are delivered as events too.
	EventConnectFailed   EventKind = "connectFailed"
	EventPublishFailed   EventKind = "publishFailed"
	EventSubscribeFailed EventKind = "subscribeFailed"
)

// Reasons attached to EventConnectionDestroyed
const (
	ReasonClientDisconnected  = "clientDisconnected"
	ReasonNetworkDisconnected = "networkDisconnected"
	ReasonForceDisconnected   = "forceDisconnected"
)

// Stream describes one remote media stream
type Stream struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	HasAudio     bool   `json:"hasAudio"`
	HasVideo     bool   `json:"hasVideo"`
}

// Signal is an out-of-band application message multiplexed over the session
type Signal struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is delivered to handlers registered on the Adapter or a Provider
type Event struct {
	Kind         EventKind
	ConnectionID string
	Stream       *Stream
	Signal       *Signal
	// Property and Value are set for EventStreamPropertyChanged
	Property string
	Value    bool
	// Reason is set for EventConnectionDestroyed and EventStreamDestroyed
	Reason string
	// Err is set for the failure kinds
	Err error
}

// Constraints control local capture and remote reception
type Constraints struct {
	Audio  bool
	Video  bool
	Mirror bool
}

// Surface is the render target for a stream. Subscribers write received RTP
// to it; publishers may write a local preview to it. Nil surfaces are allowed.
type Surface interface {
	WriteRTP(pkt *rtp.Packet) error
}

// Publisher is the handle for local media publication
type Publisher interface {
	PublishAudio(enabled bool) error
	PublishVideo(enabled bool) error
	// LocalDescription returns the local session description, if negotiated
	LocalDescription() string
}

// Subscriber is the handle for one remote stream
type Subscriber interface {
	Stream() Stream
	SubscribeToAudio(enabled bool) error
	SubscribeToVideo(enabled bool) error
}

// Provider is the third-party real-time media session the Adapter wraps.
type Provider interface {
	Connect(ctx context.Context, descriptor, token string) error
	Publish(ctx context.Context, target Surface, c Constraints) (Publisher, error)
	Subscribe(ctx context.Context, stream Stream, target Surface, c Constraints) (Subscriber, error)
	Signal(ctx context.Context, toConnectionID string, sig Signal) error
	Disconnect() error
	// OnEvent sets the single provider event sink
	OnEvent(handler func(Event))
}

// Logger is the interface for package logging. Any logger that implements
// Printf (such as the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

var (
	// ErrNotConnected is returned for operations that need a connected session
	ErrNotConnected = errors.New("media session not connected")
	// ErrSubscriberExists is returned when a second remote stream is subscribed
	ErrSubscriberExists = errors.New("a subscriber already exists for this session")
	// ErrNoPublisher is returned when publisher flags are set before publishing
	ErrNoPublisher = errors.New("no publisher for this session")
	// ErrClosed is returned once the session was disconnected
	ErrClosed = errors.New("media session closed")
)

// MediaError wraps a failed media operation
type MediaError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *MediaError) Error() string {
	return fmt.Sprintf("media %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error.
func (e *MediaError) Unwrap() error {
	return e.Err
}
