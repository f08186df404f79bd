/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package audioarb claims the voice-call audio channel for the duration of a
// call. The platform arbitrates last-writer-wins, so a claimant keeps writing
// silence until it leaves.
package audioarb

import (
	"context"
	"errors"

	"github.com/pion/rtp"
)

// ListenerKind names an arbitration notification
type ListenerKind string

const (
	// ChannelPreempted fires when another claimant took the channel
	ChannelPreempted ListenerKind = "channel-preempted"
	// ChannelRestored fires when the channel came back to this claimant
	ChannelRestored ListenerKind = "channel-restored"
)

// Interruption is delivered by a Channel when ownership changes
type Interruption struct {
	Kind ListenerKind
}

// Channel is a handle on the platform's voice-call audio channel
type Channel interface {
	// WriteRTP asserts interest by writing audio to the channel
	WriteRTP(pkt *rtp.Packet) error
	// OnInterruption sets the ownership-change callback
	OnInterruption(handler func(Interruption))
	// Close releases the handle
	Close() error
}

// Platform hands out channel handles
type Platform interface {
	Acquire(ctx context.Context) (Channel, error)
}

// Sink receives the audio of the channel owner
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// Logger is the interface for package logging. Any logger that implements
// Printf (such as the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

var (
	// ErrNotInitialized is returned by Compete before Init
	ErrNotInitialized = errors.New("audio channel not initialized")
	// ErrDestroyed is returned by Init after Destroy
	ErrDestroyed = errors.New("audio arbitration service destroyed")
	// ErrChannelClosed is returned when writing to a released channel
	ErrChannelClosed = errors.New("audio channel closed")
)
