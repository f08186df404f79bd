/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package handshake delivers exactly one call outcome from the call screen
// process to the host that launched it. The host first polls the screen with
// ping until it answers pong (or the surface reports it loaded), then sends
// the call; the screen answers with hangout and one final feedback or close.
package handshake

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope sender IDs
const (
	IDController = "controller"
	IDCallScreen = "call_screen"
)

// Envelope messages
const (
	MessagePing     = "ping"
	MessagePong     = "pong"
	MessageCall     = "call"
	MessageAbort    = "abort"
	MessageHangout  = "hangout"
	MessageFeedback = "feedback"
	MessageClose    = "close"
)

// Envelope is the unit exchanged between host and call screen
type Envelope struct {
	ID      string          `json:"id"`
	Message string          `json:"message"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewEnvelope builds an envelope, JSON-encoding params when not nil
func NewEnvelope(id, msg string, params interface{}) (Envelope, error) {
	env := Envelope{ID: id, Message: msg}
	if params == nil {
		return env, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("error marshaling %s params: %w", msg, err)
	}
	env.Params = data
	return env, nil
}

// Decode unmarshals the envelope params into v
func (e Envelope) Decode(v interface{}) error {
	if len(e.Params) == 0 {
		return fmt.Errorf("%s envelope has no params", e.Message)
	}
	if err := json.Unmarshal(e.Params, v); err != nil {
		return fmt.Errorf("error decoding %s params: %w", e.Message, err)
	}
	return nil
}

// IsFinal reports whether the envelope ends the session for the host
func (e Envelope) IsFinal() bool {
	return e.Message == MessageFeedback || e.Message == MessageClose
}

// Identity names one call party
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// CallParams is the payload of the call message
type CallParams struct {
	CallID         string     `json:"callId"`
	ProgressURL    string     `json:"progressUrl"`
	WebSocketToken string     `json:"webSocketToken"`
	SessionID      string     `json:"sessionId"`
	SessionToken   string     `json:"sessionToken"`
	Outgoing       bool       `json:"outgoing"`
	Video          bool       `json:"video"`
	Identities     []Identity `json:"identities,omitempty"`
}

// Result is what the host learns about a finished call
type Result struct {
	// Final is the last message the host read: hangout, or the feedback or
	// close that ended the exchange.
	Final string
	// Outcome holds the hangout params, if any were received
	Outcome json.RawMessage
	// Feedback holds the feedback params, if any
	Feedback json.RawMessage
}

// Logger is the interface for package logging. Any logger that implements
// Printf (such as the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

var (
	// ErrClosed is returned by ports after Close or when the peer went away
	ErrClosed = errors.New("handshake port closed")
	// ErrNotReady is returned when the call screen never acknowledged
	ErrNotReady = errors.New("call screen not ready")
	// ErrAlreadySent is returned when a once-only message is sent again
	ErrAlreadySent = errors.New("message already sent for this session")
	// ErrAborted is returned by WaitCall when the host aborted the call
	ErrAborted = errors.New("call aborted by host")
	// ErrInvalidSignature is returned for envelopes that fail verification
	ErrInvalidSignature = errors.New("invalid envelope signature")
)
