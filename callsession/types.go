/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import (
	"errors"
	"fmt"
	"time"

	"github.com/tejzpr/peercall/handshake"
	"github.com/tejzpr/peercall/mediasession"
)

// Direction of a call relative to this party
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Phase is the local lifecycle of a session
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseJoining Phase = "joining"
	PhaseActive  Phase = "active"
	PhaseHolding Phase = "holding"
	PhaseEnding  Phase = "ending"
	PhaseEnded   Phase = "ended"
)

// Reason classifies why a call ended. ReasonNone is a clean hangup.
type Reason string

const (
	ReasonNone                Reason = "none"
	ReasonBusy                Reason = "busy"
	ReasonReject              Reason = "reject"
	ReasonCancel              Reason = "cancel"
	ReasonTimeout             Reason = "timeout"
	ReasonMediaFail           Reason = "media-fail"
	ReasonNetworkDisconnected Reason = "network-disconnected"
	ReasonOffline             Reason = "offline"
	ReasonGenericServerError  Reason = "generic-server-error"
	ReasonGUM                 Reason = "gum"
)

// IsFailure reports whether the reason is a local or transport failure
// rather than a call outcome.
func (r Reason) IsFailure() bool {
	switch r {
	case ReasonMediaFail, ReasonNetworkDisconnected, ReasonOffline, ReasonGenericServerError, ReasonGUM:
		return true
	}
	return false
}

// Status values reported through Observer.OnStatus
type Status string

const (
	StatusIncoming     Status = "incoming"
	StatusCalling      Status = "calling"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusPeerVideoOn  Status = "peer-video-on"
	StatusPeerVideoOff Status = "peer-video-off"
)

// protocol terminate reasons sent for a local hangup
const (
	protocolReject    = "reject"
	protocolCancel    = "cancel"
	protocolClosed    = "closed"
	protocolMediaFail = "media-fail"
)

// Params describes one call
type Params struct {
	CallID         string
	ProgressURL    string
	WebSocketToken string
	// SessionID is the media session descriptor
	SessionID    string
	SessionToken string
	Direction    Direction
	Video        bool
	Identities   []handshake.Identity
}

// ParamsFromCall converts handshake call params
func ParamsFromCall(p handshake.CallParams) Params {
	dir := Incoming
	if p.Outgoing {
		dir = Outgoing
	}
	return Params{
		CallID:         p.CallID,
		ProgressURL:    p.ProgressURL,
		WebSocketToken: p.WebSocketToken,
		SessionID:      p.SessionID,
		SessionToken:   p.SessionToken,
		Direction:      dir,
		Video:          p.Video,
		Identities:     p.Identities,
	}
}

// MediaFlags are the live media switches of a session
type MediaFlags struct {
	PublishAudio   bool `json:"publishAudio"`
	PublishVideo   bool `json:"publishVideo"`
	SubscribeAudio bool `json:"subscribeAudio"`
	SubscribeVideo bool `json:"subscribeVideo"`
	UseSpeaker     bool `json:"useSpeaker"`
}

// Session is a snapshot of the call session state
type Session struct {
	Direction             Direction  `json:"direction"`
	IsVideo               bool       `json:"isVideo"`
	MediaFlags            MediaFlags `json:"mediaFlags"`
	PeerPresence          int        `json:"peerPresence"`
	CalleeUnavailableHint bool       `json:"calleeUnavailableHint"`
	Terminated            bool       `json:"terminated"`
	Phase                 Phase      `json:"phase"`
}

// Outcome is produced once per session and reported to the host
type Outcome struct {
	Reason     Reason                 `json:"reason"`
	Duration   time.Duration          `json:"-"`
	DurationMs int64                  `json:"duration"`
	Connected  bool                   `json:"connected"`
	Codecs     mediasession.CodecInfo `json:"codecInfo"`
}

// TerminationError carries the reason a session is being torn down
type TerminationError struct {
	Reason Reason
	Err    error
}

// Error implements the error interface.
func (e *TerminationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call terminated (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("call terminated (%s)", e.Reason)
}

// Unwrap returns the wrapped error.
func (e *TerminationError) Unwrap() error {
	return e.Err
}

// Fail builds a TerminationError
func Fail(reason Reason, err error) error {
	return &TerminationError{Reason: reason, Err: err}
}

// ReasonOf extracts the termination reason from an error. nil is a clean
// hangup; errors without a reason are generic server errors.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var te *TerminationError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ReasonGenericServerError
}

var (
	// ErrNotActive is returned by Hold outside an active call
	ErrNotActive = errors.New("call is not active")
	// ErrNotHolding is returned by Resume when the call is not on hold
	ErrNotHolding = errors.New("call is not on hold")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("call session already started")
	// ErrNotIncoming is returned by Answer on an outgoing call
	ErrNotIncoming = errors.New("only incoming calls can be answered")
)
