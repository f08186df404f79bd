/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package handshake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Screen is the call-UI side of the handshake. It sends at most one hangout
// and exactly one final (feedback or close) per session.
type Screen struct {
	mu     sync.Mutex
	port   Port
	logger Logger

	calls       chan Envelope
	hangoutSent bool
	finalSent   bool
}

// NewScreen wraps port. A nil logger uses log.Default().
func NewScreen(port Port, logger Logger) *Screen {
	if logger == nil {
		logger = log.Default()
	}
	return &Screen{
		port:   port,
		logger: logger,
		calls:  make(chan Envelope, 1),
	}
}

// Serve answers pings and queues call and abort messages until ctx is done
// or the port closes.
func (s *Screen) Serve(ctx context.Context) error {
	for {
		env, err := s.port.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return err
			}
			s.logger.Printf("Handshake: screen dropped frame: %v", err)
			continue
		}

		switch env.Message {
		case MessagePing:
			if err := s.port.Send(Envelope{ID: IDCallScreen, Message: MessagePong}); err != nil {
				return fmt.Errorf("failed to answer ping: %w", err)
			}
		case MessageCall, MessageAbort:
			select {
			case s.calls <- env:
			default:
				s.logger.Printf("Handshake: ignoring %s, a call is already pending", env.Message)
			}
		}
	}
}

// WaitCall blocks until the host sends call or abort
func (s *Screen) WaitCall(ctx context.Context) (CallParams, error) {
	select {
	case env := <-s.calls:
		if env.Message == MessageAbort {
			var body struct {
				Reason string `json:"reason"`
			}
			_ = env.Decode(&body)
			return CallParams{}, fmt.Errorf("%w: %s", ErrAborted, body.Reason)
		}
		var params CallParams
		if err := env.Decode(&params); err != nil {
			return CallParams{}, err
		}
		return params, nil
	case <-ctx.Done():
		return CallParams{}, ctx.Err()
	}
}

// Hangout sends the call outcome. It may be sent once, before the final.
func (s *Screen) Hangout(outcome interface{}) error {
	s.mu.Lock()
	if s.hangoutSent || s.finalSent {
		s.mu.Unlock()
		return ErrAlreadySent
	}
	s.hangoutSent = true
	s.mu.Unlock()
	return s.send(MessageHangout, outcome)
}

// Feedback sends the post-call feedback as the final message
func (s *Screen) Feedback(feedback interface{}) error {
	if !s.claimFinal() {
		return ErrAlreadySent
	}
	return s.send(MessageFeedback, feedback)
}

// Close sends the close message as the final message. The port stays open.
func (s *Screen) Close() error {
	if !s.claimFinal() {
		return ErrAlreadySent
	}
	return s.send(MessageClose, nil)
}

// FinalSent reports whether feedback or close went out
func (s *Screen) FinalSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalSent
}

func (s *Screen) claimFinal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalSent {
		return false
	}
	s.finalSent = true
	return true
}

func (s *Screen) send(msg string, params interface{}) error {
	env, err := NewEnvelope(IDCallScreen, msg, params)
	if err != nil {
		return err
	}
	if err := s.port.Send(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg, err)
	}
	return nil
}
