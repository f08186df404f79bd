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
	"time"

	"golang.org/x/time/rate"
)

// Config holds the handshake timings
type Config struct {
	// PingInterval between readiness pings. Default: 20ms.
	PingInterval time.Duration
	// ReadyTimeout bounds the readiness handshake. Default: 5s.
	ReadyTimeout time.Duration
	// Logger for handshake operations. Default: log.Default().
	Logger Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PingInterval: 20 * time.Millisecond,
		ReadyTimeout: 5 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	def := DefaultConfig()
	if out.PingInterval <= 0 {
		out.PingInterval = def.PingInterval
	}
	if out.ReadyTimeout <= 0 {
		out.ReadyTimeout = def.ReadyTimeout
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	return &out
}

// Host is the launching side of the handshake.
//
// Usage:
//
//	h := handshake.NewHost(port, nil)
//	defer h.Close()
//	if err := h.WaitReady(ctx, loaded); err != nil { ... }
//	_ = h.StartCall(params)
//	res, err := h.WaitOutcome(ctx)
type Host struct {
	port   Port
	config *Config
	logger Logger

	inbox  chan Envelope
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewHost starts reading from port. A nil config uses DefaultConfig().
func NewHost(port Port, config *Config) *Host {
	if config == nil {
		config = DefaultConfig()
	}
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		port:   port,
		config: config,
		logger: config.Logger,
		inbox:  make(chan Envelope, 16),
		ctx:    ctx,
		cancel: cancel,
	}
	go h.read()
	return h
}

func (h *Host) read() {
	defer close(h.inbox)
	for {
		env, err := h.port.Recv(h.ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || h.ctx.Err() != nil {
				return
			}
			h.logger.Printf("Handshake: host dropped frame: %v", err)
			continue
		}
		select {
		case h.inbox <- env:
		case <-h.ctx.Done():
			return
		}
	}
}

// WaitReady pings the call screen until it answers pong or loaded fires,
// whichever happens first. It gives up with ErrNotReady after ReadyTimeout.
// loaded may be nil.
func (h *Host) WaitReady(ctx context.Context, loaded <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.ReadyTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(h.config.PingInterval), 1)
	ping := Envelope{ID: IDController, Message: MessagePing}
	pings := 0

	for {
		select {
		case env, ok := <-h.inbox:
			if !ok {
				return ErrClosed
			}
			if env.Message == MessagePong {
				h.logger.Printf("Handshake: call screen ready after %d pings", pings)
				return nil
			}
			continue
		case <-loaded:
			h.logger.Printf("Handshake: call screen reported loaded after %d pings", pings)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w after %d pings: %v", ErrNotReady, pings, ctx.Err())
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w after %d pings: %v", ErrNotReady, pings, err)
		}
		if err := h.port.Send(ping); err != nil {
			return fmt.Errorf("failed to ping call screen: %w", err)
		}
		pings++
	}
}

// StartCall sends the call message
func (h *Host) StartCall(params CallParams) error {
	env, err := NewEnvelope(IDController, MessageCall, params)
	if err != nil {
		return err
	}
	return h.port.Send(env)
}

// Abort tells the call screen the call failed before it connected
func (h *Host) Abort(reason string) error {
	env, err := NewEnvelope(IDController, MessageAbort, map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	return h.port.Send(env)
}

// WaitOutcome waits for the call screen to finish. It returns on the first
// hangout, feedback or close. A feedback or close already queued behind the
// hangout is reported too; the host does not wait for one. The host stops
// listening afterwards.
func (h *Host) WaitOutcome(ctx context.Context) (Result, error) {
	defer h.stop()

	var res Result
	for {
		select {
		case env, ok := <-h.inbox:
			if !ok {
				return res, ErrClosed
			}
			if h.record(&res, env) {
				if res.Final == MessageHangout {
					h.drainFinal(&res)
				}
				return res, nil
			}
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// record applies env to res and reports whether it ended the exchange
func (h *Host) record(res *Result, env Envelope) bool {
	switch env.Message {
	case MessageHangout:
		res.Final = MessageHangout
		res.Outcome = env.Params
	case MessageFeedback:
		res.Final = MessageFeedback
		res.Feedback = env.Params
	case MessageClose:
		res.Final = MessageClose
	default:
		return false
	}
	return true
}

func (h *Host) drainFinal(res *Result) {
	for {
		select {
		case env, ok := <-h.inbox:
			if !ok {
				return
			}
			if env.Message == MessageFeedback || env.Message == MessageClose {
				h.record(res, env)
				return
			}
		default:
			return
		}
	}
}

func (h *Host) stop() {
	h.cancel()
}

// Close stops listening and closes the port
func (h *Host) Close() error {
	var err error
	h.once.Do(func() {
		h.cancel()
		err = h.port.Close()
	})
	return err
}
