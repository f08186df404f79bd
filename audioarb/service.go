/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audioarb

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"

	"github.com/tejzpr/peercall/emitter"
)

const (
	// samplesPerFrame is 20ms at 8kHz
	samplesPerFrame = 160
	payloadTypePCMU = 0
)

// Config holds configuration for the arbitration Service
type Config struct {
	// FrameInterval is the pacing of silence frames. Default: 20ms.
	FrameInterval time.Duration
	// Logger for service operations. Default: log.Default().
	Logger Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FrameInterval: 20 * time.Millisecond,
	}
}

// Service competes for the voice-call audio channel on behalf of one call.
//
// Usage:
//
//	svc := audioarb.New(router, nil)
//	_ = svc.Init(ctx)
//	defer svc.Destroy()
//	sub := svc.AddListener(audioarb.ChannelPreempted, onPreempted)
//	_ = svc.Compete()
type Service struct {
	mu sync.Mutex

	platform Platform
	config   *Config
	logger   Logger

	channel   Channel
	stop      chan struct{}
	loopDone  chan struct{}
	destroyed bool

	emitter *emitter.Emitter
	silence []byte
}

// New creates a Service over the given platform. A nil config uses
// DefaultConfig().
func New(platform Platform, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = 20 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		platform: platform,
		config:   config,
		logger:   logger,
		emitter:  emitter.New(),
		silence:  silenceFrame(),
	}
}

// silenceFrame encodes one frame of zero PCM as µ-law
func silenceFrame() []byte {
	pcm := make([]byte, samplesPerFrame*2)
	for i := 0; i < samplesPerFrame; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], 0)
	}
	return g711.EncodeUlaw(pcm)
}

// Init acquires the channel handle. Calling it again while a handle is held
// is a no-op.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.channel != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch, err := s.platform.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire audio channel: %w", err)
	}

	s.mu.Lock()
	if s.destroyed || s.channel != nil {
		s.mu.Unlock()
		_ = ch.Close()
		if s.destroyed {
			return ErrDestroyed
		}
		return nil
	}
	s.channel = ch
	s.mu.Unlock()

	ch.OnInterruption(s.handleInterruption)
	return nil
}

// Compete starts writing silence on the channel. It is a no-op while already
// competing and must be called again after every LeaveCompetition or
// preemption.
func (s *Service) Compete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return ErrNotInitialized
	}
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.silenceLoop(s.channel, s.stop, s.loopDone)
	return nil
}

// Competing reports whether the silence loop is running
func (s *Service) Competing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// LeaveCompetition stops writing silence but keeps the channel handle
func (s *Service) LeaveCompetition() {
	s.mu.Lock()
	stop, done := s.stop, s.loopDone
	s.stop, s.loopDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// AddListener registers a handler for one notification kind
func (s *Service) AddListener(kind ListenerKind, handler func()) emitter.Subscription {
	if handler == nil {
		return emitter.Func(nil)
	}
	return s.emitter.On(string(kind), func(interface{}) { handler() })
}

// ClearListeners removes every handler
func (s *Service) ClearListeners() {
	s.emitter.Clear()
}

// Destroy stops competing, clears listeners and releases the handle. Safe to
// call repeatedly.
func (s *Service) Destroy() {
	s.LeaveCompetition()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	s.emitter.Clear()
	if ch != nil {
		if err := ch.Close(); err != nil {
			s.logger.Printf("AudioArb: close channel: %v", err)
		}
	}
}

func (s *Service) handleInterruption(in Interruption) {
	switch in.Kind {
	case ChannelPreempted:
		// The platform pauses a preempted claimant; competing again is the
		// caller's decision.
		s.mu.Lock()
		stop := s.stop
		s.stop, s.loopDone = nil, nil
		s.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		s.logger.Printf("AudioArb: channel preempted")
	case ChannelRestored:
		s.logger.Printf("AudioArb: channel restored")
	default:
		return
	}
	s.emitter.Emit(string(in.Kind), in)
}

// silenceLoop sends PCMU silence every frame interval until stopped
func (s *Service) silenceLoop(ch Channel, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var seq uint16
	var ts uint32
	ticker := time.NewTicker(s.config.FrameInterval)
	defer ticker.Stop()
	var count int
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seq++
			ts += samplesPerFrame
			if err := ch.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    payloadTypePCMU,
					SequenceNumber: seq,
					Timestamp:      ts,
					Marker:         seq == 1,
				},
				Payload: s.silence,
			}); err != nil {
				s.logger.Printf("AudioArb: silence write error: %v (after %d packets)", err, count)
				return
			}
			count++
			if count == 1 {
				s.logger.Printf("AudioArb: competing for audio channel")
			}
		}
	}
}
