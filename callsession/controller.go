/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callsession drives one peer-to-peer call from start to a single
// reported outcome. It turns protocol state changes, media session events,
// audio channel interruptions, connectivity edges and local user actions into
// exactly one teardown and exactly one result for the host.
package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tejzpr/peercall/audioarb"
	"github.com/tejzpr/peercall/emitter"
	"github.com/tejzpr/peercall/mediasession"
	"github.com/tejzpr/peercall/progress"
)

// peer signal carried over the media session
const (
	signalProgress = "progress"
	peerHeld       = "held"
	peerResumed    = "resumed"
)

type progressSignal struct {
	State string `json:"state"`
}

// Controller owns one call session.
//
// Usage:
//
//	c, err := callsession.New(params, deps, nil)
//	if err := c.Start(ctx); err != nil { ... }
//	...
//	c.Hangup(ctx)
//	<-c.Done()
type Controller struct {
	mu sync.Mutex

	params   Params
	deps     Deps
	config   *Config
	logger   Logger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	progress    ProgressClient
	initialized chan struct{}
	initOnce    sync.Once

	subs     emitter.Group
	netUnsub func()

	phase                 Phase
	isVideo               bool
	flags                 MediaFlags
	savedFlags            MediaFlags
	peerPresence          int
	calleeUnavailableHint bool
	terminated            bool

	started          bool
	mediaStarted     bool
	joinedLocally    bool
	answered         bool
	accepted         bool
	wasAlerting      bool
	protocolUp       bool
	remoteConnID     string
	heldByPreemption bool
	peerHolding      bool
	peerEventFired   bool

	countdown *Countdown

	terminateOnce sync.Once
	terminateDone chan struct{}
	outcome       Outcome

	leaveOnce sync.Once
	done      chan struct{}
}

// New creates a Controller for one call. A nil config uses DefaultConfig().
func New(params Params, deps Deps, config *Config) (*Controller, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid call session dependencies: %w", err)
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		params:   params,
		deps:     deps,
		config:   config,
		logger:   logger,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,

		initialized: make(chan struct{}),

		phase:   PhaseIdle,
		isVideo: params.Video,
		flags: MediaFlags{
			PublishAudio:   true,
			PublishVideo:   params.Video,
			SubscribeAudio: true,
			SubscribeVideo: params.Video,
			UseSpeaker:     params.Video,
		},
		calleeUnavailableHint: true,

		countdown:     NewCountdown(deps.Now),
		terminateDone: make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Session returns a snapshot of the session state
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		Direction:             c.params.Direction,
		IsVideo:               c.isVideo,
		MediaFlags:            c.flags,
		PeerPresence:          c.peerPresence,
		CalleeUnavailableHint: c.calleeUnavailableHint,
		Terminated:            c.terminated,
		Phase:                 c.phase,
	}
}

// Phase returns the local lifecycle phase
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Done is closed once the outcome was handed to the reporter
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func (c *Controller) isCallee() bool {
	return c.params.Direction == Incoming
}

// Start connects the protocol client. Outgoing calls start media right away;
// incoming calls ring until Answer.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.phase = PhaseJoining
	c.mu.Unlock()

	c.logger.Printf("CallSession: starting %s call %s", c.params.Direction, c.params.CallID)

	client := c.deps.Progress(c.params.CallID, c.params.ProgressURL, c.params.WebSocketToken)
	client.OnReady(c.handleReady)
	client.OnError(c.handleProtocolError)
	client.OnStateChange(c.handleState)
	c.mu.Lock()
	c.progress = client
	c.mu.Unlock()

	if c.deps.Network != nil {
		unsub := c.deps.Network.Subscribe(c.handleNetwork)
		c.mu.Lock()
		c.netUnsub = unsub
		c.mu.Unlock()
	}

	if err := client.Connect(ctx); err != nil {
		c.logger.Printf("CallSession: progress connect failed: %v", err)
		c.mu.Lock()
		c.progress = nil
		c.mu.Unlock()
		_ = client.Finish()
		go c.end(Fail(ReasonGenericServerError, err))
		return fmt.Errorf("failed to start call session: %w", err)
	}

	if c.isCallee() {
		if c.deps.Ringer != nil {
			c.deps.Ringer.Start()
		}
		c.observer.OnStatus(StatusIncoming)
		return nil
	}
	c.startMedia(ctx)
	return nil
}

// Answer accepts an incoming call
func (c *Controller) Answer(ctx context.Context) error {
	if !c.isCallee() {
		return ErrNotIncoming
	}
	c.mu.Lock()
	if c.terminated || c.answered {
		c.mu.Unlock()
		return nil
	}
	c.answered = true
	c.mu.Unlock()

	if c.deps.Ringer != nil {
		c.deps.Ringer.Stop()
	}
	c.startMedia(ctx)
	return nil
}

// startMedia joins the media session and competes for the audio channel.
// Failures surface as media events, which end the call.
func (c *Controller) startMedia(ctx context.Context) {
	c.mu.Lock()
	if c.mediaStarted || c.terminated {
		c.mu.Unlock()
		return
	}
	c.mediaStarted = true
	video := c.isVideo
	c.mu.Unlock()

	media := c.deps.Media
	c.subs.Add(media.On(mediasession.EventConnectionCreated, c.handlePeerJoined))
	c.subs.Add(media.On(mediasession.EventConnectionDestroyed, c.handlePeerLeft))
	c.subs.Add(media.On(mediasession.EventStreamCreated, c.handleStreamCreated))
	c.subs.Add(media.On(mediasession.EventStreamDestroyed, c.handleStreamDestroyed))
	c.subs.Add(media.On(mediasession.EventStreamPropertyChanged, c.handleStreamProperty))
	c.subs.Add(media.On(mediasession.EventSignal, c.handleSignal))
	c.subs.Add(media.On(mediasession.EventConnectFailed, c.handleMediaFailure(ReasonMediaFail)))
	c.subs.Add(media.On(mediasession.EventPublishFailed, c.handleMediaFailure(ReasonGUM)))
	c.subs.Add(media.On(mediasession.EventSubscribeFailed, c.handleMediaFailure(ReasonMediaFail)))

	audio := c.deps.Audio
	if err := audio.Init(ctx); err != nil {
		c.logger.Printf("CallSession: audio channel unavailable: %v", err)
	} else {
		c.subs.Add(audio.AddListener(audioarb.ChannelPreempted, c.handlePreempted))
		c.subs.Add(audio.AddListener(audioarb.ChannelRestored, c.handleRestored))
		if err := audio.Compete(); err != nil {
			c.logger.Printf("CallSession: audio competition failed: %v", err)
		}
	}

	if err := media.Connect(ctx, c.params.SessionID, c.params.SessionToken); err != nil {
		return
	}
	// Teardown may have run while Connect was in flight.
	if c.isTerminated() {
		c.logger.Printf("CallSession: session ended while joining media, not publishing")
		return
	}
	if _, err := media.Publish(ctx, c.deps.LocalSurface, mediasession.Constraints{Audio: true, Video: video, Mirror: true}); err != nil {
		return
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.joinedLocally = true
	callee := c.isCallee()
	c.mu.Unlock()

	if callee {
		c.mu.Lock()
		client := c.progress
		c.mu.Unlock()
		if client != nil && client.State() == progress.StateAlerting {
			c.accept(client)
		}
	}
}

func (c *Controller) accept(client ProgressClient) {
	c.mu.Lock()
	if c.accepted {
		c.mu.Unlock()
		return
	}
	c.accepted = true
	c.calleeUnavailableHint = false
	c.mu.Unlock()
	if err := client.Accept(); err != nil {
		c.logger.Printf("CallSession: accept failed: %v", err)
	}
}

func (c *Controller) handleReady() {
	c.initOnce.Do(func() { close(c.initialized) })
}

// handleState applies the protocol transition table
func (c *Controller) handleState(state progress.State) {
	c.mu.Lock()
	client := c.progress
	c.mu.Unlock()
	if client == nil {
		return
	}
	c.logger.Printf("CallSession: protocol state → %s", state)

	switch state {
	case progress.StateAlerting:
		c.mu.Lock()
		c.wasAlerting = true
		joined := c.joinedLocally
		c.mu.Unlock()
		if c.isCallee() {
			if joined {
				c.accept(client)
			}
			return
		}
		c.mu.Lock()
		c.calleeUnavailableHint = false
		c.mu.Unlock()
		c.observer.OnStatus(StatusCalling)

	case progress.StateConnecting:
		if err := client.MediaUp(); err != nil {
			c.logger.Printf("CallSession: mediaUp failed: %v", err)
		}

	case progress.StateConnected:
		c.mu.Lock()
		c.protocolUp = true
		c.mu.Unlock()
		c.observer.OnStatus(StatusConnecting)

	case progress.StateTerminated:
		c.handleTerminal(client, nil)
	}
}

func (c *Controller) handleProtocolError(err error) {
	c.mu.Lock()
	client := c.progress
	c.mu.Unlock()
	if client == nil {
		return
	}
	reason := ReasonGenericServerError
	var perr *progress.ProtocolError
	if errors.As(err, &perr) && perr.Reason == progress.ReasonConnectionLost {
		reason = ReasonNetworkDisconnected
	}
	c.handleTerminal(client, Fail(reason, err))
}

// handleTerminal ends the call after a protocol terminated state or error
func (c *Controller) handleTerminal(client ProgressClient, err error) {
	c.mu.Lock()
	wasAlerting := c.wasAlerting
	c.mu.Unlock()

	if wasAlerting {
		go c.endRemote(err, false)
		return
	}
	client.OnStateChange(nil)
	go c.endRemote(err, c.isCallee())
}

func (c *Controller) endRemote(err error, stopRinger bool) {
	if _, terr := c.terminate(c.ctx, err, true); terr != nil {
		c.logger.Printf("CallSession: terminate: %v", terr)
	}
	if stopRinger && c.deps.Ringer != nil {
		c.deps.Ringer.Stop()
	}
	c.LeaveCall(c.ctx, err)
}

// end runs terminate then leaveCall for a local trigger
func (c *Controller) end(err error) {
	c.LeaveCall(c.ctx, err)
}

func (c *Controller) handleNetwork(online bool) {
	if online {
		return
	}
	c.logger.Printf("CallSession: network offline")
	go c.end(Fail(ReasonOffline, nil))
}

func (c *Controller) handleMediaFailure(reason Reason) func(mediasession.Event) {
	return func(ev mediasession.Event) {
		c.logger.Printf("CallSession: media %s: %v", ev.Kind, ev.Err)
		go c.end(Fail(reason, ev.Err))
	}
}

func (c *Controller) handlePeerJoined(ev mediasession.Event) {
	c.mu.Lock()
	c.peerPresence++
	c.remoteConnID = ev.ConnectionID
	c.mu.Unlock()
}

func (c *Controller) handlePeerLeft(ev mediasession.Event) {
	c.mu.Lock()
	if c.peerPresence > 0 {
		c.peerPresence--
	}
	remaining := c.peerPresence
	if c.remoteConnID == ev.ConnectionID {
		c.remoteConnID = ""
	}
	c.mu.Unlock()

	if ev.Reason == mediasession.ReasonNetworkDisconnected {
		go c.end(Fail(ReasonNetworkDisconnected, nil))
		return
	}
	if remaining == 0 && c.countdown.Started() {
		c.firePeerEvent(func() { c.observer.OnPeerEnded() })
		go c.end(nil)
	}
}

func (c *Controller) handleStreamCreated(ev mediasession.Event) {
	if ev.Stream == nil {
		return
	}
	if c.deps.Media.HasSubscriber() {
		c.logger.Printf("CallSession: ignoring extra stream %s", ev.Stream.ID)
		return
	}
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	flags := c.flags
	if c.remoteConnID == "" {
		c.remoteConnID = ev.Stream.ConnectionID
	}
	c.mu.Unlock()

	constraints := mediasession.Constraints{Audio: flags.SubscribeAudio, Video: flags.SubscribeVideo && ev.Stream.HasVideo}
	if _, err := c.deps.Media.Subscribe(c.ctx, *ev.Stream, c.deps.RemoteSurface, constraints); err != nil {
		return
	}

	c.countdown.Start()
	c.mu.Lock()
	if c.phase == PhaseJoining {
		c.phase = PhaseActive
	}
	c.mu.Unlock()
	c.observer.OnStatus(StatusConnected)
}

func (c *Controller) handleStreamDestroyed(ev mediasession.Event) {
	if ev.Stream != nil {
		c.logger.Printf("CallSession: remote stream %s ended (%s)", ev.Stream.ID, ev.Reason)
	}
}

func (c *Controller) handleStreamProperty(ev mediasession.Event) {
	if ev.Property != "hasVideo" {
		return
	}
	if ev.Value {
		c.observer.OnStatus(StatusPeerVideoOn)
	} else {
		c.observer.OnStatus(StatusPeerVideoOff)
	}
}

func (c *Controller) handleSignal(ev mediasession.Event) {
	if ev.Signal == nil || ev.Signal.Type != signalProgress {
		return
	}
	var sig progressSignal
	if err := json.Unmarshal(ev.Signal.Data, &sig); err != nil {
		c.logger.Printf("CallSession: invalid progress signal: %v", err)
		return
	}

	switch sig.State {
	case peerHeld:
		c.mu.Lock()
		c.peerHolding = true
		c.mu.Unlock()
		c.deps.Media.SetSubscribedAudio(false)
		c.deps.Media.SetSubscribedVideo(false)
		c.observer.OnPeerHold()
	case peerResumed:
		c.mu.Lock()
		c.peerHolding = false
		flags := c.flags
		holding := c.phase == PhaseHolding
		c.mu.Unlock()
		if !holding {
			c.deps.Media.SetSubscribedAudio(flags.SubscribeAudio)
			c.deps.Media.SetSubscribedVideo(flags.SubscribeVideo)
		}
		c.observer.OnPeerResume()
	}
}

func (c *Controller) handlePreempted() {
	c.logger.Printf("CallSession: audio channel preempted, holding")
	if err := c.hold(true); err != nil && !errors.Is(err, ErrNotActive) {
		c.logger.Printf("CallSession: hold on preemption: %v", err)
	}
}

func (c *Controller) handleRestored() {
	c.mu.Lock()
	byPreemption := c.heldByPreemption && c.phase == PhaseHolding
	c.mu.Unlock()
	if !byPreemption {
		return
	}
	c.logger.Printf("CallSession: audio channel restored, resuming")
	if err := c.Resume(); err != nil {
		c.logger.Printf("CallSession: resume on restore: %v", err)
	}
}

// Hold mutes both directions and tells the peer the call is held
func (c *Controller) Hold() error {
	return c.hold(false)
}

func (c *Controller) hold(preempted bool) error {
	c.mu.Lock()
	if c.phase != PhaseActive || c.terminated {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.phase = PhaseHolding
	c.heldByPreemption = preempted
	c.savedFlags = c.flags
	peer := c.remoteConnID
	c.mu.Unlock()

	media := c.deps.Media
	media.SetPublishedAudio(false)
	media.SetPublishedVideo(false)
	media.SetSubscribedAudio(false)
	media.SetSubscribedVideo(false)
	c.signalPeer(peer, peerHeld)

	// A preempted claimant already stopped competing; a local hold keeps
	// its claim on the channel.
	audio := c.deps.Audio
	audio.LeaveCompetition()
	if !preempted {
		if err := audio.Compete(); err != nil {
			c.logger.Printf("CallSession: audio competition failed: %v", err)
		}
	}

	c.observer.OnHold()
	return nil
}

// Resume restores the media flags saved by Hold and competes for the audio
// channel again.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.phase != PhaseHolding || c.terminated {
		c.mu.Unlock()
		return ErrNotHolding
	}
	c.phase = PhaseActive
	c.heldByPreemption = false
	flags := c.savedFlags
	c.flags = flags
	peerHolding := c.peerHolding
	peer := c.remoteConnID
	c.mu.Unlock()

	media := c.deps.Media
	media.SetPublishedAudio(flags.PublishAudio)
	media.SetPublishedVideo(flags.PublishVideo)
	if !peerHolding {
		media.SetSubscribedAudio(flags.SubscribeAudio)
		media.SetSubscribedVideo(flags.SubscribeVideo)
	}
	c.signalPeer(peer, peerResumed)

	audio := c.deps.Audio
	audio.LeaveCompetition()
	if err := audio.Compete(); err != nil {
		c.logger.Printf("CallSession: audio competition failed: %v", err)
	}

	c.observer.OnStatus(StatusConnected)
	return nil
}

func (c *Controller) signalPeer(peer, state string) {
	if peer == "" {
		return
	}
	if err := c.deps.Media.Signal(c.ctx, peer, signalProgress, progressSignal{State: state}); err != nil {
		c.logger.Printf("CallSession: signaling %s: %v", state, err)
	}
}

// SetMuted toggles the local microphone
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.flags.PublishAudio = !muted
	holding := c.phase == PhaseHolding
	if holding {
		c.savedFlags.PublishAudio = !muted
	}
	c.mu.Unlock()
	if !holding {
		c.deps.Media.SetPublishedAudio(!muted)
	}
}

// SetVideo toggles the local camera
func (c *Controller) SetVideo(enabled bool) {
	c.mu.Lock()
	c.isVideo = enabled
	c.flags.PublishVideo = enabled
	holding := c.phase == PhaseHolding
	if holding {
		c.savedFlags.PublishVideo = enabled
	}
	c.mu.Unlock()
	if !holding {
		c.deps.Media.SetPublishedVideo(enabled)
	}
}

// SetSpeaker toggles loudspeaker output
func (c *Controller) SetSpeaker(enabled bool) {
	c.mu.Lock()
	c.flags.UseSpeaker = enabled
	if c.phase == PhaseHolding {
		c.savedFlags.UseSpeaker = enabled
	}
	c.mu.Unlock()
}

// firePeerEvent runs fn at most once per session
func (c *Controller) firePeerEvent(fn func()) {
	c.mu.Lock()
	if c.peerEventFired {
		c.mu.Unlock()
		return
	}
	c.peerEventFired = true
	c.mu.Unlock()
	fn()
}

// resolvePeerEvent maps the protocol's termination reason to one peer event
func (c *Controller) resolvePeerEvent(reason string) {
	c.mu.Lock()
	hint := c.calleeUnavailableHint
	c.mu.Unlock()

	c.firePeerEvent(func() {
		switch Reason(reason) {
		case ReasonBusy:
			c.observer.OnPeerBusy()
		case ReasonReject:
			c.observer.OnPeerReject()
		case ReasonCancel, ReasonTimeout:
			if c.isCallee() && hint {
				c.observer.OnPeerUnavailable()
			} else {
				c.observer.OnPeerCancel()
			}
		case ReasonMediaFail:
			c.observer.OnPeerEnded()
		case protocolClosed:
			c.observer.OnPeerEnded()
		default:
			c.observer.OnPeerCancel()
		}
	})
}

// outcomeReason maps a protocol reason to the outcome of a remote termination
func outcomeReason(reason string) Reason {
	switch r := Reason(reason); r {
	case ReasonBusy, ReasonReject, ReasonCancel, ReasonTimeout, ReasonMediaFail:
		return r
	}
	return ReasonNone
}

// protocolReason picks the terminate reason sent for a local hangup
func (c *Controller) protocolReason(reason Reason) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case reason == ReasonGUM || reason == ReasonMediaFail:
		return protocolMediaFail
	case c.isCallee() && !c.answered:
		return protocolReject
	case !c.isCallee() && !c.protocolUp:
		return protocolCancel
	default:
		return protocolClosed
	}
}

// Terminate tears the session down once. Every caller gets the same outcome
// once teardown finished; err classifies the local reason.
func (c *Controller) Terminate(ctx context.Context, err error) (Outcome, error) {
	return c.terminate(ctx, err, false)
}

func (c *Controller) terminate(ctx context.Context, err error, remote bool) (Outcome, error) {
	c.terminateOnce.Do(func() {
		go c.teardown(err, remote)
	})
	select {
	case <-c.terminateDone:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *Controller) teardown(err error, remote bool) {
	defer close(c.terminateDone)

	c.mu.Lock()
	c.terminated = true
	c.phase = PhaseEnding
	client := c.progress
	netUnsub := c.netUnsub
	c.netUnsub = nil
	c.mu.Unlock()

	reason := ReasonOf(err)
	c.logger.Printf("CallSession: terminating (%s, remote=%t)", reason, remote)

	codecs := mediasession.ParseCodecs(c.deps.Media.LocalDescription())

	if netUnsub != nil {
		netUnsub()
	}
	c.subs.Release()
	c.deps.Audio.ClearListeners()

	if client != nil {
		// The init wait and the terminate confirmation share one shield.
		shield := time.NewTimer(c.config.InitShield)
		initialized := c.waitInitialized(shield.C)
		if remote && client.State() == progress.StateTerminated {
			protoReason := client.Reason()
			c.resolvePeerEvent(protoReason)
			if err == nil {
				reason = outcomeReason(protoReason)
			}
		} else {
			confirmed := make(chan struct{})
			var once sync.Once
			client.Terminate(c.protocolReason(reason), func() { once.Do(func() { close(confirmed) }) })
			if initialized {
				select {
				case <-confirmed:
				case <-shield.C:
					c.logger.Printf("CallSession: terminate not confirmed within %s", c.config.InitShield)
				}
			}
		}
		shield.Stop()
		if ferr := client.Finish(); ferr != nil {
			c.logger.Printf("CallSession: finishing progress client: %v", ferr)
		}
	}

	c.deps.Media.Disconnect()
	c.deps.Audio.LeaveCompetition()
	c.deps.Audio.Destroy()

	c.countdown.Stop()
	elapsed := c.countdown.Elapsed()

	c.mu.Lock()
	c.outcome = Outcome{
		Reason:     reason,
		Duration:   elapsed,
		DurationMs: elapsed.Milliseconds(),
		Connected:  elapsed > 0,
		Codecs:     codecs,
	}
	c.mu.Unlock()

	if reason.IsFailure() {
		c.observer.OnCallFailed(reason)
	}
}

// waitInitialized waits for the protocol greeting until shield fires. It
// reports whether the greeting arrived.
func (c *Controller) waitInitialized(shield <-chan time.Time) bool {
	select {
	case <-c.initialized:
		return true
	default:
	}
	select {
	case <-c.initialized:
		return true
	case <-shield:
		c.logger.Printf("CallSession: protocol not initialized after %s, terminating anyway", c.config.InitShield)
		return false
	}
}

// LeaveCall reports the outcome to the host once teardown completed. It
// sends hangout, then feedback or close. Feedback is only asked for after a
// clean connected call and is bounded by FeedbackShield.
func (c *Controller) LeaveCall(ctx context.Context, err error) Outcome {
	c.leaveOnce.Do(func() {
		c.leave(ctx, err)
	})
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Hangup ends the call from the local side
func (c *Controller) Hangup(ctx context.Context) Outcome {
	return c.LeaveCall(ctx, nil)
}

func (c *Controller) leave(ctx context.Context, err error) {
	defer func() {
		c.mu.Lock()
		c.phase = PhaseEnded
		c.mu.Unlock()
		c.cancel()
		close(c.done)
	}()

	// Teardown is not bound to ctx; only the wait is.
	outcome, terr := c.terminate(ctx, err, false)
	if terr != nil {
		c.logger.Printf("CallSession: leaving before teardown finished: %v", terr)
		<-c.terminateDone
		c.mu.Lock()
		outcome = c.outcome
		c.mu.Unlock()
	}

	reporter := c.deps.Reporter
	if herr := reporter.Hangout(outcome); herr != nil {
		c.logger.Printf("CallSession: hangout: %v", herr)
	}

	prompt := c.deps.Feedback
	if !outcome.Connected || err != nil || prompt == nil || prompt.Active() {
		if cerr := reporter.Close(); cerr != nil {
			c.logger.Printf("CallSession: close: %v", cerr)
		}
		return
	}

	shieldCtx, cancel := context.WithTimeout(ctx, c.config.FeedbackShield)
	defer cancel()
	type answer struct {
		feedback interface{}
		err      error
	}
	answers := make(chan answer, 1)
	go func() {
		fb, perr := prompt.Prompt(shieldCtx)
		answers <- answer{fb, perr}
	}()

	select {
	case a := <-answers:
		if a.err == nil && a.feedback != nil {
			if ferr := reporter.Feedback(a.feedback); ferr != nil {
				c.logger.Printf("CallSession: feedback: %v", ferr)
			}
			return
		}
	case <-shieldCtx.Done():
		c.logger.Printf("CallSession: no feedback within %s", c.config.FeedbackShield)
	}
	if cerr := reporter.Close(); cerr != nil {
		c.logger.Printf("CallSession: close: %v", cerr)
	}
}
