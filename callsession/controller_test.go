/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tejzpr/peercall/audioarb"
	"github.com/tejzpr/peercall/mediasession"
	"github.com/tejzpr/peercall/progress"
)

func TestNew(t *testing.T) {
	t.Run("missing dependencies", func(t *testing.T) {
		if _, err := New(Params{}, Deps{}, nil); err == nil {
			t.Fatal("Expected validation error")
		}
	})

	t.Run("initial session", func(t *testing.T) {
		h := newHarness(t, Outgoing)
		s := h.c.Session()
		if s.Phase != PhaseIdle || s.Terminated || !s.CalleeUnavailableHint {
			t.Errorf("Unexpected initial session: %+v", s)
		}
		if !s.MediaFlags.PublishAudio || s.MediaFlags.PublishVideo {
			t.Errorf("Unexpected media flags: %+v", s.MediaFlags)
		}
	})
}

func TestTerminateIdempotent(t *testing.T) {
	h := newHarness(t, Outgoing)
	h.connect(t)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := h.c.Terminate(context.Background(), nil)
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	if n := h.media.disconnectCount(); n != 1 {
		t.Errorf("Expected one media disconnect, got %d", n)
	}
	if _, _, destroys := h.audio.counts(); destroys != 1 {
		t.Errorf("Expected one audio destroy, got %d", destroys)
	}
	if n := len(h.progress.sentTerminates()); n != 1 {
		t.Errorf("Expected one protocol terminate, got %d", n)
	}
	for _, o := range outcomes[1:] {
		if o != outcomes[0] {
			t.Errorf("Outcomes differ: %+v vs %+v", o, outcomes[0])
		}
	}
	if !h.c.Session().Terminated {
		t.Error("Expected terminated session")
	}
}

func TestReasonMapping(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"busy", "peer-busy"},
		{"reject", "peer-reject"},
		{"cancel", "peer-cancel"},
		{"timeout", "peer-cancel"},
		{"media-fail", "peer-ended"},
		{"", "peer-cancel"},
		{"something-else", "peer-cancel"},
	}
	for _, tt := range tests {
		t.Run("caller/"+tt.reason, func(t *testing.T) {
			h := newHarness(t, Outgoing)
			h.start(t)
			h.progress.setState(progress.StateAlerting, "")
			h.progress.setState(progress.StateTerminated, tt.reason)
			h.waitDone(t)

			got := h.observer.peerEvents()
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("Expected [%s], got %v", tt.want, got)
			}
		})
	}
}

func TestUnavailableVersusCancel(t *testing.T) {
	t.Run("callee with hint is unavailable", func(t *testing.T) {
		h := newHarness(t, Incoming)
		h.start(t)
		h.progress.setState(progress.StateAlerting, "")
		h.progress.setState(progress.StateTerminated, "timeout")
		h.waitDone(t)

		if got := h.observer.peerEvents(); len(got) != 1 || got[0] != "peer-unavailable" {
			t.Errorf("Expected [peer-unavailable], got %v", got)
		}
	})

	t.Run("callee after accept is cancel", func(t *testing.T) {
		h := newHarness(t, Incoming)
		h.start(t)
		h.progress.setState(progress.StateAlerting, "")
		if err := h.c.Answer(context.Background()); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if h.c.Session().CalleeUnavailableHint {
			t.Fatal("Expected hint cleared after accept")
		}
		h.progress.setState(progress.StateTerminated, "timeout")
		h.waitDone(t)

		if got := h.observer.peerEvents(); len(got) != 1 || got[0] != "peer-cancel" {
			t.Errorf("Expected [peer-cancel], got %v", got)
		}
	})

	t.Run("caller alerting clears hint", func(t *testing.T) {
		h := newHarness(t, Outgoing)
		h.start(t)
		h.progress.setState(progress.StateAlerting, "")
		if h.c.Session().CalleeUnavailableHint {
			t.Error("Expected hint cleared for caller after alerting")
		}
		if h.observer.count("status:calling") != 1 {
			t.Error("Expected calling status")
		}
	})
}

func TestHangupDuringMediaJoin(t *testing.T) {
	h := newHarness(t, Outgoing)
	h.media.connecting = make(chan struct{})
	h.media.gate = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.c.Start(context.Background()) }()
	select {
	case <-h.media.connecting:
	case <-time.After(2 * time.Second):
		t.Fatal("media connect never started")
	}
	h.progress.ready()

	h.c.Hangup(context.Background())
	h.waitDone(t)
	close(h.media.gate)

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after media connect")
	}
	if h.media.isPublished() {
		t.Error("Expected nothing published after the session ended")
	}
	if n := h.media.disconnectCount(); n != 1 {
		t.Errorf("Expected one media disconnect, got %d", n)
	}
}

func TestShields(t *testing.T) {
	t.Run("terminate without greeting resolves after init shield", func(t *testing.T) {
		h := newHarness(t, Outgoing, withInitShield(50*time.Millisecond))
		if err := h.c.Start(context.Background()); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := h.c.Terminate(ctx, nil); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		elapsed := time.Since(start)
		if elapsed < 40*time.Millisecond {
			t.Errorf("Terminate did not wait for the shield (%s)", elapsed)
		}
		if n := h.media.disconnectCount(); n != 1 {
			t.Errorf("Expected media disconnect, got %d", n)
		}
	})

	t.Run("unconfirmed terminate without greeting resolves within init shield", func(t *testing.T) {
		h := newHarness(t, Outgoing, withInitShield(200*time.Millisecond))
		h.progress.unconfirmed = true
		if err := h.c.Start(context.Background()); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := h.c.Terminate(ctx, nil); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 350*time.Millisecond {
			t.Errorf("Terminate waited more than one shield (%s)", elapsed)
		}
		if got := h.progress.sentTerminates(); len(got) != 1 {
			t.Errorf("Expected one terminate, got %v", got)
		}
		if n := h.media.disconnectCount(); n != 1 {
			t.Errorf("Expected media disconnect, got %d", n)
		}
	})

	t.Run("unconfirmed terminate after greeting resolves within init shield", func(t *testing.T) {
		h := newHarness(t, Outgoing, withInitShield(200*time.Millisecond))
		h.progress.unconfirmed = true
		h.start(t)

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := h.c.Terminate(ctx, nil); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		elapsed := time.Since(start)
		if elapsed < 150*time.Millisecond {
			t.Errorf("Terminate did not wait for the confirmation (%s)", elapsed)
		}
		if elapsed > 350*time.Millisecond {
			t.Errorf("Terminate waited more than one shield (%s)", elapsed)
		}
		if n := h.media.disconnectCount(); n != 1 {
			t.Errorf("Expected media disconnect, got %d", n)
		}
	})

	t.Run("close follows hangout when feedback never arrives", func(t *testing.T) {
		h := newHarness(t, Outgoing, withFeedback(&fakeFeedback{block: true}))
		h.connect(t)

		start := time.Now()
		h.c.Hangup(context.Background())
		if time.Since(start) > 2*time.Second {
			t.Error("LeaveCall exceeded the feedback shield")
		}
		if got := h.reporter.sent(); len(got) != 2 || got[0] != "hangout" || got[1] != "close" {
			t.Errorf("Expected [hangout close], got %v", got)
		}
	})

	t.Run("feedback is sent when answered", func(t *testing.T) {
		h := newHarness(t, Outgoing, withFeedback(&fakeFeedback{answer: map[string]int{"rating": 5}}))
		h.connect(t)
		h.c.Hangup(context.Background())
		if got := h.reporter.sent(); len(got) != 2 || got[1] != "feedback" {
			t.Errorf("Expected [hangout feedback], got %v", got)
		}
	})

	t.Run("active feedback UI skips the prompt", func(t *testing.T) {
		h := newHarness(t, Outgoing, withFeedback(&fakeFeedback{active: true, answer: "x"}))
		h.connect(t)
		h.c.Hangup(context.Background())
		if got := h.reporter.sent(); len(got) != 2 || got[1] != "close" {
			t.Errorf("Expected [hangout close], got %v", got)
		}
	})
}

func TestAudioArbitrationRoundTrip(t *testing.T) {
	h := newHarness(t, Outgoing)
	h.connect(t)
	competes, _, _ := h.audio.counts()
	if competes != 1 {
		t.Fatalf("Expected one compete after start, got %d", competes)
	}

	h.audio.fire(audioarb.ChannelPreempted)
	if n := h.observer.count("hold"); n != 1 {
		t.Fatalf("Expected one hold, got %d", n)
	}
	if h.c.Phase() != PhaseHolding {
		t.Fatalf("Expected holding, got %s", h.c.Phase())
	}

	if err := h.c.Resume(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if c, _, _ := h.audio.counts(); c != 2 {
		t.Errorf("Expected resume to re-arm competition, got %d competes", c)
	}

	h.audio.fire(audioarb.ChannelPreempted)
	if n := h.observer.count("hold"); n != 2 {
		t.Errorf("Expected a second hold, got %d", n)
	}

	h.audio.fire(audioarb.ChannelRestored)
	if h.c.Phase() != PhaseActive {
		t.Errorf("Expected restore to resume the call, got %s", h.c.Phase())
	}
	h.c.Hangup(context.Background())
}

func TestCleanOutgoingCall(t *testing.T) {
	h := newHarness(t, Outgoing)
	h.connect(t)

	if h.c.Session().CalleeUnavailableHint {
		t.Error("Expected hint cleared")
	}
	if acts := h.progress.sentActions(); len(acts) != 1 || acts[0] != progress.ActionMediaUp {
		t.Errorf("Expected [mediaUp], got %v", acts)
	}
	for _, status := range []string{"status:calling", "status:connecting", "status:connected"} {
		if h.observer.count(status) != 1 {
			t.Errorf("Expected %s once", status)
		}
	}

	outcome := h.c.Hangup(context.Background())
	if outcome.Reason != ReasonNone || !outcome.Connected || outcome.Duration <= 0 {
		t.Errorf("Unexpected outcome: %+v", outcome)
	}
	if outcome.Codecs.Audio != "opus" || outcome.Codecs.Video != "VP8" {
		t.Errorf("Unexpected codecs: %+v", outcome.Codecs)
	}
	if got := h.reporter.sent(); len(got) != 2 || got[0] != "hangout" {
		t.Errorf("Expected one hangout then close, got %v", got)
	}
	if terms := h.progress.sentTerminates(); len(terms) != 1 || terms[0] != protocolClosed {
		t.Errorf("Expected [closed], got %v", terms)
	}
	if len(h.observer.peerEvents()) != 0 {
		t.Errorf("Local hangup must not fire peer events, got %v", h.observer.peerEvents())
	}
	if h.c.Phase() != PhaseEnded {
		t.Errorf("Expected ended, got %s", h.c.Phase())
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var wire map[string]interface{}
	_ = json.Unmarshal(data, &wire)
	if wire["reason"] != "none" || wire["connected"] != true {
		t.Errorf("Unexpected wire outcome: %s", data)
	}
}

func TestBusyCallee(t *testing.T) {
	h := newHarness(t, Outgoing, withFeedback(&fakeFeedback{answer: "never asked"}))
	h.start(t)
	h.progress.setState(progress.StateAlerting, "")
	h.progress.setState(progress.StateTerminated, "busy")
	h.waitDone(t)

	if got := h.observer.peerEvents(); len(got) != 1 || got[0] != "peer-busy" {
		t.Errorf("Expected [peer-busy], got %v", got)
	}
	outcome := h.c.LeaveCall(context.Background(), nil)
	if outcome.Connected || outcome.Duration != 0 || outcome.Reason != ReasonBusy {
		t.Errorf("Unexpected outcome: %+v", outcome)
	}
	if got := h.reporter.sent(); len(got) != 2 || got[1] != "close" {
		t.Errorf("Expected [hangout close], got %v", got)
	}
	if len(h.progress.sentTerminates()) != 0 {
		t.Error("Remote termination must not send a protocol terminate")
	}
}

func TestHangupRacesServerTermination(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, Outgoing)
		h.connect(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.c.Hangup(context.Background())
		}()
		go func() {
			defer wg.Done()
			h.progress.setState(progress.StateTerminated, "cancel")
		}()
		wg.Wait()
		h.waitDone(t)

		if n := h.media.disconnectCount(); n != 1 {
			t.Fatalf("Expected one teardown, got %d", n)
		}
		if got := h.reporter.sent(); len(got) != 2 || got[0] != "hangout" {
			t.Fatalf("Expected exactly one hangout, got %v", got)
		}
		if n := len(h.observer.peerEvents()); n > 1 {
			t.Fatalf("Expected at most one peer event, got %d", n)
		}
	}
}

func TestLocalHangupProtocolReasons(t *testing.T) {
	t.Run("callee before answering rejects", func(t *testing.T) {
		h := newHarness(t, Incoming)
		h.start(t)
		h.progress.setState(progress.StateAlerting, "")
		h.c.Hangup(context.Background())
		if got := h.progress.sentTerminates(); len(got) != 1 || got[0] != protocolReject {
			t.Errorf("Expected [reject], got %v", got)
		}
	})

	t.Run("caller before connection cancels", func(t *testing.T) {
		h := newHarness(t, Outgoing)
		h.start(t)
		h.progress.setState(progress.StateAlerting, "")
		h.c.Hangup(context.Background())
		if got := h.progress.sentTerminates(); len(got) != 1 || got[0] != protocolCancel {
			t.Errorf("Expected [cancel], got %v", got)
		}
	})

	t.Run("media failure reports media-fail", func(t *testing.T) {
		h := newHarness(t, Outgoing)
		h.media.publishErr = errBoom
		h.start(t)
		h.waitDone(t)
		if got := h.progress.sentTerminates(); len(got) != 1 || got[0] != protocolMediaFail {
			t.Errorf("Expected [media-fail], got %v", got)
		}
		outcome := h.c.LeaveCall(context.Background(), nil)
		if outcome.Reason != ReasonGUM {
			t.Errorf("Expected gum outcome, got %s", outcome.Reason)
		}
	})
}

func TestIncomingCall(t *testing.T) {
	h := newHarness(t, Incoming)
	h.start(t)
	if h.ringer.starts != 1 {
		t.Error("Expected ringer to start")
	}
	if h.observer.count("status:incoming") != 1 {
		t.Error("Expected incoming status")
	}
	h.progress.setState(progress.StateAlerting, "")
	if len(h.progress.sentActions()) != 0 {
		t.Fatal("Callee must not accept before answering")
	}
	if err := h.c.Answer(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if acts := h.progress.sentActions(); len(acts) != 1 || acts[0] != progress.ActionAccept {
		t.Errorf("Expected [accept], got %v", acts)
	}
	if h.ringer.stops != 1 {
		t.Error("Expected ringer to stop on answer")
	}
	h.c.Hangup(context.Background())
}

func TestCalleeTerminatedBeforeAlerting(t *testing.T) {
	h := newHarness(t, Incoming)
	h.start(t)
	h.progress.setState(progress.StateTerminated, "cancel")
	h.waitDone(t)

	h.ringer.mu.Lock()
	stops := h.ringer.stops
	h.ringer.mu.Unlock()
	if stops != 1 {
		t.Errorf("Expected ringer stop, got %d", stops)
	}
	h.progress.mu.Lock()
	detached := h.progress.onState == nil
	h.progress.mu.Unlock()
	if !detached {
		t.Error("Expected state listener to be detached")
	}
}

func TestHoldResume(t *testing.T) {
	h := newHarness(t, Outgoing)
	if err := h.c.Hold(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected ErrNotActive, got %v", err)
	}
	h.connect(t)
	h.c.SetMuted(true)

	if err := h.c.Hold(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := h.c.Hold(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected ErrNotActive on second hold, got %v", err)
	}
	if err := h.c.Resume(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := h.c.Resume(); !errors.Is(err, ErrNotHolding) {
		t.Errorf("Expected ErrNotHolding, got %v", err)
	}

	sigs := h.media.sentSignals()
	if len(sigs) != 2 {
		t.Fatalf("Expected 2 signals, got %d", len(sigs))
	}
	for i, want := range []string{peerHeld, peerResumed} {
		p, ok := sigs[i].payload.(progressSignal)
		if sigs[i].to != "peer-1" || sigs[i].sigType != signalProgress || !ok || p.State != want {
			t.Errorf("Unexpected signal %d: %+v", i, sigs[i])
		}
	}

	h.media.mu.Lock()
	lastAudio := h.media.pubAudio[len(h.media.pubAudio)-1]
	h.media.mu.Unlock()
	if lastAudio {
		t.Error("Resume must keep the microphone muted")
	}
	h.c.Hangup(context.Background())
}

func TestPeerHoldSignal(t *testing.T) {
	h := newHarness(t, Outgoing)
	h.connect(t)

	held, _ := json.Marshal(progressSignal{State: peerHeld})
	h.media.emit(mediasession.Event{Kind: mediasession.EventSignal, Signal: &mediasession.Signal{Type: signalProgress, Data: held}})
	resumed, _ := json.Marshal(progressSignal{State: peerResumed})
	h.media.emit(mediasession.Event{Kind: mediasession.EventSignal, Signal: &mediasession.Signal{Type: signalProgress, Data: resumed}})

	if h.observer.count("peer-hold") != 1 || h.observer.count("peer-resume") != 1 {
		t.Errorf("Expected peer hold and resume, got %v", h.observer.events)
	}
	h.media.mu.Lock()
	sub := append([]bool(nil), h.media.subAudio...)
	h.media.mu.Unlock()
	if len(sub) != 2 || sub[0] || !sub[1] {
		t.Errorf("Expected subscribed audio [false true], got %v", sub)
	}
	h.c.Hangup(context.Background())
}

func TestConnectivityLoss(t *testing.T) {
	t.Run("offline", func(t *testing.T) {
		h := newHarness(t, Outgoing)
		h.connect(t)
		h.network.set(false)
		h.waitDone(t)

		outcome := h.c.LeaveCall(context.Background(), nil)
		if outcome.Reason != ReasonOffline {
			t.Errorf("Expected offline, got %s", outcome.Reason)
		}
		if len(h.observer.failed) != 1 || h.observer.failed[0] != ReasonOffline {
			t.Errorf("Expected OnCallFailed(offline), got %v", h.observer.failed)
		}
		if h.network.unsubs != 1 {
			t.Error("Expected network listener to be removed")
		}
		if got := h.reporter.sent(); len(got) != 2 || got[1] != "close" {
			t.Errorf("Expected [hangout close], got %v", got)
		}
	})

	t.Run("media network disconnect", func(t *testing.T) {
		h := newHarness(t, Outgoing)
		h.connect(t)
		h.media.emit(mediasession.Event{
			Kind:         mediasession.EventConnectionDestroyed,
			ConnectionID: "peer-1",
			Reason:       mediasession.ReasonNetworkDisconnected,
		})
		h.waitDone(t)
		if outcome := h.c.LeaveCall(context.Background(), nil); outcome.Reason != ReasonNetworkDisconnected {
			t.Errorf("Expected network-disconnected, got %s", outcome.Reason)
		}
	})

	t.Run("protocol connection lost", func(t *testing.T) {
		h := newHarness(t, Outgoing)
		h.connect(t)
		h.progress.fail(&progress.ProtocolError{Reason: progress.ReasonConnectionLost})
		h.waitDone(t)
		if outcome := h.c.LeaveCall(context.Background(), nil); outcome.Reason != ReasonNetworkDisconnected {
			t.Errorf("Expected network-disconnected, got %s", outcome.Reason)
		}
	})

	t.Run("peer left after connecting", func(t *testing.T) {
		h := newHarness(t, Outgoing)
		h.connect(t)
		h.media.emit(mediasession.Event{
			Kind:         mediasession.EventConnectionDestroyed,
			ConnectionID: "peer-1",
			Reason:       mediasession.ReasonClientDisconnected,
		})
		h.waitDone(t)
		if got := h.observer.peerEvents(); len(got) != 1 || got[0] != "peer-ended" {
			t.Errorf("Expected [peer-ended], got %v", got)
		}
	})
}

func TestStartFailure(t *testing.T) {
	h := newHarness(t, Outgoing)
	h.progress.connectErr = errBoom
	if err := h.c.Start(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("Expected wrapped connect error, got %v", err)
	}
	h.waitDone(t)
	if outcome := h.c.LeaveCall(context.Background(), nil); outcome.Reason != ReasonGenericServerError {
		t.Errorf("Expected generic-server-error, got %s", outcome.Reason)
	}
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestPeerVideoStatus(t *testing.T) {
	h := newHarness(t, Outgoing)
	h.connect(t)
	h.media.emit(mediasession.Event{Kind: mediasession.EventStreamPropertyChanged, Property: "hasVideo", Value: true})
	h.media.emit(mediasession.Event{Kind: mediasession.EventStreamPropertyChanged, Property: "hasVideo", Value: false})
	if h.observer.count("status:peer-video-on") != 1 || h.observer.count("status:peer-video-off") != 1 {
		t.Errorf("Expected peer video statuses, got %v", h.observer.events)
	}
	h.c.SetVideo(true)
	h.c.SetSpeaker(true)
	s := h.c.Session()
	if !s.IsVideo || !s.MediaFlags.PublishVideo || !s.MediaFlags.UseSpeaker {
		t.Errorf("Unexpected flags: %+v", s)
	}
	h.c.Hangup(context.Background())
}
