/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tejzpr/peercall/audioarb"
	"github.com/tejzpr/peercall/emitter"
	"github.com/tejzpr/peercall/mediasession"
	"github.com/tejzpr/peercall/progress"
)

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// fakeProgress is a scriptable protocol client
type fakeProgress struct {
	mu         sync.Mutex
	connectErr error
	state      progress.State
	reason     string
	actions    []string
	terminates []string
	finished   int

	// unconfirmed drops terminate callbacks
	unconfirmed bool

	onReady func()
	onError func(error)
	onState func(progress.State)
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{state: progress.StateUnknown}
}

func (f *fakeProgress) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeProgress) State() progress.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeProgress) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *fakeProgress) OnReady(h func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReady = h
}

func (f *fakeProgress) OnError(h func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = h
}

func (f *fakeProgress) OnStateChange(h func(progress.State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = h
}

func (f *fakeProgress) Accept() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, progress.ActionAccept)
	return nil
}

func (f *fakeProgress) MediaUp() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, progress.ActionMediaUp)
	return nil
}

func (f *fakeProgress) Terminate(reason string, cb func()) {
	f.mu.Lock()
	f.terminates = append(f.terminates, reason)
	drop := f.unconfirmed
	f.mu.Unlock()
	if !drop {
		cb()
	}
}

func (f *fakeProgress) Finish() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished++
	return nil
}

func (f *fakeProgress) ready() {
	f.mu.Lock()
	h := f.onReady
	f.mu.Unlock()
	if h != nil {
		h()
	}
}

func (f *fakeProgress) setState(s progress.State, reason string) {
	f.mu.Lock()
	f.state = s
	if reason != "" {
		f.reason = reason
	}
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (f *fakeProgress) fail(err error) {
	f.mu.Lock()
	h := f.onError
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (f *fakeProgress) sentActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeProgress) sentTerminates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminates...)
}

const testSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

type signalRecord struct {
	to      string
	sigType string
	payload interface{}
}

// fakeMedia records adapter calls and lets tests emit events
type fakeMedia struct {
	mu          sync.Mutex
	em          *emitter.Emitter
	connectErr  error
	publishErr  error
	published   bool
	subscriber  bool
	disconnects int
	pubAudio    []bool
	pubVideo    []bool
	subAudio    []bool
	subVideo    []bool
	signals     []signalRecord

	// connecting is closed when Connect starts; Connect then waits on gate
	connecting chan struct{}
	gate       chan struct{}
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{em: emitter.New()}
}

func (f *fakeMedia) On(kind mediasession.EventKind, h func(mediasession.Event)) emitter.Subscription {
	return f.em.On(string(kind), func(data interface{}) { h(data.(mediasession.Event)) })
}

func (f *fakeMedia) emit(ev mediasession.Event) {
	f.em.Emit(string(ev.Kind), ev)
}

func (f *fakeMedia) Connect(ctx context.Context, descriptor, token string) error {
	if f.connecting != nil {
		close(f.connecting)
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.connectErr != nil {
		f.emit(mediasession.Event{Kind: mediasession.EventConnectFailed, Err: f.connectErr})
		return f.connectErr
	}
	return nil
}

func (f *fakeMedia) Publish(ctx context.Context, target mediasession.Surface, c mediasession.Constraints) (mediasession.Publisher, error) {
	if f.publishErr != nil {
		f.emit(mediasession.Event{Kind: mediasession.EventPublishFailed, Err: f.publishErr})
		return nil, f.publishErr
	}
	f.mu.Lock()
	f.published = true
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeMedia) Subscribe(ctx context.Context, s mediasession.Stream, target mediasession.Surface, c mediasession.Constraints) (mediasession.Subscriber, error) {
	f.mu.Lock()
	f.subscriber = true
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeMedia) SetPublishedAudio(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubAudio = append(f.pubAudio, v)
}

func (f *fakeMedia) SetPublishedVideo(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubVideo = append(f.pubVideo, v)
}

func (f *fakeMedia) SetSubscribedAudio(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subAudio = append(f.subAudio, v)
}

func (f *fakeMedia) SetSubscribedVideo(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subVideo = append(f.subVideo, v)
}

func (f *fakeMedia) Signal(ctx context.Context, to, sigType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signalRecord{to: to, sigType: sigType, payload: payload})
	return nil
}

func (f *fakeMedia) LocalDescription() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.published {
		return ""
	}
	return testSDP
}

func (f *fakeMedia) HasSubscriber() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriber
}

func (f *fakeMedia) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeMedia) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeMedia) isPublished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published
}

func (f *fakeMedia) sentSignals() []signalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signalRecord(nil), f.signals...)
}

// fakeAudio counts arbitration calls
type fakeAudio struct {
	mu       sync.Mutex
	em       *emitter.Emitter
	initErr  error
	competes int
	leaves   int
	destroys int
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{em: emitter.New()}
}

func (f *fakeAudio) Init(ctx context.Context) error { return f.initErr }

func (f *fakeAudio) Compete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.competes++
	return nil
}

func (f *fakeAudio) LeaveCompetition() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
}

func (f *fakeAudio) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
}

func (f *fakeAudio) AddListener(kind audioarb.ListenerKind, h func()) emitter.Subscription {
	return f.em.On(string(kind), func(interface{}) { h() })
}

func (f *fakeAudio) ClearListeners() { f.em.Clear() }

func (f *fakeAudio) fire(kind audioarb.ListenerKind) { f.em.Emit(string(kind), nil) }

func (f *fakeAudio) counts() (competes, leaves, destroys int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.competes, f.leaves, f.destroys
}

// fakeReporter records the handshake messages sent to the host
type fakeReporter struct {
	mu       sync.Mutex
	messages []string
	outcome  Outcome
	feedback interface{}
}

func (f *fakeReporter) Hangout(outcome interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, "hangout")
	if o, ok := outcome.(Outcome); ok {
		f.outcome = o
	}
	return nil
}

func (f *fakeReporter) Feedback(fb interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, "feedback")
	f.feedback = fb
	return nil
}

func (f *fakeReporter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, "close")
	return nil
}

func (f *fakeReporter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

// recordingObserver records every observer call by name
type recordingObserver struct {
	mu     sync.Mutex
	events []string
	failed []Reason
}

func (r *recordingObserver) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recordingObserver) OnStatus(s Status) {
	r.add("status:" + string(s))
}

func (r *recordingObserver) OnHold() {
	r.add("hold")
}

func (r *recordingObserver) OnPeerHold() {
	r.add("peer-hold")
}

func (r *recordingObserver) OnPeerResume() {
	r.add("peer-resume")
}

func (r *recordingObserver) OnPeerBusy() {
	r.add("peer-busy")
}

func (r *recordingObserver) OnPeerReject() {
	r.add("peer-reject")
}

func (r *recordingObserver) OnPeerCancel() {
	r.add("peer-cancel")
}

func (r *recordingObserver) OnPeerUnavailable() {
	r.add("peer-unavailable")
}

func (r *recordingObserver) OnPeerEnded() {
	r.add("peer-ended")
}

func (r *recordingObserver) OnCallFailed(reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, reason)
}

func (r *recordingObserver) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

// peerEvents returns only the peer-* events
func (r *recordingObserver) peerEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		switch e {
		case "peer-busy", "peer-reject", "peer-cancel", "peer-unavailable", "peer-ended":
			out = append(out, e)
		}
	}
	return out
}

// fakeFeedback blocks until answered or the context ends
type fakeFeedback struct {
	active bool
	answer interface{}
	block  bool
}

func (f *fakeFeedback) Active() bool { return f.active }

func (f *fakeFeedback) Prompt(ctx context.Context) (interface{}, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.answer, nil
}

// fakeNetwork lets tests flip connectivity
type fakeNetwork struct {
	mu      sync.Mutex
	handler func(bool)
	unsubs  int
}

func (f *fakeNetwork) Subscribe(h func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubs++
		f.handler = nil
	}
}

func (f *fakeNetwork) set(online bool) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(online)
	}
}

type fakeRinger struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeRinger) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
}

func (f *fakeRinger) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

// stepClock advances one second per reading
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (s *stepClock) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = s.t.Add(time.Second)
	return s.t
}

// harness bundles one controller with its fakes
type harness struct {
	c        *Controller
	progress *fakeProgress
	media    *fakeMedia
	audio    *fakeAudio
	reporter *fakeReporter
	observer *recordingObserver
	network  *fakeNetwork
	ringer   *fakeRinger
}

type harnessOption func(*Deps, *Config)

func withFeedback(fb FeedbackPrompt) harnessOption {
	return func(d *Deps, _ *Config) { d.Feedback = fb }
}

func withInitShield(d time.Duration) harnessOption {
	return func(_ *Deps, c *Config) { c.InitShield = d }
}

func newHarness(t *testing.T, dir Direction, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		progress: newFakeProgress(),
		media:    newFakeMedia(),
		audio:    newFakeAudio(),
		reporter: &fakeReporter{},
		observer: &recordingObserver{},
		network:  &fakeNetwork{},
		ringer:   &fakeRinger{},
	}
	deps := Deps{
		Progress: func(callID, url, token string) ProgressClient { return h.progress },
		Media:    h.media,
		Audio:    h.audio,
		Reporter: h.reporter,
		Network:  h.network,
		Ringer:   h.ringer,
		Observer: h.observer,
		Logger:   nopLogger{},
		Now:      (&stepClock{t: time.Unix(0, 0)}).Now,
	}
	config := &Config{InitShield: time.Second, FeedbackShield: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&deps, config)
	}
	c, err := New(Params{CallID: "call-1", SessionID: "session-1", Direction: dir}, deps, config)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	h.c = c
	return h
}

// start runs Start and completes the protocol greeting
func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	h.progress.ready()
}

// connect drives an outgoing call to a flowing remote stream
func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.start(t)
	h.progress.setState(progress.StateAlerting, "")
	h.progress.setState(progress.StateConnecting, "")
	h.progress.setState(progress.StateConnected, "")
	h.media.emit(mediasession.Event{Kind: mediasession.EventConnectionCreated, ConnectionID: "peer-1"})
	h.media.emit(mediasession.Event{
		Kind:         mediasession.EventStreamCreated,
		ConnectionID: "peer-1",
		Stream:       &mediasession.Stream{ID: "stream-1", ConnectionID: "peer-1", HasAudio: true},
	})
	if h.c.Phase() != PhaseActive {
		t.Fatalf("Expected active phase, got %s", h.c.Phase())
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
	}
}

var errBoom = errors.New("boom")
