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
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PionConfig holds configuration for the pion provider
type PionConfig struct {
	// ICEServers is the list of ICE servers (STUN/TURN) to use
	ICEServers []webrtc.ICEServer
	// Dialer opens the signaling transport. Default: WebSocketDialer(0).
	Dialer Dialer
	// Logger for provider operations. Default: log.Default().
	Logger Logger
}

// DefaultPionConfig returns a PionConfig with sensible defaults.
func DefaultPionConfig() *PionConfig {
	return &PionConfig{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// PionProvider implements Provider with a pion PeerConnection to the single
// remote party. Signaling is relayed through a SignalingTransport; application
// signals ride a pre-negotiated data channel.
type PionProvider struct {
	mu         sync.Mutex
	negotiate  sync.Mutex
	api        *webrtc.API
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	transport  SignalingTransport
	dialer     Dialer
	logger     Logger
	localID    string
	remoteID   string
	published  *pionPublisher
	streams    map[string]*remoteStream
	joined     chan []string
	closing    bool
	netDropped bool
	onEvent    func(Event)
}

type remoteStream struct {
	stream     Stream
	tracks     int
	subscriber *pionSubscriber
}

// NewPionProvider creates a PeerConnection with Opus/PCMU audio and VP8 video
// registered, ready for Connect.
func NewPionProvider(config *PionConfig) (*PionProvider, error) {
	if config == nil {
		config = DefaultPionConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = WebSocketDialer(0)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register VP8: %w", err)
	}

	// Default interceptors (RTCP reports, NACK, TWCC) are required when
	// using a custom MediaEngine, otherwise incoming SRTP is not processed.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	negotiated := true
	var id uint16
	dc, err := pc.CreateDataChannel("signal", &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create signal channel: %w", err)
	}

	p := &PionProvider{
		api:     api,
		pc:      pc,
		dc:      dc,
		dialer:  dialer,
		logger:  logger,
		localID: uuid.New().String(),
		streams: make(map[string]*remoteStream),
		joined:  make(chan []string, 1),
	}

	dc.OnMessage(p.handleDataMessage)
	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(p.handleConnectionState)

	return p, nil
}

// OnEvent sets the provider event sink
func (p *PionProvider) OnEvent(handler func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = handler
}

// LocalID returns the connection ID this provider announces to the relay
func (p *PionProvider) LocalID() string {
	return p.localID
}

// PeerConnection returns the underlying pion PeerConnection for advanced use
func (p *PionProvider) PeerConnection() *webrtc.PeerConnection {
	return p.pc
}

func (p *PionProvider) emit(ev Event) {
	p.mu.Lock()
	handler := p.onEvent
	p.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// Connect dials the relay, joins the session and waits for the member list.
func (p *PionProvider) Connect(ctx context.Context, descriptor, token string) error {
	transport, err := p.dialer(ctx, descriptor, token)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		_ = transport.Close()
		return ErrClosed
	}
	p.transport = transport
	p.mu.Unlock()

	go p.readLoop(transport)

	if err := p.send(relayMessage{Type: msgJoin, From: p.localID, Session: descriptor, Token: token}); err != nil {
		_ = transport.Close()
		return fmt.Errorf("failed to join session: %w", err)
	}

	select {
	case peers, ok := <-p.joined:
		if !ok {
			return fmt.Errorf("signaling relay closed before join completed")
		}
		p.mu.Lock()
		closing := p.closing
		p.mu.Unlock()
		if closing {
			return ErrClosed
		}
		for _, peer := range peers {
			p.addPeer(peer)
		}
		return nil
	case <-ctx.Done():
		_ = transport.Close()
		return ctx.Err()
	}
}

func (p *PionProvider) send(msg relayMessage) error {
	p.mu.Lock()
	transport := p.transport
	p.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return transport.WriteMessage(data)
}

// readLoop processes relay messages until the transport fails
func (p *PionProvider) readLoop(transport SignalingTransport) {
	joinedSeen := false
	defer func() {
		if !joinedSeen {
			close(p.joined)
		}
	}()

	for {
		data, err := transport.ReadMessage()
		if err != nil {
			p.mu.Lock()
			closing := p.closing
			remote := p.remoteID
			p.mu.Unlock()
			if !closing {
				p.logger.Printf("MediaSession: signaling read ended: %v", err)
				if remote != "" {
					p.networkDropped(remote)
				}
			}
			return
		}

		var msg relayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Printf("MediaSession: invalid signaling message: %v", err)
			continue
		}

		switch msg.Type {
		case msgJoined:
			if !joinedSeen {
				joinedSeen = true
				p.joined <- msg.Peers
				close(p.joined)
			}

		case msgPeerJoined:
			p.addPeer(msg.From)
			// The member already in the session makes the offer.
			if err := p.offer(); err != nil {
				p.logger.Printf("MediaSession: offer to %s failed: %v", msg.From, err)
			}

		case msgPeerLeft:
			p.removePeer(msg.From, ReasonClientDisconnected)

		case msgOffer:
			if err := p.answer(msg); err != nil {
				p.logger.Printf("MediaSession: answering offer from %s failed: %v", msg.From, err)
			}

		case msgAnswer:
			if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
				p.logger.Printf("MediaSession: set remote answer failed: %v", err)
			}

		case msgICECandidate:
			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal(msg.Candidate, &candidate); err != nil {
				p.logger.Printf("MediaSession: invalid ICE candidate: %v", err)
				continue
			}
			if err := p.pc.AddICECandidate(candidate); err != nil {
				p.logger.Printf("MediaSession: add ICE candidate failed: %v", err)
			}

		case msgStreamProperty:
			p.streamProperty(msg)
		}
	}
}

func (p *PionProvider) addPeer(id string) {
	if id == "" || id == p.localID {
		return
	}
	p.mu.Lock()
	if p.remoteID == id {
		p.mu.Unlock()
		return
	}
	p.remoteID = id
	p.mu.Unlock()
	p.emit(Event{Kind: EventConnectionCreated, ConnectionID: id})
}

func (p *PionProvider) removePeer(id, reason string) {
	p.mu.Lock()
	if p.remoteID != id || id == "" {
		p.mu.Unlock()
		return
	}
	p.remoteID = ""
	var gone []Stream
	for sid, rs := range p.streams {
		if rs.stream.ConnectionID == id {
			gone = append(gone, rs.stream)
			delete(p.streams, sid)
		}
	}
	p.mu.Unlock()

	for i := range gone {
		s := gone[i]
		p.emit(Event{Kind: EventStreamDestroyed, ConnectionID: id, Stream: &s, Reason: reason})
	}
	p.emit(Event{Kind: EventConnectionDestroyed, ConnectionID: id, Reason: reason})
}

func (p *PionProvider) networkDropped(remote string) {
	p.mu.Lock()
	if p.netDropped {
		p.mu.Unlock()
		return
	}
	p.netDropped = true
	p.mu.Unlock()
	p.removePeer(remote, ReasonNetworkDisconnected)
}

// offer sends a full (non-trickle) offer to the remote peer, if any
func (p *PionProvider) offer() error {
	p.negotiate.Lock()
	defer p.negotiate.Unlock()

	p.mu.Lock()
	remote := p.remoteID
	p.mu.Unlock()
	if remote == "" {
		return nil
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := p.pc.LocalDescription()
	if localDesc == nil {
		return fmt.Errorf("local description is nil after gathering")
	}
	return p.send(relayMessage{Type: msgOffer, From: p.localID, To: remote, SDP: localDesc.SDP})
}

func (p *PionProvider) answer(msg relayMessage) error {
	p.negotiate.Lock()
	defer p.negotiate.Unlock()

	p.addPeer(msg.From)
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := p.pc.LocalDescription()
	if localDesc == nil {
		return fmt.Errorf("local description is nil after gathering")
	}
	return p.send(relayMessage{Type: msgAnswer, From: p.localID, To: msg.From, SDP: localDesc.SDP})
}

func (p *PionProvider) streamProperty(msg relayMessage) {
	p.mu.Lock()
	rs, ok := p.streams[msg.StreamID]
	if ok && msg.Property == "hasVideo" {
		rs.stream.HasVideo = msg.Value
	}
	if ok && msg.Property == "hasAudio" {
		rs.stream.HasAudio = msg.Value
	}
	var stream Stream
	if ok {
		stream = rs.stream
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.emit(Event{Kind: EventStreamPropertyChanged, ConnectionID: msg.From, Stream: &stream, Property: msg.Property, Value: msg.Value})
}

func (p *PionProvider) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.logger.Printf("MediaSession: remote track codec=%s stream=%s", track.Codec().MimeType, track.StreamID())

	p.mu.Lock()
	sid := track.StreamID()
	rs, exists := p.streams[sid]
	if !exists {
		rs = &remoteStream{stream: Stream{ID: sid, ConnectionID: p.remoteID}}
		p.streams[sid] = rs
	}
	rs.tracks++
	isVideo := track.Kind() == webrtc.RTPCodecTypeVideo
	if isVideo {
		rs.stream.HasVideo = true
	} else {
		rs.stream.HasAudio = true
	}
	stream := rs.stream
	p.mu.Unlock()

	if exists {
		prop := "hasAudio"
		if isVideo {
			prop = "hasVideo"
		}
		p.emit(Event{Kind: EventStreamPropertyChanged, ConnectionID: stream.ConnectionID, Stream: &stream, Property: prop, Value: true})
	} else {
		p.emit(Event{Kind: EventStreamCreated, ConnectionID: stream.ConnectionID, Stream: &stream})
	}

	go p.forward(track, sid, isVideo)
}

// forward reads one remote track until it ends, handing packets to the
// subscriber surface when reception of that kind is enabled.
func (p *PionProvider) forward(track *webrtc.TrackRemote, sid string, isVideo bool) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			break
		}
		p.mu.Lock()
		var sub *pionSubscriber
		if rs, ok := p.streams[sid]; ok {
			sub = rs.subscriber
		}
		p.mu.Unlock()
		if sub != nil {
			sub.deliver(pkt, isVideo)
		}
	}

	p.mu.Lock()
	rs, ok := p.streams[sid]
	var stream Stream
	last := false
	if ok {
		rs.tracks--
		if rs.tracks <= 0 {
			last = true
			stream = rs.stream
			delete(p.streams, sid)
		}
	}
	closing := p.closing
	p.mu.Unlock()

	if last && !closing {
		p.emit(Event{Kind: EventStreamDestroyed, ConnectionID: stream.ConnectionID, Stream: &stream, Reason: ReasonClientDisconnected})
	}
}

func (p *PionProvider) handleConnectionState(s webrtc.PeerConnectionState) {
	p.logger.Printf("MediaSession: connection state → %s", s.String())
	if s != webrtc.PeerConnectionStateFailed && s != webrtc.PeerConnectionStateDisconnected {
		return
	}
	p.mu.Lock()
	closing := p.closing
	remote := p.remoteID
	p.mu.Unlock()
	if !closing && remote != "" {
		p.networkDropped(remote)
	}
}

func (p *PionProvider) handleDataMessage(msg webrtc.DataChannelMessage) {
	var sig Signal
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		p.logger.Printf("MediaSession: invalid signal: %v", err)
		return
	}
	p.mu.Lock()
	if sig.From == "" {
		sig.From = p.remoteID
	}
	p.mu.Unlock()
	p.emit(Event{Kind: EventSignal, ConnectionID: sig.From, Signal: &sig})
}

// Publish adds local audio and video tracks and offers them to the peer.
// Video is attached but muted when the constraints disable it so it can be
// enabled later without renegotiation.
func (p *PionProvider) Publish(ctx context.Context, target Surface, c Constraints) (Publisher, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.published != nil {
		pub := p.published
		p.mu.Unlock()
		return pub, nil
	}
	p.mu.Unlock()

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", p.localID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", p.localID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	audioSender, err := p.pc.AddTrack(audio)
	if err != nil {
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}
	videoSender, err := p.pc.AddTrack(video)
	if err != nil {
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}

	pub := &pionPublisher{
		provider:    p,
		audio:       audio,
		video:       video,
		audioSender: audioSender,
		videoSender: videoSender,
		preview:     target,
		mirror:      c.Mirror,
		audioOn:     true,
		videoOn:     true,
	}
	if !c.Audio {
		if err := pub.PublishAudio(false); err != nil {
			return nil, err
		}
	}
	if !c.Video {
		if err := pub.PublishVideo(false); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	p.published = pub
	p.mu.Unlock()

	if err := p.offer(); err != nil {
		return nil, err
	}
	return pub, nil
}

// Subscribe attaches a surface to a remote stream
func (p *PionProvider) Subscribe(ctx context.Context, stream Stream, target Surface, c Constraints) (Subscriber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.streams[stream.ID]
	if !ok {
		return nil, fmt.Errorf("unknown stream %q", stream.ID)
	}
	sub := &pionSubscriber{stream: rs.stream, target: target, audioOn: c.Audio, videoOn: c.Video}
	rs.subscriber = sub
	return sub, nil
}

// Signal sends an application message over the data channel
func (p *PionProvider) Signal(ctx context.Context, toConnectionID string, sig Signal) error {
	if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	sig.From = p.localID
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return p.dc.SendText(string(data))
}

// Disconnect leaves the session and closes the peer connection
func (p *PionProvider) Disconnect() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	transport := p.transport
	p.mu.Unlock()

	var errs []error
	if transport != nil {
		if err := p.send(relayMessage{Type: msgLeave, From: p.localID}); err != nil {
			errs = append(errs, fmt.Errorf("leave: %w", err))
		}
		if err := transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close signaling: %w", err))
		}
	}
	if err := p.pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close peer connection: %w", err))
	}
	return errors.Join(errs...)
}

// pionPublisher is the local publication handle
type pionPublisher struct {
	mu          sync.Mutex
	provider    *PionProvider
	audio       *webrtc.TrackLocalStaticRTP
	video       *webrtc.TrackLocalStaticRTP
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	preview     Surface
	mirror      bool
	audioOn     bool
	videoOn     bool
}

// AudioTrack returns the local audio track the capture pipeline writes to
func (pp *pionPublisher) AudioTrack() *webrtc.TrackLocalStaticRTP { return pp.audio }

// VideoTrack returns the local video track the capture pipeline writes to
func (pp *pionPublisher) VideoTrack() *webrtc.TrackLocalStaticRTP { return pp.video }

func (pp *pionPublisher) PublishAudio(enabled bool) error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.audioOn == enabled {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = pp.audio
	}
	if err := pp.audioSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to toggle audio: %w", err)
	}
	pp.audioOn = enabled
	return nil
}

func (pp *pionPublisher) PublishVideo(enabled bool) error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.videoOn == enabled {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = pp.video
	}
	if err := pp.videoSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to toggle video: %w", err)
	}
	pp.videoOn = enabled
	if err := pp.provider.send(relayMessage{
		Type: msgStreamProperty, From: pp.provider.localID, StreamID: pp.provider.localID,
		Property: "hasVideo", Value: enabled,
	}); err != nil && !errors.Is(err, ErrNotConnected) {
		pp.provider.logger.Printf("MediaSession: announcing video=%t failed: %v", enabled, err)
	}
	return nil
}

func (pp *pionPublisher) LocalDescription() string {
	desc := pp.provider.pc.LocalDescription()
	if desc == nil {
		return ""
	}
	return desc.SDP
}

// pionSubscriber forwards remote RTP to its surface
type pionSubscriber struct {
	mu      sync.Mutex
	stream  Stream
	target  Surface
	audioOn bool
	videoOn bool
}

func (ps *pionSubscriber) Stream() Stream { return ps.stream }

func (ps *pionSubscriber) SubscribeToAudio(enabled bool) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.audioOn = enabled
	return nil
}

func (ps *pionSubscriber) SubscribeToVideo(enabled bool) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.videoOn = enabled
	return nil
}

func (ps *pionSubscriber) deliver(pkt *rtp.Packet, isVideo bool) {
	ps.mu.Lock()
	on := ps.audioOn
	if isVideo {
		on = ps.videoOn
	}
	target := ps.target
	ps.mu.Unlock()
	if !on || target == nil {
		return
	}
	_ = target.WriteRTP(pkt)
}
