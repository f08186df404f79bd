/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command callscreen is the call-UI process. It serves the result handshake
// over a websocket at /handshake, waits for the host's call message, runs one
// call session to completion, reports the outcome and exits.
//
// Incoming calls are answered as soon as the session starts.
//
// Usage:
//
//	ENV_FILE=.env.screen go run ./cmd/callscreen
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/tejzpr/peercall/audioarb"
	"github.com/tejzpr/peercall/callsession"
	"github.com/tejzpr/peercall/config"
	"github.com/tejzpr/peercall/handshake"
	"github.com/tejzpr/peercall/mediasession"
	"github.com/tejzpr/peercall/netwatch"
	"github.com/tejzpr/peercall/progress"
)

var upgrader = websocket.Upgrader{
	// The host is a local process, not a browser page.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// screenServer accepts a single host connection
type screenServer struct {
	mu     sync.Mutex
	busy   bool
	cfg    *config.Config
	logger *log.Logger
	signer *handshake.Signer
	done   chan struct{}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)

	var signer *handshake.Signer
	if cfg.SigningKey != "" {
		signer, err = handshake.NewSigner([]byte(cfg.SigningKey))
		if err != nil {
			logger.Fatalf("signing key: %v", err)
		}
	}

	srv := &screenServer{cfg: cfg, logger: logger, signer: signer, done: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/handshake", srv.handleHandshake)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case <-ctx.Done():
			logger.Printf("CallScreen: signal received, shutting down")
		case <-srv.done:
			logger.Printf("CallScreen: session finished, shutting down")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("CallScreen: HTTP server shutdown error: %v", err)
		}
	}()

	logger.Printf("CallScreen: serving handshake at ws://%s/handshake", cfg.ListenAddr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("CallScreen: %v", err)
	}
}

// newLogger bridges the package Logger contract to JSON slog output
func newLogger(level string) *log.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return slog.NewLogLogger(handler, lvl)
}

func (s *screenServer) handleHandshake(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		http.Error(w, "call screen busy", http.StatusConflict)
		return
	}
	s.busy = true
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("CallScreen: upgrade failed: %v", err)
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		return
	}
	defer close(s.done)

	port := handshake.NewWebSocketPort(conn, s.signer)
	defer port.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	screen := handshake.NewScreen(port, s.logger)
	go s.serveHandshake(ctx, cancel, screen)

	params, err := screen.WaitCall(ctx)
	if err != nil {
		s.logger.Printf("CallScreen: no call: %v", err)
		if !screen.FinalSent() {
			_ = screen.Close()
		}
		return
	}

	if err := s.runCall(ctx, screen, params); err != nil {
		s.logger.Printf("CallScreen: call failed: %v", err)
		if !screen.FinalSent() {
			_ = screen.Close()
		}
	}
}

// serveHandshake answers the host until it goes away, then ends the call
func (s *screenServer) serveHandshake(ctx context.Context, cancel context.CancelFunc, screen *handshake.Screen) {
	defer cancel()
	if err := screen.Serve(ctx); err != nil && ctx.Err() == nil {
		s.logger.Printf("CallScreen: handshake ended: %v", err)
	}
}

// runCall wires one controller and blocks until it reported its outcome
func (s *screenServer) runCall(ctx context.Context, screen *handshake.Screen, params handshake.CallParams) error {
	cfg := s.cfg
	logger := s.logger

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, u := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	provider, err := mediasession.NewPionProvider(&mediasession.PionConfig{ICEServers: iceServers, Logger: logger})
	if err != nil {
		return err
	}
	media := mediasession.NewAdapter(provider, logger)

	var sink audioarb.Sink = discardSink{}
	if cfg.AudioSinkAddr != "" {
		udp, err := audioarb.NewUDPSink(cfg.AudioSinkAddr)
		if err != nil {
			return err
		}
		defer udp.Close()
		sink = udp
	}
	router := audioarb.NewRouter(&audioarb.RouterConfig{Sink: sink, Logger: logger})
	arb := audioarb.New(router, &audioarb.Config{Logger: logger})

	monitor := netwatch.New(&netwatch.Config{
		ProbeAddr: cfg.ProbeAddr,
		Interval:  cfg.ProbeInterval,
		Logger:    logger,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	progressConfig := progress.DefaultConfig()
	progressConfig.Logger = logger

	controller, err := callsession.New(callsession.ParamsFromCall(params), callsession.Deps{
		Progress: func(callID, url, token string) callsession.ProgressClient {
			return progress.New(callID, url, token, progressConfig)
		},
		Media:         media,
		Audio:         arb,
		Reporter:      screen,
		Network:       monitor,
		Observer:      logObserver{logger: logger},
		RemoteSurface: sinkSurface{sink: sink},
		Logger:        logger,
	}, &callsession.Config{
		InitShield:     cfg.InitShield,
		FeedbackShield: cfg.FeedbackShield,
	})
	if err != nil {
		return err
	}

	if err := controller.Start(ctx); err != nil {
		<-controller.Done()
		return err
	}
	if !params.Outgoing {
		if err := controller.Answer(ctx); err != nil {
			logger.Printf("CallScreen: answer: %v", err)
		}
	}

	select {
	case <-controller.Done():
	case <-ctx.Done():
		controller.Hangup(context.Background())
	}
	return nil
}

// sinkSurface plays remote media into the audio sink
type sinkSurface struct {
	sink audioarb.Sink
}

func (s sinkSurface) WriteRTP(pkt *rtp.Packet) error {
	return s.sink.WriteRTP(pkt)
}

type discardSink struct{}

func (discardSink) WriteRTP(*rtp.Packet) error { return nil }

// logObserver renders call events as log lines
type logObserver struct {
	logger *log.Logger
}

func (o logObserver) OnStatus(status callsession.Status) {
	o.logger.Printf("CallScreen: status %s", status)
}

func (o logObserver) OnHold() {
	o.logger.Printf("CallScreen: on hold")
}

func (o logObserver) OnPeerHold() {
	o.logger.Printf("CallScreen: peer put the call on hold")
}

func (o logObserver) OnPeerResume() {
	o.logger.Printf("CallScreen: peer resumed")
}

func (o logObserver) OnPeerBusy() {
	o.logger.Printf("CallScreen: peer is busy")
}

func (o logObserver) OnPeerReject() {
	o.logger.Printf("CallScreen: peer declined")
}

func (o logObserver) OnPeerCancel() {
	o.logger.Printf("CallScreen: peer cancelled")
}

func (o logObserver) OnPeerUnavailable() {
	o.logger.Printf("CallScreen: peer unavailable")
}

func (o logObserver) OnPeerEnded() {
	o.logger.Printf("CallScreen: peer ended the call")
}

func (o logObserver) OnCallFailed(reason callsession.Reason) {
	o.logger.Printf("CallScreen: call failed: %s", reason)
}
