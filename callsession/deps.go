/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import (
	"context"
	"errors"
	"time"

	"github.com/tejzpr/peercall/audioarb"
	"github.com/tejzpr/peercall/emitter"
	"github.com/tejzpr/peercall/mediasession"
	"github.com/tejzpr/peercall/progress"
)

// ProgressClient is the call-progress protocol client. *progress.Client
// satisfies it.
type ProgressClient interface {
	Connect(ctx context.Context) error
	State() progress.State
	Reason() string
	OnReady(handler func())
	OnError(handler func(error))
	OnStateChange(handler func(progress.State))
	Accept() error
	MediaUp() error
	Terminate(reason string, callback func())
	Finish() error
}

// ProgressFactory creates the protocol client for a call
type ProgressFactory func(callID, progressURL, token string) ProgressClient

// MediaSession is the media session capability surface.
// *mediasession.Adapter satisfies it.
type MediaSession interface {
	On(kind mediasession.EventKind, handler func(mediasession.Event)) emitter.Subscription
	Connect(ctx context.Context, descriptor, token string) error
	Publish(ctx context.Context, target mediasession.Surface, c mediasession.Constraints) (mediasession.Publisher, error)
	Subscribe(ctx context.Context, stream mediasession.Stream, target mediasession.Surface, c mediasession.Constraints) (mediasession.Subscriber, error)
	SetPublishedAudio(enabled bool)
	SetPublishedVideo(enabled bool)
	SetSubscribedAudio(enabled bool)
	SetSubscribedVideo(enabled bool)
	Signal(ctx context.Context, toConnectionID, sigType string, payload interface{}) error
	LocalDescription() string
	HasSubscriber() bool
	Disconnect()
}

// AudioArbiter claims the voice-call audio channel. *audioarb.Service
// satisfies it.
type AudioArbiter interface {
	Init(ctx context.Context) error
	Compete() error
	LeaveCompetition()
	Destroy()
	AddListener(kind audioarb.ListenerKind, handler func()) emitter.Subscription
	ClearListeners()
}

// Reporter delivers the outcome to the host. *handshake.Screen satisfies it.
type Reporter interface {
	Hangout(outcome interface{}) error
	Feedback(feedback interface{}) error
	Close() error
}

// NetworkMonitor reports connectivity edges. *netwatch.Monitor satisfies it.
type NetworkMonitor interface {
	Subscribe(handler func(online bool)) (unsubscribe func())
}

// Ringer plays the incoming-call tone
type Ringer interface {
	Start()
	Stop()
}

// FeedbackPrompt asks the user to rate a finished call
type FeedbackPrompt interface {
	// Active reports whether a feedback UI is already showing
	Active() bool
	// Prompt blocks until the user answers or ctx is done
	Prompt(ctx context.Context) (interface{}, error)
}

// Logger is the interface for package logging. Any logger that implements
// Printf (such as the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

// Deps are the collaborators of one Controller. Progress, Media, Audio and
// Reporter are required.
type Deps struct {
	Progress ProgressFactory
	Media    MediaSession
	Audio    AudioArbiter
	Reporter Reporter

	Network  NetworkMonitor
	Ringer   Ringer
	Feedback FeedbackPrompt
	Observer Observer

	// LocalSurface receives the local preview, RemoteSurface the peer's media
	LocalSurface  mediasession.Surface
	RemoteSurface mediasession.Surface

	Logger Logger
	// Now is the clock for the call countdown. Default: time.Now.
	Now func() time.Time
}

func (d Deps) validate() error {
	var errs []error
	if d.Progress == nil {
		errs = append(errs, errors.New("progress client factory is required"))
	}
	if d.Media == nil {
		errs = append(errs, errors.New("media session is required"))
	}
	if d.Audio == nil {
		errs = append(errs, errors.New("audio arbiter is required"))
	}
	if d.Reporter == nil {
		errs = append(errs, errors.New("reporter is required"))
	}
	return errors.Join(errs...)
}

// Config holds the controller shields
type Config struct {
	// InitShield bounds the wait for the protocol client's greeting during
	// termination. Default: 5s.
	InitShield time.Duration
	// FeedbackShield bounds the wait for post-call feedback. Default: 10s.
	FeedbackShield time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		InitShield:     5 * time.Second,
		FeedbackShield: 10 * time.Second,
	}
}
