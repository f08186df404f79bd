/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package progress is a client for the call-progress signaling service. The
// server owns the call state; the client mirrors it and sends the actions a
// call party is allowed to take.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the server-side call state
type State string

const (
	StateUnknown    State = "unknown"
	StateInit       State = "init"
	StateAlerting   State = "alerting"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateTerminated State = "terminated"
)

// Wire message types
const (
	msgHello    = "hello"
	msgProgress = "progress"
	msgAction   = "action"
	msgError    = "error"
	msgEcho     = "echo"
)

// Actions a party can send
const (
	ActionAccept    = "accept"
	ActionMediaUp   = "mediaUp"
	ActionTerminate = "terminate"
)

// ReasonConnectionLost is reported when the socket drops before termination
const ReasonConnectionLost = "connection-lost"

// Config holds configuration for the progress Client
type Config struct {
	// HandshakeTimeout bounds the websocket dial. Default: 10s.
	HandshakeTimeout time.Duration
	// PingInterval between websocket pings. Default: 15s.
	PingInterval time.Duration
	// TerminateTimeout bounds the wait for a terminate confirmation. Default: 3s.
	TerminateTimeout time.Duration
	// Logger for client operations. Default: log.Default().
	Logger Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		TerminateTimeout: 3 * time.Second,
	}
}

// Logger is the interface for package logging. Any logger that implements
// Printf (such as the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

var (
	// ErrNotConnected is returned when an action is sent without a socket
	ErrNotConnected = errors.New("call progress client not connected")
	// ErrFinished is returned by Connect after Finish
	ErrFinished = errors.New("call progress client finished")
)

// ProtocolError is delivered to OnError for server-reported errors and for
// connection loss.
type ProtocolError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call progress error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("call progress error: %s", e.Reason)
}

// Unwrap returns the wrapped error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// message is the JSON frame exchanged with the progress service
type message struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	CallID string `json:"callId,omitempty"`
	Auth   string `json:"auth,omitempty"`
	State  State  `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
	Event  string `json:"event,omitempty"`
}

// Client mirrors one call's progress state.
//
// Usage:
//
//	c := progress.New(callID, url, token, nil)
//	c.OnReady(func() { ... })
//	c.OnStateChange(func(s progress.State) { ... })
//	if err := c.Connect(ctx); err != nil { ... }
//	defer c.Finish()
type Client struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	callID string
	url    string
	token  string
	config *Config
	logger Logger

	conn     *websocket.Conn
	state    State
	reason   string
	ready    bool
	finished bool
	closeCh  chan struct{}

	onReady       func()
	onError       func(error)
	onStateChange func(State)

	terminateCb   func()
	terminateOnce *sync.Once
}

// New creates a client for one call. A nil config uses DefaultConfig().
func New(callID, progressURL, token string, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		callID:  callID,
		url:     progressURL,
		token:   token,
		config:  config,
		logger:  logger,
		state:   StateUnknown,
		closeCh: make(chan struct{}),
	}
}

// OnReady sets the handler fired once the server greeted the client
func (c *Client) OnReady(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = handler
}

// OnError sets the error handler. Passing nil detaches it.
func (c *Client) OnError(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// OnStateChange sets the state handler. Passing nil detaches it.
func (c *Client) OnStateChange(handler func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = handler
}

// State returns the last known call state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns the termination reason, if any
func (c *Client) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Ready reports whether the server greeting was received
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Connect dials the progress service and sends the greeting. Readiness is
// reported asynchronously through OnReady.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrFinished
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	headers := http.Header{}
	headers.Set("TrackingID", "peercall_"+uuid.New().String())

	conn, _, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to call progress service: %w", err)
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrFinished
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(message{Type: msgHello, CallID: c.callID, Auth: c.token}); err != nil {
		_ = c.Finish()
		return fmt.Errorf("failed to send greeting: %w", err)
	}

	go c.listen(conn)
	if c.config.PingInterval > 0 {
		go c.pingLoop(conn)
	}
	return nil
}

func (c *Client) send(msg message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) action(event, reason string) error {
	return c.send(message{Type: msgAction, ID: uuid.New().String(), Event: event, Reason: reason})
}

// Accept answers an alerting call
func (c *Client) Accept() error {
	return c.action(ActionAccept, "")
}

// MediaUp reports that the local media path is ready
func (c *Client) MediaUp() error {
	return c.action(ActionMediaUp, "")
}

// Terminate asks the server to end the call. callback runs exactly once:
// when the server confirms termination, when the socket closes, or after
// TerminateTimeout.
func (c *Client) Terminate(reason string, callback func()) {
	once := &sync.Once{}
	fire := func() {
		if callback != nil {
			once.Do(callback)
		}
	}

	c.mu.Lock()
	if c.state == StateTerminated || c.conn == nil {
		c.mu.Unlock()
		fire()
		return
	}
	c.terminateCb = callback
	c.terminateOnce = once
	c.mu.Unlock()

	if err := c.action(ActionTerminate, reason); err != nil {
		c.logger.Printf("CallProgress: terminate(%s) send failed: %v", reason, err)
		fire()
		return
	}

	timeout := c.config.TerminateTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	time.AfterFunc(timeout, fire)
}

// firePendingTerminate runs a pending Terminate callback
func (c *Client) firePendingTerminate() {
	c.mu.Lock()
	cb, once := c.terminateCb, c.terminateOnce
	c.terminateCb, c.terminateOnce = nil, nil
	c.mu.Unlock()
	if cb != nil && once != nil {
		once.Do(cb)
	}
}

// Finish closes the connection. Safe to call repeatedly.
func (c *Client) Finish() error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	c.finished = true
	close(c.closeCh)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call finished"))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.firePendingTerminate()
	return nil
}

// listen reads server frames until the socket closes
func (c *Client) listen(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("CallProgress: invalid message: %v", err)
			continue
		}
		c.process(msg)
	}
}

func (c *Client) process(msg message) {
	switch msg.Type {
	case msgHello:
		c.mu.Lock()
		if c.ready {
			c.mu.Unlock()
			return
		}
		c.ready = true
		if msg.State != "" {
			c.state = msg.State
		}
		state := c.state
		onReady, onState := c.onReady, c.onStateChange
		c.mu.Unlock()

		if onReady != nil {
			onReady()
		}
		if state != StateUnknown && state != StateInit && onState != nil {
			onState(state)
		}

	case msgProgress:
		c.mu.Lock()
		if c.state == StateTerminated {
			c.mu.Unlock()
			return
		}
		c.state = msg.State
		if msg.Reason != "" {
			c.reason = msg.Reason
		}
		onState := c.onStateChange
		c.mu.Unlock()

		if onState != nil {
			onState(msg.State)
		}
		if msg.State == StateTerminated {
			c.firePendingTerminate()
		}

	case msgError:
		c.mu.Lock()
		onError := c.onError
		c.mu.Unlock()
		if onError != nil {
			onError(&ProtocolError{Reason: msg.Reason})
		}

	case msgEcho:
		if err := c.send(message{Type: msgEcho, ID: msg.ID}); err != nil {
			c.logger.Printf("CallProgress: echo reply failed: %v", err)
		}
	}
}

func (c *Client) handleConnectionError(err error) {
	c.mu.Lock()
	finished := c.finished
	state := c.state
	onError := c.onError
	c.mu.Unlock()

	c.firePendingTerminate()
	if finished || state == StateTerminated {
		return
	}
	c.logger.Printf("CallProgress: connection lost: %v", err)
	if onError != nil {
		onError(&ProtocolError{Reason: ReasonConnectionLost, Err: err})
	}
}

// pingLoop keeps the socket alive until it closes
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}
