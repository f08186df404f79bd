/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketPort frames envelopes over a gorilla websocket connection. With a
// Signer, each frame is a compact JWS and unsigned frames are rejected.
type WebSocketPort struct {
	conn   *websocket.Conn
	signer *Signer

	writeMu sync.Mutex
	recvMu  sync.Mutex
	frames  chan frame
	closed  chan struct{}
	once    sync.Once
	started sync.Once
}

type frame struct {
	data []byte
	err  error
}

// NewWebSocketPort wraps conn. signer may be nil.
func NewWebSocketPort(conn *websocket.Conn, signer *Signer) *WebSocketPort {
	return &WebSocketPort{
		conn:   conn,
		signer: signer,
		frames: make(chan frame, 16),
		closed: make(chan struct{}),
	}
}

// Send writes one envelope
func (p *WebSocketPort) Send(env Envelope) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("error marshaling envelope: %w", err)
	}
	if p.signer != nil {
		compact, err := p.signer.Sign(data)
		if err != nil {
			return err
		}
		data = []byte(compact)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Message, err)
	}
	return nil
}

// readLoop feeds frames to Recv so a cancelled Recv never loses a frame
func (p *WebSocketPort) readLoop() {
	defer close(p.frames)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case p.frames <- frame{err: err}:
			case <-p.closed:
			}
			return
		}
		select {
		case p.frames <- frame{data: data}:
		case <-p.closed:
			return
		}
	}
}

// Recv reads the next envelope. Frames that fail to decode or verify are
// returned as errors; the port stays usable.
func (p *WebSocketPort) Recv(ctx context.Context) (Envelope, error) {
	p.started.Do(func() { go p.readLoop() })

	p.recvMu.Lock()
	defer p.recvMu.Unlock()

	var f frame
	var ok bool
	select {
	case f, ok = <-p.frames:
	case <-p.closed:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
	if !ok {
		return Envelope{}, ErrClosed
	}
	if f.err != nil {
		if websocket.IsCloseError(f.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Envelope{}, ErrClosed
		}
		return Envelope{}, errors.Join(ErrClosed, f.err)
	}

	data := f.data
	if p.signer != nil {
		payload, err := p.signer.Verify(string(data))
		if err != nil {
			return Envelope{}, err
		}
		data = payload
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

// Close sends a close frame and closes the connection
func (p *WebSocketPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		p.writeMu.Lock()
		_ = p.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}
