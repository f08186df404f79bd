/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package mediasession

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SignalingTransport is a transport-agnostic interface for exchanging
// session signaling messages (join, SDP offers/answers, ICE candidates)
// with a relay. Implement this over WebSocket, gRPC, HTTP polling, etc.
type SignalingTransport interface {
	// ReadMessage blocks until a signaling message arrives.
	// Returns the raw JSON bytes or an error (e.g. connection closed).
	ReadMessage() ([]byte, error)

	// WriteMessage sends a signaling message.
	WriteMessage(data []byte) error

	// Close releases the transport and unblocks ReadMessage.
	Close() error
}

// Dialer opens a SignalingTransport for a session descriptor
type Dialer func(ctx context.Context, descriptor, token string) (SignalingTransport, error)

// relay message types
const (
	msgJoin           = "join"
	msgJoined         = "joined"
	msgLeave          = "leave"
	msgPeerJoined     = "peer-joined"
	msgPeerLeft       = "peer-left"
	msgOffer          = "offer"
	msgAnswer         = "answer"
	msgICECandidate   = "ice-candidate"
	msgStreamProperty = "stream-property"
)

// relayMessage is the JSON structure exchanged with the signaling relay
type relayMessage struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Session   string          `json:"session,omitempty"`
	Token     string          `json:"token,omitempty"`
	Peers     []string        `json:"peers,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	StreamID  string          `json:"streamId,omitempty"`
	Property  string          `json:"property,omitempty"`
	Value     bool            `json:"value,omitempty"`
}

// WebSocketDialer returns a Dialer that treats the session descriptor as a
// websocket URL and sends the token as a bearer header.
func WebSocketDialer(handshakeTimeout time.Duration) Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return func(ctx context.Context, descriptor, token string) (SignalingTransport, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		}
		headers := http.Header{}
		if token != "" {
			headers.Set("Authorization", "Bearer "+token)
		}
		conn, _, err := dialer.DialContext(ctx, descriptor, headers)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to signaling relay: %w", err)
		}
		return &wsTransport{conn: conn}, nil
	}
}

// wsTransport adapts a gorilla websocket connection to SignalingTransport
type wsTransport struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving session"))
	t.writeMu.Unlock()
	return t.conn.Close()
}
