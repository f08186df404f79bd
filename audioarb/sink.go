/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audioarb

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// UDPSink forwards marshaled RTP packets to a UDP address
type UDPSink struct {
	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// NewUDPSink dials addr (host:port) for RTP output
func NewUDPSink(addr string) (*UDPSink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial audio sink %s: %w", addr, err)
	}
	return &UDPSink{conn: conn, buf: make([]byte, 1500)}, nil
}

// WriteRTP marshals and sends one packet
func (s *UDPSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := pkt.MarshalTo(s.buf)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(s.buf[:n])
	return err
}

// Close closes the UDP socket
func (s *UDPSink) Close() error {
	return s.conn.Close()
}
