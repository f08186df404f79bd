/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package handshake

import (
	"context"
	"sync"
)

// Port is one end of a bidirectional envelope channel
type Port interface {
	Send(env Envelope) error
	// Recv blocks until an envelope arrives, the port closes or ctx is done
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// pipeEnd is one side of an in-memory Pipe
type pipeEnd struct {
	in     <-chan Envelope
	out    chan<- Envelope
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-memory ports. Closing either end closes both.
func Pipe() (Port, Port) {
	ab := make(chan Envelope, 64)
	ba := make(chan Envelope, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, closed: closed, once: once}
	b := &pipeEnd{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

func (p *pipeEnd) Send(env Envelope) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.closed:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
