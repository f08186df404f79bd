/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audioarb

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// RouterConfig holds configuration for a Router
type RouterConfig struct {
	// IdleTimeout releases an owner that stopped writing. Default: 500ms.
	IdleTimeout time.Duration
	// Sink receives the owner's packets. Optional.
	Sink Sink
	// Logger for router operations. Default: log.Default().
	Logger Logger
}

// DefaultRouterConfig returns a RouterConfig with sensible defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		IdleTimeout: 500 * time.Millisecond,
	}
}

// Router is an in-process Platform with last-writer-wins arbitration. The
// most recent writer owns the channel; the owner it displaced is told it was
// preempted and is restored when the new owner leaves.
type Router struct {
	mu sync.Mutex

	config *RouterConfig
	logger Logger

	owner     *routerChannel
	displaced []*routerChannel
	idle      *time.Timer
	epoch     uint64
}

// NewRouter creates a Router. A nil config uses DefaultRouterConfig().
func NewRouter(config *RouterConfig) *Router {
	if config == nil {
		config = DefaultRouterConfig()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 500 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Router{config: config, logger: logger}
}

// Acquire returns a new channel handle
func (r *Router) Acquire(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &routerChannel{router: r}, nil
}

// Owns reports whether ch currently owns the channel
func (r *Router) Owns(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := ch.(*routerChannel)
	return ok && r.owner == rc
}

// claim makes rc the owner and returns the owner it displaced, if any
func (r *Router) claim(rc *routerChannel) *routerChannel {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *routerChannel
	if r.owner != rc {
		previous = r.owner
		if previous != nil {
			r.displaced = append(r.displaced, previous)
		}
		r.removeDisplacedLocked(rc)
		r.owner = rc
	}

	r.epoch++
	epoch := r.epoch
	if r.idle != nil {
		r.idle.Stop()
	}
	r.idle = time.AfterFunc(r.config.IdleTimeout, func() { r.expire(rc, epoch) })
	return previous
}

func (r *Router) removeDisplacedLocked(rc *routerChannel) {
	kept := r.displaced[:0]
	for _, d := range r.displaced {
		if d != rc {
			kept = append(kept, d)
		}
	}
	r.displaced = kept
}

// expire releases an owner that has not written since epoch
func (r *Router) expire(rc *routerChannel, epoch uint64) {
	r.mu.Lock()
	if r.owner != rc || r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	restored := r.releaseLocked()
	r.mu.Unlock()

	if restored != nil {
		restored.notify(ChannelRestored)
	}
}

// releaseLocked clears the owner and pops the most recently displaced claimant
func (r *Router) releaseLocked() *routerChannel {
	r.owner = nil
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	if n := len(r.displaced); n > 0 {
		restored := r.displaced[n-1]
		r.displaced = r.displaced[:n-1]
		return restored
	}
	return nil
}

func (r *Router) close(rc *routerChannel) {
	r.mu.Lock()
	r.removeDisplacedLocked(rc)
	var restored *routerChannel
	if r.owner == rc {
		restored = r.releaseLocked()
	}
	r.mu.Unlock()

	if restored != nil {
		restored.notify(ChannelRestored)
	}
}

func (r *Router) forward(pkt *rtp.Packet) {
	if r.config.Sink == nil {
		return
	}
	if err := r.config.Sink.WriteRTP(pkt); err != nil {
		r.logger.Printf("AudioArb: sink write error: %v", err)
	}
}

// routerChannel is one claimant's handle on a Router
type routerChannel struct {
	mu      sync.Mutex
	router  *Router
	handler func(Interruption)
	closed  bool
}

func (c *routerChannel) WriteRTP(pkt *rtp.Packet) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	if previous := c.router.claim(c); previous != nil {
		previous.notify(ChannelPreempted)
	}
	c.router.forward(pkt)
	return nil
}

func (c *routerChannel) OnInterruption(handler func(Interruption)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *routerChannel) notify(kind ListenerKind) {
	c.mu.Lock()
	handler := c.handler
	closed := c.closed
	c.mu.Unlock()
	if handler != nil && !closed {
		handler(Interruption{Kind: kind})
	}
}

func (c *routerChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.router.close(c)
	return nil
}
