/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsession

import (
	"sync"
	"time"
)

// Countdown measures connected time
type Countdown struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	stopped time.Time
}

// NewCountdown creates a Countdown. A nil now uses time.Now.
func NewCountdown(now func() time.Time) *Countdown {
	if now == nil {
		now = time.Now
	}
	return &Countdown{now: now}
}

// Start begins measuring. Later calls are ignored.
func (c *Countdown) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		c.started = c.now()
	}
}

// Stop freezes the elapsed time. Later calls are ignored.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started.IsZero() && c.stopped.IsZero() {
		c.stopped = c.now()
	}
}

// Started reports whether Start was called
func (c *Countdown) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.started.IsZero()
}

// Elapsed returns the measured time, 0 if never started
func (c *Countdown) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		return 0
	}
	end := c.stopped
	if end.IsZero() {
		end = c.now()
	}
	return end.Sub(c.started)
}
