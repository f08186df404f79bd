/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package netwatch reports connectivity edges by probing a TCP endpoint.
package netwatch

import (
	"context"
	"log"
	"net"
	"sync"
	"time"
)

// Logger is the interface for package logging. Any logger that implements
// Printf (such as the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

// ProbeFunc checks connectivity once
type ProbeFunc func(ctx context.Context) error

// Config holds configuration for a Monitor
type Config struct {
	// ProbeAddr is dialed over TCP on every probe. Default: 1.1.1.1:443.
	ProbeAddr string
	// Interval between probes. Default: 2s.
	Interval time.Duration
	// Timeout for one probe. Default: 1s.
	Timeout time.Duration
	// Probe overrides the TCP probe
	Probe ProbeFunc
	// Logger for monitor operations. Default: log.Default().
	Logger Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeAddr: "1.1.1.1:443",
		Interval:  2 * time.Second,
		Timeout:   time.Second,
	}
}

// Monitor fires subscribers once per online/offline transition. It assumes
// the network is online until a probe fails.
type Monitor struct {
	mu       sync.Mutex
	config   *Config
	logger   Logger
	probe    ProbeFunc
	online   bool
	nextID   uint64
	handlers map[uint64]func(online bool)
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Monitor. A nil config uses DefaultConfig().
func New(config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.ProbeAddr == "" {
		config.ProbeAddr = def.ProbeAddr
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	m := &Monitor{
		config:   config,
		logger:   logger,
		online:   true,
		handlers: make(map[uint64]func(bool)),
	}
	m.probe = config.Probe
	if m.probe == nil {
		m.probe = m.dialProbe
	}
	return m
}

func (m *Monitor) dialProbe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.config.ProbeAddr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Subscribe registers a transition handler and returns its unsubscribe func
func (m *Monitor) Subscribe(handler func(online bool)) func() {
	if handler == nil {
		return func() {}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[id] = handler
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.handlers, id)
		})
	}
}

// Online returns the last observed state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start begins probing until ctx is done or Stop is called
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Stop ends probing and waits for the probe loop to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check probes once and notifies subscribers on a transition
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	err := m.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	var handlers []func(bool)
	if changed {
		for _, h := range m.handlers {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	if changed {
		if online {
			m.logger.Printf("NetWatch: network online")
		} else {
			m.logger.Printf("NetWatch: network offline: %v", err)
		}
		for _, h := range handlers {
			h(online)
		}
	}
	return online
}
