/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the call screen's process configuration
type Config struct {
	// ListenAddr is where the handshake websocket is served
	ListenAddr string `env:"PEERCALL_LISTEN_ADDR" envDefault:"127.0.0.1:8089"`
	// ICEServers are STUN/TURN URLs for the media session
	ICEServers []string `env:"PEERCALL_ICE_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	// AudioSinkAddr receives the RTP of the audio channel owner. Empty
	// discards it.
	AudioSinkAddr string `env:"PEERCALL_AUDIO_SINK_ADDR"`

	InitShield     time.Duration `env:"PEERCALL_INIT_SHIELD" envDefault:"5s"`
	FeedbackShield time.Duration `env:"PEERCALL_FEEDBACK_SHIELD" envDefault:"10s"`
	PingInterval   time.Duration `env:"PEERCALL_PING_INTERVAL" envDefault:"20ms"`
	ReadyTimeout   time.Duration `env:"PEERCALL_READY_TIMEOUT" envDefault:"5s"`

	// SigningKey enables HS256 signing of handshake envelopes
	SigningKey string `env:"PEERCALL_SIGNING_KEY"`

	ProbeAddr     string        `env:"PEERCALL_PROBE_ADDR" envDefault:"1.1.1.1:443"`
	ProbeInterval time.Duration `env:"PEERCALL_PROBE_INTERVAL" envDefault:"2s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// New parses environment variables into any config struct
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads the file named by ENV_FILE (default .env) into the
// environment. A missing default file is not an error.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return godotenv.Load(envfile)
}

// Load reads the .env file then the environment into a Config
func Load() (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := New[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ReadyTimeout <= 0 || cfg.PingInterval <= 0 {
		return nil, errors.New("ping interval and ready timeout must be positive")
	}
	return cfg, nil
}
