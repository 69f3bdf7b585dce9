package node

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/cnode/internal/auth"
	"github.com/danmuck/cnode/internal/discovery"
	"github.com/danmuck/cnode/internal/protocol/frame"
	"github.com/danmuck/cnode/internal/protocol/handshake"
)

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config is everything an Endpoint needs. Registry and Resolver are
// optional; without a Registry, Publish is a no-op.
type Config struct {
	Name     string
	Cookie   auth.Cookie
	Creation uint32
	BindAddr string

	HandshakeTimeout time.Duration
	AcceptTimeout    time.Duration
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	PollTimeout      time.Duration

	// TickInterval is how long a session may stay silent before it answers
	// a peer's tick.
	TickInterval time.Duration

	MaxFrameBytes      uint32
	MaxConnectAttempts int
	Backoff            BackoffConfig
	Flags              handshake.Flags

	Registry discovery.Registry
	Resolver discovery.Resolver
}

func DefaultConfig() Config {
	return Config{
		BindAddr:           "127.0.0.1:0",
		Creation:           1,
		HandshakeTimeout:   5 * time.Second,
		AcceptTimeout:      30 * time.Second,
		ConnectTimeout:     5 * time.Second,
		WriteTimeout:       10 * time.Second,
		PollTimeout:        time.Second,
		TickInterval:       15 * time.Second,
		MaxFrameBytes:      frame.DefaultOptions().MaxPayload,
		MaxConnectAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Flags: handshake.DefaultFlags,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Name = strings.TrimSpace(c.Name)
	if strings.TrimSpace(c.BindAddr) == "" {
		c.BindAddr = d.BindAddr
	}
	if c.Creation == 0 {
		c.Creation = d.Creation
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.AcceptTimeout < 0 {
		c.AcceptTimeout = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Flags == 0 {
		c.Flags = d.Flags
	}
	return c
}

func (c Config) Validate() error {
	if err := handshake.ValidateNodeName(c.Name); err != nil {
		return err
	}
	if err := c.Cookie.Validate(); err != nil {
		return err
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("node: max_connect_attempts must be >= 0, got %d", c.MaxConnectAttempts)
	}
	return nil
}

func (c Config) frameOptions() frame.Options {
	return frame.Options{HeaderLen: frame.HeaderLen, MaxPayload: c.MaxFrameBytes}
}

func (c Config) handshakeConfig() handshake.Config {
	return handshake.Config{
		Name:     c.Name,
		Cookie:   c.Cookie,
		Creation: c.Creation,
		Flags:    c.Flags,
		Timeout:  c.HandshakeTimeout,
		Frame:    c.frameOptions(),
	}
}
