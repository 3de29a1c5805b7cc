package session

import (
	"strings"
	"time"

	"github.com/danmuck/torctl/internal/protocol/frame"
)

// BackoffConfig defines retry delay behavior for dial polling.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// EventRouting selects which listeners receive a parsed event.
type EventRouting string

const (
	// RouteBroadcast delivers every event to every listener.
	RouteBroadcast EventRouting = "broadcast"
	// RouteByCategory delivers an event only to listeners of its category.
	RouteByCategory EventRouting = "category"
)

// Config defines controller timing and parsing behavior.
type Config struct {
	Poll           BackoffConfig
	DialTimeout    time.Duration
	StartTimeout   time.Duration
	CommandTimeout time.Duration
	WriteTimeout   time.Duration
	// SilentTimeouts drops timed-out commands without invoking their
	// completion instead of completing them with ErrCommandTimeout.
	SilentTimeouts bool
	EventRouting   EventRouting
	ReadBufferSize int
	Limits         frame.Limits
}

// DefaultConfig returns the controller defaults: a fixed 100ms probe period,
// 60s start and command timeouts, broadcast event delivery.
func DefaultConfig() Config {
	return Config{
		Poll: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   1.0,
			MaxDelay:     100 * time.Millisecond,
			Jitter:       false,
		},
		DialTimeout:    time.Second,
		StartTimeout:   60 * time.Second,
		CommandTimeout: 60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SilentTimeouts: false,
		EventRouting:   RouteBroadcast,
		ReadBufferSize: 4096,
		Limits:         frame.DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Poll.InitialDelay <= 0 {
		c.Poll = def.Poll
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	switch EventRouting(strings.ToLower(strings.TrimSpace(string(c.EventRouting)))) {
	case RouteByCategory:
		c.EventRouting = RouteByCategory
	default:
		c.EventRouting = RouteBroadcast
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.Limits.MaxLineBytes <= 0 {
		c.Limits.MaxLineBytes = def.Limits.MaxLineBytes
	}
	if c.Limits.MaxBlockBytes <= 0 {
		c.Limits.MaxBlockBytes = def.Limits.MaxBlockBytes
	}
	return c
}
