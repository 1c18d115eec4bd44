// ABOUTME: Configuration and functional options for the discovery manager
// ABOUTME: Defaults, validation and responder backend selection
package discover

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// Responder backends.
const (
	BackendAuto      = "auto"
	BackendAvahi     = "avahi"
	BackendMulticast = "multicast"
)

// Config holds manager configuration.
type Config struct {
	// Backend selects the responder: "avahi" talks to avahi-daemon over
	// D-Bus, "multicast" queries the segment in-process, "auto" tries avahi
	// first and falls back to multicast.
	Backend string

	// ResolveTimeout bounds each resolution request (default: 5s).
	ResolveTimeout time.Duration

	// MaxInFlight caps concurrent resolution requests (default: 8).
	MaxInFlight int

	// CacheTTL and CacheSize enable a resolve result cache. Both zero
	// (the default) disables it.
	CacheTTL  time.Duration
	CacheSize int

	// AutoResolve resolves every newly discovered instance.
	AutoResolve bool

	// Interface and Protocol restrict browsing. InterfaceUnspec and
	// ProtocolUnspec mean all.
	Interface int32
	Protocol  dnssd.Protocol

	// QueryInterval is how often the multicast backend re-queries
	// (default: 10s).
	QueryInterval time.Duration

	// EventBuffer sizes the responder event queue (default: 64).
	EventBuffer int

	Logger log.Logger
	Clock  clock.Clock

	factory backendFactory
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		ResolveTimeout: 5 * time.Second,
		MaxInFlight:    8,
		Interface:      dnssd.InterfaceUnspec,
		Protocol:       dnssd.ProtocolUnspec,
		QueryInterval:  10 * time.Second,
		EventBuffer:    64,
		Logger:         log.NewNopLogger(),
		Clock:          clock.New(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendAuto, BackendAvahi, BackendMulticast:
	default:
		return fmt.Errorf("discover: unknown backend %q", c.Backend)
	}
	if c.ResolveTimeout <= 0 {
		return errors.New("discover: resolve timeout must be positive")
	}
	if c.MaxInFlight < 1 {
		return errors.New("discover: max in-flight must be at least 1")
	}
	if c.CacheTTL < 0 || c.CacheSize < 0 {
		return errors.New("discover: cache settings must not be negative")
	}
	if (c.CacheTTL > 0) != (c.CacheSize > 0) {
		return errors.New("discover: cache needs both a TTL and a size")
	}
	if c.QueryInterval <= 0 {
		return errors.New("discover: query interval must be positive")
	}
	switch c.Protocol {
	case dnssd.ProtocolUnspec, dnssd.ProtocolIPv4, dnssd.ProtocolIPv6:
	default:
		return fmt.Errorf("discover: unknown protocol %d", c.Protocol)
	}
	if c.Logger == nil {
		return errors.New("discover: logger is nil")
	}
	if c.Clock == nil {
		return errors.New("discover: clock is nil")
	}
	return nil
}

// Option modifies the configuration.
type Option func(*Config)

// WithBackend selects the responder backend.
func WithBackend(name string) Option {
	return func(c *Config) {
		c.Backend = name
	}
}

// WithResolveTimeout sets the per-request resolve timeout.
func WithResolveTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ResolveTimeout = d
	}
}

// WithMaxInFlight caps concurrent resolution requests.
func WithMaxInFlight(n int) Option {
	return func(c *Config) {
		c.MaxInFlight = n
	}
}

// WithCache enables the resolve result cache.
func WithCache(ttl time.Duration, size int) Option {
	return func(c *Config) {
		c.CacheTTL = ttl
		c.CacheSize = size
	}
}

// WithAutoResolve resolves every discovered instance.
func WithAutoResolve(on bool) Option {
	return func(c *Config) {
		c.AutoResolve = on
	}
}

// WithInterface restricts browsing to one interface and protocol.
func WithInterface(iface int32, proto dnssd.Protocol) Option {
	return func(c *Config) {
		c.Interface = iface
		c.Protocol = proto
	}
}

// WithQueryInterval sets the multicast re-query interval.
func WithQueryInterval(d time.Duration) Option {
	return func(c *Config) {
		c.QueryInterval = d
	}
}

// WithEventBuffer sizes the responder event queue.
func WithEventBuffer(n int) Option {
	return func(c *Config) {
		c.EventBuffer = n
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}
