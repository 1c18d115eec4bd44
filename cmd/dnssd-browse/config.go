// ABOUTME: Command line and environment configuration
// ABOUTME: Flags override DNSSD_* variables; maps onto discover options
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-kit/log/level"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/discover"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// errUsage marks command line problems; main exits 2 for them.
var errUsage = errors.New("usage")

type browseConfig struct {
	ServiceType    string
	Domain         string
	Backend        string
	Resolve        bool
	ResolveTimeout time.Duration
	MaxInFlight    int
	CacheTTL       time.Duration
	CacheSize      int
	Interface      string
	Protocol       string
	QueryInterval  time.Duration
	Listen         string
	TUI            bool
	LogLevel       string
	LogFile        string
	Version        bool
}

// LoadConfig parses args on top of DNSSD_* environment defaults. Flags win
// over the environment.
func LoadConfig(args []string, output io.Writer) (*browseConfig, error) {
	def := discover.DefaultConfig()
	cfg := &browseConfig{
		Backend:        def.Backend,
		ResolveTimeout: def.ResolveTimeout,
		MaxInFlight:    def.MaxInFlight,
		Protocol:       "any",
		QueryInterval:  def.QueryInterval,
		LogLevel:       "info",
		LogFile:        "dnssd-browse.log",
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}

	fs := flag.NewFlagSet("dnssd-browse", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: dnssd-browse [flags] <service-type>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Browse domain (default: responder's default, usually local)")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Responder backend: auto, avahi or multicast")
	fs.BoolVar(&cfg.Resolve, "resolve", cfg.Resolve, "Resolve every discovered instance")
	fs.DurationVar(&cfg.ResolveTimeout, "resolve-timeout", cfg.ResolveTimeout, "Per-request resolve timeout")
	fs.IntVar(&cfg.MaxInFlight, "max-inflight", cfg.MaxInFlight, "Concurrent resolve requests")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Resolve cache lifetime (0 disables)")
	fs.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "Resolve cache entries (0 disables)")
	fs.StringVar(&cfg.Interface, "interface", cfg.Interface, "Restrict to one network interface by name")
	fs.StringVar(&cfg.Protocol, "protocol", cfg.Protocol, "Address family: any, ipv4 or ipv6")
	fs.DurationVar(&cfg.QueryInterval, "query-interval", cfg.QueryInterval, "Multicast backend query interval")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Serve /events and /metrics on this address")
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "Show the interactive terminal view")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Log file used while the TUI owns the terminal")
	fs.BoolVar(&cfg.Version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if cfg.Version {
		return cfg, nil
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return nil, fmt.Errorf("%w: expected exactly one service type", errUsage)
	}
	cfg.ServiceType = fs.Arg(0)

	if _, err := cfg.protocol(); err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if _, err := levelFilter(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	return cfg, nil
}

func (c *browseConfig) loadEnv() error {
	if v := os.Getenv("DNSSD_DOMAIN"); v != "" {
		c.Domain = v
	}
	if v := os.Getenv("DNSSD_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("DNSSD_INTERFACE"); v != "" {
		c.Interface = v
	}
	if v := os.Getenv("DNSSD_PROTOCOL"); v != "" {
		c.Protocol = v
	}
	if v := os.Getenv("DNSSD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("DNSSD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DNSSD_RESOLVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DNSSD_RESOLVE: %w", err)
		}
		c.Resolve = b
	}
	if v := os.Getenv("DNSSD_RESOLVE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid DNSSD_RESOLVE_TIMEOUT: %w", err)
		}
		c.ResolveTimeout = d
	}
	if v := os.Getenv("DNSSD_QUERY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid DNSSD_QUERY_INTERVAL: %w", err)
		}
		c.QueryInterval = d
	}
	return nil
}

func levelFilter(name string) (level.Option, error) {
	switch name {
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("invalid log level %q", name)
	}
}

func (c *browseConfig) protocol() (dnssd.Protocol, error) {
	switch c.Protocol {
	case "", "any":
		return dnssd.ProtocolUnspec, nil
	case "ipv4", "4":
		return dnssd.ProtocolIPv4, nil
	case "ipv6", "6":
		return dnssd.ProtocolIPv6, nil
	default:
		return 0, fmt.Errorf("invalid protocol %q", c.Protocol)
	}
}

// interfaceIndex maps the -interface name to its index.
func (c *browseConfig) interfaceIndex() (int32, error) {
	if c.Interface == "" {
		return dnssd.InterfaceUnspec, nil
	}
	if n, err := strconv.Atoi(c.Interface); err == nil {
		return int32(n), nil
	}
	iface, err := net.InterfaceByName(c.Interface)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown interface %q", errUsage, c.Interface)
	}
	return int32(iface.Index), nil
}

// options turns the command line into manager options.
func (c *browseConfig) options() ([]discover.Option, error) {
	iface, err := c.interfaceIndex()
	if err != nil {
		return nil, err
	}
	proto, _ := c.protocol()
	return []discover.Option{
		discover.WithBackend(c.Backend),
		discover.WithAutoResolve(c.Resolve),
		discover.WithResolveTimeout(c.ResolveTimeout),
		discover.WithMaxInFlight(c.MaxInFlight),
		discover.WithCache(c.CacheTTL, c.CacheSize),
		discover.WithInterface(iface, proto),
		discover.WithQueryInterval(c.QueryInterval),
	}, nil
}
