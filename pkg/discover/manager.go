// ABOUTME: Discovery manager wiring connection, reactor, browser and resolver
// ABOUTME: Runs one discovery session and guarantees ordered teardown
package discover

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/multierr"

	"github.com/Resonate-Protocol/dnssd-browse/internal/browser"
	"github.com/Resonate-Protocol/dnssd-browse/internal/dispatch"
	"github.com/Resonate-Protocol/dnssd-browse/internal/reactor"
	"github.com/Resonate-Protocol/dnssd-browse/internal/resolver"
	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/internal/responder/avahi"
	"github.com/Resonate-Protocol/dnssd-browse/internal/responder/multicast"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// ErrAlreadyStarted is returned when Discover is called twice.
var ErrAlreadyStarted = errors.New("discover: manager already started")

type backendFactory func(name string, cfg Config) responder.Backend

func newBackend(name string, cfg Config) responder.Backend {
	if name == BackendAvahi {
		return avahi.New(avahi.WithLogger(cfg.Logger))
	}
	return multicast.New(
		multicast.WithLogger(cfg.Logger),
		multicast.WithClock(cfg.Clock),
		multicast.WithQueryInterval(cfg.QueryInterval),
	)
}

// Manager runs a single discovery session. Handler callbacks run on the
// manager's loop goroutine and must not block.
type Manager struct {
	cfg     Config
	handler dnssd.Handler
	logger  log.Logger
	loop    *reactor.Reactor
	started atomic.Bool

	// set before the loop runs, then only touched on it
	session *session
}

// New creates a manager reporting to handler.
func New(handler dnssd.Handler, opts ...Option) (*Manager, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.factory == nil {
		cfg.factory = newBackend
	}

	return &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
		loop:    reactor.New(reactor.WithClock(cfg.Clock), reactor.WithLogger(cfg.Logger)),
	}, nil
}

// Discover browses serviceType in domain ("" for the default domain) and
// blocks until Stop is called, ctx is done, or the responder connection
// fails. It returns nil after Stop, ctx.Err() after cancellation,
// *dnssd.ConnectionError when the responder is unreachable or goes away and
// *dnssd.BrowseError when the browse is rejected. The subscription, pending
// resolutions and connection are released in that order on every path.
func (m *Manager) Discover(ctx context.Context, serviceType, domain string) (err error) {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if verr := dnssd.ValidateServiceType(serviceType); verr != nil {
		return &dnssd.BrowseError{ServiceType: serviceType, Domain: domain, Reason: "malformed service type", Err: verr}
	}

	conn, err := m.open(ctx)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(conn))

	s := &session{autoResolve: m.cfg.AutoResolve, stopped: m.loop.Stopped, logger: m.logger}
	s.dispatch = dispatch.New(m.handler,
		dispatch.WithLogger(m.logger),
		dispatch.WithStopped(m.loop.Stopped),
	)
	s.browser = browser.New(conn, s,
		browser.WithClock(m.cfg.Clock),
		browser.WithLogger(m.logger),
		browser.WithInterface(m.cfg.Interface, m.cfg.Protocol),
		browser.WithOnDrop(func(k dnssd.ServiceKey) { s.resolver.InstanceRemoved(k) }),
	)
	s.resolver = resolver.New(conn, m.loop, s.browser, s.dispatch,
		resolver.WithTimeout(m.cfg.ResolveTimeout),
		resolver.WithMaxInFlight(m.cfg.MaxInFlight),
		resolver.WithCache(m.cfg.CacheTTL, m.cfg.CacheSize),
		resolver.WithLogger(m.logger),
	)

	// hooks run last-registered first
	conn.OnRelease(func() {
		if cerr := s.resolver.Close(); cerr != nil {
			level.Debug(m.logger).Log("msg", "resolver teardown", "err", cerr)
		}
	})
	conn.OnRelease(s.browser.Close)

	if _, err := s.browser.Subscribe(serviceType, domain); err != nil {
		return err
	}
	m.session = s

	level.Info(m.logger).Log("msg", "discovering", "type", serviceType, "domain", domain, "responder", conn.Info().Name)
	return m.loop.Run(ctx, conn, s)
}

// open connects to the configured responder. "auto" falls back from avahi
// to multicast.
func (m *Manager) open(ctx context.Context) (*responder.Conn, error) {
	names := []string{m.cfg.Backend}
	if m.cfg.Backend == BackendAuto {
		names = []string{BackendAvahi, BackendMulticast}
	}

	var (
		errs    error
		reasons []string
	)
	for _, name := range names {
		conn, err := responder.Open(ctx, m.cfg.factory(name, m.cfg),
			responder.WithLogger(log.With(m.logger, "backend", name)),
			responder.WithEventBuffer(m.cfg.EventBuffer),
		)
		if err == nil {
			return conn, nil
		}
		if len(names) == 1 {
			return nil, err
		}
		level.Warn(m.logger).Log("msg", "responder unavailable", "backend", name, "err", err)
		errs = multierr.Append(errs, err)
		reasons = append(reasons, name+": "+reasonOf(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &dnssd.ConnectionError{Reason: strings.Join(reasons, "; "), Err: errs}
}

func reasonOf(err error) string {
	var cerr *dnssd.ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Reason
	}
	return err.Error()
}

// Stop ends Discover. Safe from any goroutine, including handlers, and
// idempotent. No handler runs after Stop returns.
func (m *Manager) Stop() {
	m.loop.Stop()
}

// Resolve requests resolution of key. The outcome is delivered to the
// handler's OnServiceResolved and, when fn is non-nil, to fn on the loop
// goroutine. It reports false if the manager already stopped. Requests made
// before Discover starts are served once it does.
func (m *Manager) Resolve(key dnssd.ServiceKey, fn func(dnssd.ResolvedService, error)) bool {
	return m.loop.Post(func() {
		s := m.session
		if s == nil {
			return
		}
		if err := s.resolver.Resolve(key, fn); err != nil {
			level.Debug(m.logger).Log("msg", "resolve rejected", "key", key, "err", err)
		}
	})
}

// session routes loop events between the browser, resolver and dispatcher.
type session struct {
	browser     *browser.Browser
	resolver    *resolver.Resolver
	dispatch    *dispatch.Dispatcher
	autoResolve bool
	stopped     func() bool
	logger      log.Logger
}

func (s *session) HandleEvent(ev responder.Event) {
	switch ev := ev.(type) {
	case responder.BrowseEvent:
		s.browser.HandleEvent(ev)
	case responder.ResolveFound, responder.ResolveFailure:
		s.resolver.HandleEvent(ev)
	default:
		level.Debug(s.logger).Log("msg", "unhandled event", "event", ev)
	}
}

func (s *session) InstanceAdded(key dnssd.ServiceKey, svc dnssd.BrowsedService) {
	s.dispatch.InstanceAdded(key, svc)
	if s.autoResolve && !s.stopped() {
		if err := s.resolver.Resolve(key, nil); err != nil {
			level.Debug(s.logger).Log("msg", "auto resolve rejected", "key", key, "err", err)
		}
	}
}

// InstanceRemoved reports the removal before any InstanceGone it causes.
func (s *session) InstanceRemoved(key dnssd.ServiceKey) {
	s.dispatch.InstanceRemoved(key)
	s.resolver.InstanceRemoved(key)
}

func (s *session) BrowseStatus(status dnssd.BrowseStatus) {
	s.dispatch.BrowseStatus(status)
}
