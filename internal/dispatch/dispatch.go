// ABOUTME: Routes browser and resolver events to the user handler
// ABOUTME: Runs inline on the reactor goroutine and drops events after stop
package dispatch

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// Dispatcher delivers events to a dnssd.Handler. Handlers run synchronously
// on the loop and must not block.
type Dispatcher struct {
	handler dnssd.Handler
	status  dnssd.BrowseStatusHandler
	stopped func() bool
	logger  log.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l log.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithStopped installs a predicate checked before every delivery. Once it
// reports true nothing more reaches the handler.
func WithStopped(fn func() bool) Option {
	return func(d *Dispatcher) {
		d.stopped = fn
	}
}

// New creates a dispatcher for h. A nil h discards everything. If h also
// implements dnssd.BrowseStatusHandler it receives browse status events.
func New(h dnssd.Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler: h,
		stopped: func() bool { return false },
		logger:  log.NewNopLogger(),
	}
	if sh, ok := h.(dnssd.BrowseStatusHandler); ok {
		d.status = sh
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.With(d.logger, "component", "dispatch")
	return d
}

func (d *Dispatcher) live() bool {
	return d.handler != nil && !d.stopped()
}

// InstanceAdded delivers OnServiceDiscovered.
func (d *Dispatcher) InstanceAdded(key dnssd.ServiceKey, svc dnssd.BrowsedService) {
	if !d.live() {
		return
	}
	d.handler.OnServiceDiscovered(key, svc)
}

// InstanceRemoved delivers OnServiceRemoved.
func (d *Dispatcher) InstanceRemoved(key dnssd.ServiceKey) {
	if !d.live() {
		return
	}
	d.handler.OnServiceRemoved(key)
}

// Resolved delivers OnServiceResolved.
func (d *Dispatcher) Resolved(key dnssd.ServiceKey, svc dnssd.ResolvedService, err error) {
	if !d.live() {
		return
	}
	d.handler.OnServiceResolved(key, svc, err)
}

// BrowseStatus delivers OnBrowseStatus when the handler supports it.
func (d *Dispatcher) BrowseStatus(s dnssd.BrowseStatus) {
	if s.Kind == dnssd.StatusFailed {
		level.Warn(d.logger).Log("msg", "browse failed", "type", s.ServiceType, "err", s.Err)
	}
	if d.status == nil || !d.live() {
		return
	}
	d.status.OnBrowseStatus(s)
}
