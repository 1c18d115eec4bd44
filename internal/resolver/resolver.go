// ABOUTME: Resolves tracked instances into host, address, port and TXT
// ABOUTME: Coalesces requests per key with timeouts and bounded in-flight work
package resolver

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/Resonate-Protocol/dnssd-browse/internal/reactor"
	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxInFlight = 8
)

// ErrClosed is returned by Resolve after Close.
var ErrClosed = errors.New("resolver: closed")

// Conn is the slice of the responder connection the resolver needs.
type Conn interface {
	Resolve(key dnssd.ServiceKey) (responder.RequestID, error)
	CancelResolve(id responder.RequestID) error
}

// Loop schedules work on the reactor goroutine.
type Loop interface {
	Post(fn func()) bool
	AfterFunc(d time.Duration, fn func()) *reactor.Timer
}

// Tracker answers whether a key is currently tracked by the browser.
type Tracker interface {
	Has(key dnssd.ServiceKey) bool
}

// Sink is notified once per completed resolution.
type Sink interface {
	Resolved(key dnssd.ServiceKey, svc dnssd.ResolvedService, err error)
}

// Callback receives the outcome for one requester.
type Callback func(svc dnssd.ResolvedService, err error)

type pending struct {
	key     dnssd.ServiceKey
	id      responder.RequestID
	started bool
	timer   *reactor.Timer
	waiters []Callback
}

// Resolver owns the pending map. Resolve, HandleEvent, InstanceRemoved and
// Close must run on the reactor goroutine.
type Resolver struct {
	conn    Conn
	loop    Loop
	tracker Tracker
	sink    Sink
	logger  log.Logger

	timeout     time.Duration
	maxInFlight int64
	cacheTTL    time.Duration
	cacheSize   int

	slots *semaphore.Weighted
	cache *expirable.LRU[dnssd.ServiceKey, dnssd.ResolvedService]

	pending  map[dnssd.ServiceKey]*pending
	byReq    map[responder.RequestID]*pending
	queue    []*pending
	inFlight int
	closed   bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds how long a wire request may stay unanswered.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxInFlight caps concurrent wire requests; the rest wait in order.
func WithMaxInFlight(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxInFlight = int64(n)
		}
	}
}

// WithCache keeps successful results for ttl, up to size entries.
func WithCache(ttl time.Duration, size int) Option {
	return func(r *Resolver) {
		r.cacheTTL = ttl
		r.cacheSize = size
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l log.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// New creates a resolver.
func New(conn Conn, loop Loop, tracker Tracker, sink Sink, opts ...Option) *Resolver {
	r := &Resolver{
		conn:        conn,
		loop:        loop,
		tracker:     tracker,
		sink:        sink,
		logger:      log.NewNopLogger(),
		timeout:     DefaultTimeout,
		maxInFlight: DefaultMaxInFlight,
		pending:     make(map[dnssd.ServiceKey]*pending),
		byReq:       make(map[responder.RequestID]*pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.With(r.logger, "component", "resolver")
	r.slots = semaphore.NewWeighted(r.maxInFlight)
	if r.cacheTTL > 0 && r.cacheSize > 0 {
		r.cache = expirable.NewLRU[dnssd.ServiceKey, dnssd.ResolvedService](r.cacheSize, nil, r.cacheTTL)
	}
	return r
}

// Resolve requests resolution of key. cb may be nil; the sink is notified
// regardless. Requests for a key already pending share its outcome.
func (r *Resolver) Resolve(key dnssd.ServiceKey, cb Callback) error {
	if r.closed {
		return ErrClosed
	}

	if !r.tracker.Has(key) {
		r.loop.Post(func() {
			r.deliver(key, dnssd.ResolvedService{}, dnssd.NewResolveError(key, dnssd.ResolveInstanceGone, "not tracked"), []Callback{cb})
		})
		return nil
	}

	if p, ok := r.pending[key]; ok {
		p.waiters = append(p.waiters, cb)
		level.Debug(r.logger).Log("msg", "joined pending resolve", "key", key, "waiters", len(p.waiters))
		return nil
	}

	if r.cache != nil {
		if svc, ok := r.cache.Get(key); ok {
			r.loop.Post(func() {
				if r.closed {
					return
				}
				// the key may have been removed before this turn ran
				if !r.tracker.Has(key) {
					r.deliver(key, dnssd.ResolvedService{}, dnssd.NewResolveError(key, dnssd.ResolveInstanceGone, "instance removed"), []Callback{cb})
					return
				}
				r.deliver(key, svc, nil, []Callback{cb})
			})
			return nil
		}
	}

	p := &pending{key: key, waiters: []Callback{cb}}
	r.pending[key] = p
	if r.slots.TryAcquire(1) {
		r.start(p)
	} else {
		r.queue = append(r.queue, p)
		level.Debug(r.logger).Log("msg", "resolve queued", "key", key, "queued", len(r.queue))
	}
	return nil
}

func (r *Resolver) start(p *pending) {
	id, err := r.conn.Resolve(p.key)
	if err != nil {
		r.slots.Release(1)
		level.Warn(r.logger).Log("msg", "resolve request failed", "key", p.key, "err", err)
		r.loop.Post(func() {
			if r.pending[p.key] == p {
				r.complete(p, dnssd.ResolvedService{}, dnssd.NewResolveError(p.key, dnssd.ResolveTransport, err.Error()))
			}
		})
		return
	}

	p.id = id
	p.started = true
	r.inFlight++
	r.byReq[id] = p
	p.timer = r.loop.AfterFunc(r.timeout, func() {
		r.expire(p)
	})
}

func (r *Resolver) expire(p *pending) {
	if r.pending[p.key] != p {
		return
	}
	r.cancelWire(p)
	r.complete(p, dnssd.ResolvedService{}, dnssd.NewResolveError(p.key, dnssd.ResolveTimeout, fmt.Sprintf("no answer within %s", r.timeout)))
}

// HandleEvent applies a resolve result from the responder. Results for
// requests that are no longer pending are dropped.
func (r *Resolver) HandleEvent(ev responder.Event) {
	switch ev := ev.(type) {
	case responder.ResolveFound:
		p, ok := r.byReq[ev.ID]
		if !ok {
			level.Debug(r.logger).Log("msg", "late resolve result dropped", "req", ev.ID)
			return
		}
		if r.cache != nil {
			r.cache.Add(p.key, ev.Service)
		}
		r.complete(p, ev.Service, nil)

	case responder.ResolveFailure:
		p, ok := r.byReq[ev.ID]
		if !ok {
			level.Debug(r.logger).Log("msg", "late resolve failure dropped", "req", ev.ID)
			return
		}
		r.complete(p, dnssd.ResolvedService{}, dnssd.NewResolveError(p.key, ev.Kind, ev.Reason))
	}
}

// InstanceRemoved completes any pending resolution of key with
// InstanceGone and forgets its cached result.
func (r *Resolver) InstanceRemoved(key dnssd.ServiceKey) {
	if r.cache != nil {
		r.cache.Remove(key)
	}
	p, ok := r.pending[key]
	if !ok {
		return
	}
	if p.started {
		r.cancelWire(p)
	} else {
		r.unqueue(p)
	}
	r.complete(p, dnssd.ResolvedService{}, dnssd.NewResolveError(key, dnssd.ResolveInstanceGone, "instance removed"))
}

func (r *Resolver) cancelWire(p *pending) {
	if err := r.conn.CancelResolve(p.id); err != nil {
		level.Debug(r.logger).Log("msg", "cancel resolve failed", "req", p.id, "err", err)
	}
}

func (r *Resolver) unqueue(p *pending) {
	for i, q := range r.queue {
		if q == p {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// complete retires p, frees its slot for the next queued request and
// notifies the sink and every waiter.
func (r *Resolver) complete(p *pending, svc dnssd.ResolvedService, err error) {
	delete(r.pending, p.key)
	if p.started {
		delete(r.byReq, p.id)
		if p.timer != nil {
			p.timer.Stop()
		}
		r.inFlight--
		r.slots.Release(1)
	}

	for len(r.queue) > 0 && r.slots.TryAcquire(1) {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.start(next)
	}

	if err != nil {
		level.Debug(r.logger).Log("msg", "resolve failed", "key", p.key, "err", err)
	} else {
		level.Debug(r.logger).Log("msg", "resolved", "key", p.key, "addr", svc.AddrPort())
	}
	r.deliver(p.key, svc, err, p.waiters)
}

func (r *Resolver) deliver(key dnssd.ServiceKey, svc dnssd.ResolvedService, err error, waiters []Callback) {
	r.sink.Resolved(key, svc, err)
	for _, cb := range waiters {
		if cb != nil {
			cb(svc, err)
		}
	}
}

// Close cancels every outstanding wire request and drops all pending
// entries without notifying anyone.
func (r *Resolver) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs error
	for _, p := range r.pending {
		if !p.started {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		errs = multierr.Append(errs, r.conn.CancelResolve(p.id))
	}
	dropped := len(r.pending)
	clear(r.pending)
	clear(r.byReq)
	r.queue = nil
	r.inFlight = 0
	if r.cache != nil {
		r.cache.Purge()
	}
	if dropped > 0 {
		level.Debug(r.logger).Log("msg", "dropped pending resolutions", "count", dropped)
	}
	return errs
}

// Pending is the number of keys awaiting a result, queued or in flight.
func (r *Resolver) Pending() int {
	return len(r.pending)
}

// InFlight is the number of wire requests outstanding.
func (r *Resolver) InFlight() int {
	return r.inFlight
}

// Queued is the number of requests waiting for a free slot.
func (r *Resolver) Queued() int {
	return len(r.queue)
}
