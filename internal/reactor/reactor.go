// ABOUTME: Single-threaded event loop driving discovery
// ABOUTME: Multiplexes responder events, posted tasks and timers
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// ErrAlreadyRun is returned when Run is called on a used reactor.
var ErrAlreadyRun = errors.New("reactor: already run")

// Source supplies responder events. *responder.Conn implements it.
type Source interface {
	Events() <-chan responder.Event
}

// Sink receives every non-fatal event, on the loop goroutine.
type Sink interface {
	HandleEvent(ev responder.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(responder.Event)

func (f SinkFunc) HandleEvent(ev responder.Event) { f(ev) }

// Reactor is a cooperative event loop. All events, posted tasks and timer
// callbacks run one at a time on the goroutine that called Run. A reactor
// runs at most once.
type Reactor struct {
	clock  clock.Clock
	logger log.Logger

	mu     sync.Mutex
	tasks  []func()
	timers map[*Timer]struct{}
	wake   chan struct{}

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Reactor) {
		r.clock = c
	}
}

// WithLogger sets the reactor logger.
func WithLogger(l log.Logger) Option {
	return func(r *Reactor) {
		r.logger = l
	}
}

// New creates an idle reactor.
func New(opts ...Option) *Reactor {
	r := &Reactor{
		clock:  clock.New(),
		logger: log.NewNopLogger(),
		timers: make(map[*Timer]struct{}),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.With(r.logger, "component", "reactor")
	return r
}

// Clock returns the clock timers are scheduled on.
func (r *Reactor) Clock() clock.Clock {
	return r.clock
}

// Run dispatches events from src to sink until Stop is called, ctx is
// cancelled, or src delivers responder.Disconnected. A clean stop returns
// nil; a disconnect returns *dnssd.ConnectionError. Pending tasks and timers
// are discarded before Run returns.
func (r *Reactor) Run(ctx context.Context, src Source, sink Sink) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer r.release()

	level.Debug(r.logger).Log("msg", "loop started")
	events := src.Events()

	for {
		if r.stopped.Load() {
			level.Debug(r.logger).Log("msg", "loop stopped")
			return nil
		}

		select {
		case <-r.stopCh:
			level.Debug(r.logger).Log("msg", "loop stopped")
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-r.wake:
			r.runTasks()

		case ev, ok := <-events:
			if !ok {
				return &dnssd.ConnectionError{Reason: "responder event stream closed"}
			}
			if r.stopped.Load() {
				continue
			}
			if d, fatal := ev.(responder.Disconnected); fatal {
				return &dnssd.ConnectionError{Reason: d.Reason, Err: d.Err}
			}
			sink.HandleEvent(ev)
		}
	}
}

// Stop asks the loop to return. It is safe from any goroutine, including
// from inside a handler running on the loop, and may be called repeatedly.
// Nothing is dispatched after Stop returns.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopCh)
	})
}

// Stopped reports whether Stop was called.
func (r *Reactor) Stopped() bool {
	return r.stopped.Load()
}

// Post queues fn to run on the loop. It reports false once the reactor is
// stopped, in which case fn never runs.
func (r *Reactor) Post(fn func()) bool {
	if r.stopped.Load() {
		return false
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Reactor) runTasks() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()

	for _, fn := range tasks {
		if r.stopped.Load() {
			return
		}
		fn()
	}
}

// Timer is a scheduled loop callback.
type Timer struct {
	r         *Reactor
	t         *clock.Timer
	cancelled atomic.Bool
	fired     atomic.Bool
}

// AfterFunc runs fn on the loop no earlier than d from now.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{r: r}
	r.mu.Lock()
	r.timers[tm] = struct{}{}
	r.mu.Unlock()

	tm.t = r.clock.AfterFunc(d, func() {
		r.Post(func() {
			r.forget(tm)
			if tm.cancelled.Load() {
				return
			}
			tm.fired.Store(true)
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It reports whether the callback was prevented.
func (t *Timer) Stop() bool {
	if t.fired.Load() || t.cancelled.Swap(true) {
		return false
	}
	t.r.forget(t)
	t.t.Stop()
	return true
}

func (r *Reactor) forget(tm *Timer) {
	r.mu.Lock()
	delete(r.timers, tm)
	r.mu.Unlock()
}

// release drops queued tasks and stops outstanding timers.
func (r *Reactor) release() {
	r.Stop()

	r.mu.Lock()
	timers := r.timers
	r.timers = make(map[*Timer]struct{})
	dropped := len(r.tasks)
	r.tasks = nil
	r.mu.Unlock()

	for tm := range timers {
		tm.cancelled.Store(true)
		tm.t.Stop()
	}
	if dropped > 0 || len(timers) > 0 {
		level.Debug(r.logger).Log("msg", "discarded pending work", "tasks", dropped, "timers", len(timers))
	}
}
