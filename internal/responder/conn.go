// ABOUTME: Connection to the local mDNS responder and its state machine
// ABOUTME: Handshake, typed requests, scoped release and failure detection
package responder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// ErrNotRunning is returned for requests on a connection that is not Running.
var ErrNotRunning = errors.New("responder: connection not running")

// State of a connection. Failed and Closed are terminal.
type State int32

const (
	StateConnecting State = iota
	StateRunning
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Backend is the control channel to a responder. Implementations deliver
// every event through Events and close that channel once the channel is
// unusable.
type Backend interface {
	// Connect performs the handshake. A failure's message should be the
	// responder's own diagnostic.
	Connect(ctx context.Context) (Info, error)
	Send(req Request) error
	Events() <-chan Event
	Close() error
}

// Info describes the responder on the other end.
type Info struct {
	Name    string
	Version string
}

// Conn owns the responder handle. It is created by Open and released by
// Close. Requests may be issued from any goroutine, but the event stream is
// meant for exactly one reader, the reactor.
type Conn struct {
	backend Backend
	logger  log.Logger
	info    Info

	state  atomic.Int32
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	releases  []func()
	failure   *dnssd.ConnectionError

	nextBrowse  atomic.Uint64
	nextRequest atomic.Uint64
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(l log.Logger) Option {
	return func(c *Conn) {
		c.logger = l
	}
}

// WithEventBuffer sizes the buffered event channel.
func WithEventBuffer(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.events = make(chan Event, n)
		}
	}
}

// Open connects to the responder through backend and performs the
// handshake. Handshake failure is returned as *dnssd.ConnectionError and the
// backend is released before returning.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Conn, error) {
	c := &Conn{
		backend: backend,
		logger:  log.NewNopLogger(),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.With(c.logger, "component", "responder")
	c.state.Store(int32(StateConnecting))

	info, err := backend.Connect(ctx)
	if err != nil {
		c.state.Store(int32(StateFailed))
		_ = backend.Close()
		cerr := asConnectionError(err)
		level.Error(c.logger).Log("msg", "handshake failed", "reason", cerr.Reason)
		return nil, cerr
	}

	c.info = info
	c.state.Store(int32(StateRunning))
	level.Info(c.logger).Log("msg", "connected", "responder", info.Name, "version", info.Version)

	go c.pump()
	return c, nil
}

func asConnectionError(err error) *dnssd.ConnectionError {
	var cerr *dnssd.ConnectionError
	if errors.As(err, &cerr) {
		return cerr
	}
	return &dnssd.ConnectionError{Reason: err.Error(), Err: err}
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Info returns what the responder reported during the handshake.
func (c *Conn) Info() Info {
	return c.info
}

// Events is the stream of responder events. A Disconnected event is the last
// one delivered.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Err returns the asynchronous failure, if the connection failed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		return nil
	}
	return c.failure
}

// OnRelease registers fn to run synchronously during Close, before the
// responder handle is released. Hooks run in reverse registration order.
func (c *Conn) OnRelease(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, fn)
}

// Browse starts a browse subscription.
func (c *Conn) Browse(serviceType, domain string, iface int32, proto dnssd.Protocol) (BrowseID, error) {
	if c.State() != StateRunning {
		return 0, ErrNotRunning
	}
	id := BrowseID(c.nextBrowse.Add(1))
	err := c.backend.Send(BrowseRequest{
		ID:        id,
		Type:      serviceType,
		Domain:    domain,
		Interface: iface,
		Protocol:  proto,
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// StopBrowse ends a browse subscription. It is a no-op unless Running.
func (c *Conn) StopBrowse(id BrowseID) error {
	if c.State() != StateRunning {
		return nil
	}
	return c.backend.Send(StopBrowseRequest{ID: id})
}

// Resolve issues a resolve request for key.
func (c *Conn) Resolve(key dnssd.ServiceKey) (RequestID, error) {
	if c.State() != StateRunning {
		return 0, ErrNotRunning
	}
	id := RequestID(c.nextRequest.Add(1))
	if err := c.backend.Send(ResolveRequest{ID: id, Key: key}); err != nil {
		return 0, err
	}
	return id, nil
}

// CancelResolve abandons a resolve request. It is a no-op unless Running.
func (c *Conn) CancelResolve(id RequestID) error {
	if c.State() != StateRunning {
		return nil
	}
	return c.backend.Send(CancelResolveRequest{ID: id})
}

// Close runs release hooks, moves a Running connection to Closed and
// releases the backend. Safe to call more than once and after failure.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		hooks := c.releases
		c.releases = nil
		c.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}

		c.state.CompareAndSwap(int32(StateRunning), int32(StateClosed))
		close(c.done)
		err = c.backend.Close()
		level.Debug(c.logger).Log("msg", "connection closed", "state", c.State())
	})
	return err
}

// pump forwards backend events and detects loss of the control channel.
func (c *Conn) pump() {
	src := c.backend.Events()
	for {
		select {
		case ev, ok := <-src:
			if !ok {
				if c.State() == StateRunning {
					c.forward(c.fail(Disconnected{Reason: "responder closed the control channel"}))
				}
				return
			}
			if d, isDisc := ev.(Disconnected); isDisc {
				c.forward(c.fail(d))
				return
			}
			if !c.forward(ev) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) forward(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// fail moves Running to Failed and records the reason. It returns the event
// the reactor should see.
func (c *Conn) fail(d Disconnected) Event {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateFailed)) {
		return d
	}
	c.mu.Lock()
	c.failure = &dnssd.ConnectionError{Reason: d.Reason, Err: d.Err}
	c.mu.Unlock()
	level.Error(c.logger).Log("msg", "connection failed", "reason", d.Reason)
	return d
}
