// ABOUTME: In-process responder backend querying the segment over mDNS
// ABOUTME: Periodic query rounds are diffed into browse add/remove events
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/mdns"

	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

const (
	DefaultQueryInterval = 10 * time.Second
	DefaultQueryTimeout  = time.Second
	DefaultMissThreshold = 2
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("multicast: backend closed")

// Backend browses by issuing mDNS queries itself. It is used when no
// responder daemon is available.
type Backend struct {
	logger        log.Logger
	clock         clock.Clock
	interval      time.Duration
	queryTimeout  time.Duration
	missThreshold int

	query      func(*mdns.QueryParam) error
	interfaces func() ([]net.Interface, error)

	events chan responder.Event

	mu       sync.Mutex
	browses  map[responder.BrowseID]*browse
	resolves map[responder.RequestID]context.CancelFunc

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type browse struct {
	req    responder.BrowseRequest
	domain string
	cancel context.CancelFunc

	mu      sync.Mutex
	seen    map[string]*sighting
	settled bool
}

type sighting struct {
	entry  *mdns.ServiceEntry
	misses int
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(l log.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithClock sets the clock driving query rounds.
func WithClock(c clock.Clock) Option {
	return func(b *Backend) {
		b.clock = c
	}
}

// WithQueryInterval sets the pause between query rounds.
func WithQueryInterval(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithQueryTimeout sets how long each round listens for answers. Close does
// not wait for a round in progress.
func WithQueryTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.queryTimeout = d
		}
	}
}

// WithMissThreshold sets how many consecutive silent rounds remove an
// instance.
func WithMissThreshold(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.missThreshold = n
		}
	}
}

// New returns an unconnected backend.
func New(opts ...Option) *Backend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		logger:        log.NewNopLogger(),
		clock:         clock.New(),
		interval:      DefaultQueryInterval,
		queryTimeout:  DefaultQueryTimeout,
		missThreshold: DefaultMissThreshold,
		query:         mdns.Query,
		interfaces:    net.Interfaces,
		events:        make(chan responder.Event, 256),
		browses:       make(map[responder.BrowseID]*browse),
		resolves:      make(map[responder.RequestID]context.CancelFunc),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = log.With(b.logger, "backend", "multicast")
	return b
}

// Connect checks that at least one interface can carry multicast.
func (b *Backend) Connect(ctx context.Context) (responder.Info, error) {
	if err := ctx.Err(); err != nil {
		return responder.Info{}, err
	}
	ifaces, err := multicastInterfaces(b.interfaces)
	if err != nil {
		return responder.Info{}, &dnssd.ConnectionError{Reason: err.Error(), Err: err}
	}
	if len(ifaces) == 0 {
		return responder.Info{}, &dnssd.ConnectionError{Reason: "no multicast-capable network interface is up"}
	}
	names := make([]string, 0, len(ifaces))
	for _, i := range ifaces {
		names = append(names, i.Name)
	}
	level.Debug(b.logger).Log("msg", "interfaces", "names", strings.Join(names, ","))
	return responder.Info{Name: "multicast", Version: "mdns"}, nil
}

// multicastInterfaces lists interfaces that are up, not loopback and
// multicast capable.
func multicastInterfaces(list func() ([]net.Interface, error)) ([]net.Interface, error) {
	all, err := list()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}

func (b *Backend) Events() <-chan responder.Event {
	return b.events
}

func (b *Backend) Send(req responder.Request) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	switch req := req.(type) {
	case responder.BrowseRequest:
		b.startBrowse(req)
	case responder.StopBrowseRequest:
		b.mu.Lock()
		br, ok := b.browses[req.ID]
		delete(b.browses, req.ID)
		b.mu.Unlock()
		if ok {
			br.cancel()
		}
	case responder.ResolveRequest:
		b.startResolve(req)
	case responder.CancelResolveRequest:
		b.mu.Lock()
		cancel, ok := b.resolves[req.ID]
		delete(b.resolves, req.ID)
		b.mu.Unlock()
		if ok {
			cancel()
		}
	default:
		return fmt.Errorf("multicast: unsupported request %T", req)
	}
	return nil
}

// Close stops every query loop and closes the event stream.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		close(b.events)
	})
	return nil
}

func (b *Backend) emit(ctx context.Context, ev responder.Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Backend) startBrowse(req responder.BrowseRequest) {
	ctx, cancel := context.WithCancel(b.ctx)
	domain := req.Domain
	if domain == dnssd.WildcardDomain {
		domain = dnssd.DefaultDomain
	}
	br := &browse{req: req, domain: domain, cancel: cancel, seen: make(map[string]*sighting)}

	b.mu.Lock()
	b.browses[req.ID] = br
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.browseLoop(ctx, br)
	}()
}

func (b *Backend) browseLoop(ctx context.Context, br *browse) {
	for {
		found, err := b.queryOnce(ctx, br.req.Type, br.domain, br.req.Interface, br.req.Protocol)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			level.Warn(b.logger).Log("msg", "query failed", "type", br.req.Type, "err", err)
			b.emit(ctx, responder.BrowseFailure{ID: br.req.ID, Reason: err.Error()})
			return
		}
		for _, ev := range br.apply(found, b.missThreshold) {
			if !b.emit(ctx, ev) {
				return
			}
		}

		t := b.clock.Timer(b.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// queryOnce runs one mDNS query round and returns complete entries keyed
// by instance name.
func (b *Backend) queryOnce(ctx context.Context, service, domain string, iface int32, proto dnssd.Protocol) (map[string]*mdns.ServiceEntry, error) {
	params := &mdns.QueryParam{
		Service:     service,
		Domain:      domain,
		Timeout:     b.queryTimeout,
		DisableIPv4: proto == dnssd.ProtocolIPv6,
		DisableIPv6: proto == dnssd.ProtocolIPv4,
	}
	if iface > 0 {
		ni, err := net.InterfaceByIndex(int(iface))
		if err != nil {
			return nil, err
		}
		params.Interface = ni
	}

	entries := make(chan *mdns.ServiceEntry, 64)
	params.Entries = entries
	found := make(map[string]*mdns.ServiceEntry)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for e := range entries {
			name, ok := instanceName(e.Name, service, domain)
			if !ok {
				continue
			}
			found[name] = e
		}
	}()

	// mdns.Query has no cancellation; a cancelled round is abandoned and
	// its goroutine exits once the query timeout elapses.
	queried := make(chan error, 1)
	go func() {
		err := b.query(params)
		close(entries)
		queried <- err
	}()

	select {
	case err := <-queried:
		<-collected
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return found, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// apply diffs one round against what was seen before. The first round ends
// with AllForNow.
func (br *browse) apply(found map[string]*mdns.ServiceEntry, missThreshold int) []responder.Event {
	br.mu.Lock()
	defer br.mu.Unlock()

	var evs []responder.Event
	for name, e := range found {
		if s, ok := br.seen[name]; ok {
			s.entry = e
			s.misses = 0
			continue
		}
		br.seen[name] = &sighting{entry: e}
		evs = append(evs, responder.ItemNew{
			ID:        br.req.ID,
			Interface: br.req.Interface,
			Protocol:  br.req.Protocol,
			Name:      name,
			Type:      br.req.Type,
			Domain:    br.domain,
			Flags:     dnssd.FlagMulticast,
		})
	}
	for name, s := range br.seen {
		if _, ok := found[name]; ok {
			continue
		}
		s.misses++
		if s.misses < missThreshold {
			continue
		}
		delete(br.seen, name)
		evs = append(evs, responder.ItemRemove{
			ID:        br.req.ID,
			Interface: br.req.Interface,
			Protocol:  br.req.Protocol,
			Name:      name,
			Type:      br.req.Type,
			Domain:    br.domain,
			Flags:     dnssd.FlagMulticast,
		})
	}
	if !br.settled {
		br.settled = true
		evs = append(evs, responder.AllForNow{ID: br.req.ID})
	}
	return evs
}

func (br *browse) lookup(key dnssd.ServiceKey) (*mdns.ServiceEntry, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.req.Type != key.Type || br.domain != key.Domain {
		return nil, false
	}
	s, ok := br.seen[key.Name]
	if !ok {
		return nil, false
	}
	return s.entry, true
}

func (b *Backend) startResolve(req responder.ResolveRequest) {
	ctx, cancel := context.WithCancel(b.ctx)
	b.mu.Lock()
	b.resolves[req.ID] = cancel
	var cached *mdns.ServiceEntry
	for _, br := range b.browses {
		if e, ok := br.lookup(req.Key); ok {
			cached = e
			break
		}
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.forgetResolve(req.ID)
		b.emit(ctx, b.resolve(ctx, req, cached))
	}()
}

func (b *Backend) forgetResolve(id responder.RequestID) {
	b.mu.Lock()
	cancel, ok := b.resolves[id]
	delete(b.resolves, id)
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

func (b *Backend) resolve(ctx context.Context, req responder.ResolveRequest, entry *mdns.ServiceEntry) responder.Event {
	if entry == nil {
		found, err := b.queryOnce(ctx, req.Key.Type, req.Key.Domain, req.Key.Interface, req.Key.Protocol)
		if err != nil {
			return responder.ResolveFailure{ID: req.ID, Kind: dnssd.ResolveTransport, Reason: err.Error()}
		}
		entry = found[req.Key.Name]
	}
	if entry == nil {
		return responder.ResolveFailure{ID: req.ID, Kind: dnssd.ResolveNotFound, Reason: "no answer for " + req.Key.Name}
	}
	svc, err := toResolved(req.Key, entry)
	if err != nil {
		return responder.ResolveFailure{ID: req.ID, Kind: dnssd.ResolveNotFound, Reason: err.Error()}
	}
	return responder.ResolveFound{ID: req.ID, Service: svc}
}

func toResolved(key dnssd.ServiceKey, e *mdns.ServiceEntry) (dnssd.ResolvedService, error) {
	var addr netip.Addr
	switch {
	case key.Protocol != dnssd.ProtocolIPv6 && e.AddrV4 != nil:
		addr, _ = netip.AddrFromSlice(e.AddrV4.To4())
	case e.AddrV6 != nil:
		addr, _ = netip.AddrFromSlice(e.AddrV6.To16())
	}
	if !addr.IsValid() {
		return dnssd.ResolvedService{}, fmt.Errorf("no usable address for %s", key.Name)
	}
	txt := make([][]byte, 0, len(e.InfoFields))
	for _, f := range e.InfoFields {
		txt = append(txt, []byte(f))
	}
	return dnssd.NewResolvedService(key, strings.TrimSuffix(e.Host, "."), addr, uint16(e.Port), dnssd.ParseTXT(txt)), nil
}
