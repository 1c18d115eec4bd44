// ABOUTME: Service browser tracking instances of subscribed service types
// ABOUTME: Decodes responder browse events into added/removed/status events
package browser

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/miekg/dns"

	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// Conn is the slice of the responder connection the browser needs.
type Conn interface {
	State() responder.State
	Browse(serviceType, domain string, iface int32, proto dnssd.Protocol) (responder.BrowseID, error)
	StopBrowse(id responder.BrowseID) error
}

// Sink receives decoded browse events.
type Sink interface {
	InstanceAdded(key dnssd.ServiceKey, svc dnssd.BrowsedService)
	InstanceRemoved(key dnssd.ServiceKey)
	BrowseStatus(status dnssd.BrowseStatus)
}

// Subscription is one active (service type, domain) browse.
type Subscription struct {
	id          responder.BrowseID
	serviceType string
	domain      string
	createdAt   time.Time
	settledAt   time.Time
	settled     bool
	active      bool
}

func (s *Subscription) ID() responder.BrowseID { return s.id }
func (s *Subscription) ServiceType() string     { return s.serviceType }
func (s *Subscription) Domain() string          { return s.domain }

// Settled reports whether AllForNow has been seen at least once.
func (s *Subscription) Settled() bool { return s.settled }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active }

type entry struct {
	inst dnssd.ServiceInstance
	sub  responder.BrowseID
}

// Browser owns the tracked instance set. Every method except construction
// must be called from the reactor goroutine.
type Browser struct {
	conn   Conn
	sink   Sink
	clock  clock.Clock
	logger log.Logger
	iface  int32
	proto  dnssd.Protocol
	onDrop func(dnssd.ServiceKey)

	subs    map[responder.BrowseID]*Subscription
	tracked map[dnssd.ServiceKey]*entry
}

// Option configures a Browser.
type Option func(*Browser)

// WithClock sets the clock used for discovery timestamps.
func WithClock(c clock.Clock) Option {
	return func(b *Browser) {
		b.clock = c
	}
}

// WithLogger sets the browser logger.
func WithLogger(l log.Logger) Option {
	return func(b *Browser) {
		b.logger = l
	}
}

// WithInterface restricts browsing to one interface index and protocol.
func WithInterface(iface int32, proto dnssd.Protocol) Option {
	return func(b *Browser) {
		b.iface = iface
		b.proto = proto
	}
}

// WithOnDrop registers fn for instances that leave the tracked set through
// Unsubscribe rather than a removal event. Close does not call it.
func WithOnDrop(fn func(dnssd.ServiceKey)) Option {
	return func(b *Browser) {
		b.onDrop = fn
	}
}

// New creates a browser bound to conn that reports to sink.
func New(conn Conn, sink Sink, opts ...Option) *Browser {
	b := &Browser{
		conn:    conn,
		sink:    sink,
		clock:   clock.New(),
		logger:  log.NewNopLogger(),
		iface:   dnssd.InterfaceUnspec,
		proto:   dnssd.ProtocolUnspec,
		subs:    make(map[responder.BrowseID]*Subscription),
		tracked: make(map[dnssd.ServiceKey]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = log.With(b.logger, "component", "browser")
	return b
}

// Subscribe starts browsing serviceType in domain ("" for the responder's
// default). Failures are returned as *dnssd.BrowseError and leave the
// connection untouched.
func (b *Browser) Subscribe(serviceType, domain string) (*Subscription, error) {
	if err := dnssd.ValidateServiceType(serviceType); err != nil {
		return nil, &dnssd.BrowseError{ServiceType: serviceType, Domain: domain, Reason: "malformed service type", Err: err}
	}
	if domain != dnssd.WildcardDomain {
		if _, ok := dns.IsDomainName(domain); !ok {
			return nil, &dnssd.BrowseError{ServiceType: serviceType, Domain: domain, Reason: "malformed domain"}
		}
	}
	if st := b.conn.State(); st != responder.StateRunning {
		return nil, &dnssd.BrowseError{ServiceType: serviceType, Domain: domain, Reason: "connection " + st.String(), Err: responder.ErrNotRunning}
	}

	serviceType = strings.TrimSuffix(serviceType, ".")
	id, err := b.conn.Browse(serviceType, domain, b.iface, b.proto)
	if err != nil {
		return nil, &dnssd.BrowseError{ServiceType: serviceType, Domain: domain, Reason: "responder rejected browse", Err: err}
	}

	sub := &Subscription{
		id:          id,
		serviceType: serviceType,
		domain:      domain,
		createdAt:   b.clock.Now(),
		active:      true,
	}
	b.subs[id] = sub
	level.Info(b.logger).Log("msg", "browsing", "type", serviceType, "domain", domain, "sub", id)
	return sub, nil
}

// Unsubscribe stops sub. Instances it discovered leave the tracked set
// without removal events; the WithOnDrop hook sees each of them. Safe on a
// failed connection and when repeated.
func (b *Browser) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active {
		return
	}
	sub.active = false
	delete(b.subs, sub.id)

	if err := b.conn.StopBrowse(sub.id); err != nil {
		level.Warn(b.logger).Log("msg", "stop browse failed", "sub", sub.id, "err", err)
	}
	for key, e := range b.tracked {
		if e.sub == sub.id {
			delete(b.tracked, key)
			if b.onDrop != nil {
				b.onDrop(key)
			}
		}
	}
	level.Debug(b.logger).Log("msg", "unsubscribed", "type", sub.serviceType, "sub", sub.id)
}

// Close cancels every subscription and empties the tracked set.
func (b *Browser) Close() {
	b.onDrop = nil
	for _, sub := range b.subs {
		b.Unsubscribe(sub)
	}
	clear(b.tracked)
}

// HandleEvent applies one browse event.
func (b *Browser) HandleEvent(ev responder.BrowseEvent) {
	sub, ok := b.subs[ev.Browse()]
	if !ok || !sub.active {
		level.Debug(b.logger).Log("msg", "event for inactive subscription", "sub", ev.Browse())
		return
	}

	switch ev := ev.(type) {
	case responder.ItemNew:
		b.itemNew(sub, ev)
	case responder.ItemRemove:
		b.itemRemove(ev)
	case responder.AllForNow:
		b.allForNow(sub)
	case responder.CacheExhausted:
		b.sink.BrowseStatus(dnssd.BrowseStatus{Kind: dnssd.StatusCacheExhausted, ServiceType: sub.serviceType, Domain: sub.domain})
	case responder.BrowseFailure:
		b.failed(sub, ev)
	}
}

func (b *Browser) itemNew(sub *Subscription, ev responder.ItemNew) {
	key, svc := b.decode(ev.Name, ev.Type, ev.Domain, ev.Interface, ev.Protocol)
	svc.Flags = ev.Flags
	now := b.clock.Now()

	if e, ok := b.tracked[key]; ok {
		e.inst.LastSeen = now
		e.inst.Flags = ev.Flags
		e.inst.Stale = false
		return
	}

	b.tracked[key] = &entry{
		sub: sub.id,
		inst: dnssd.ServiceInstance{
			Key:          key,
			Flags:        ev.Flags,
			DiscoveredAt: now,
			LastSeen:     now,
		},
	}
	level.Debug(b.logger).Log("msg", "instance added", "key", key)
	b.sink.InstanceAdded(key, svc)
}

func (b *Browser) itemRemove(ev responder.ItemRemove) {
	key, _ := b.decode(ev.Name, ev.Type, ev.Domain, ev.Interface, ev.Protocol)
	if _, ok := b.tracked[key]; !ok {
		level.Debug(b.logger).Log("msg", "remove for unknown instance", "key", key)
		return
	}
	delete(b.tracked, key)
	level.Debug(b.logger).Log("msg", "instance removed", "key", key)
	b.sink.InstanceRemoved(key)
}

// allForNow records the settle point. A repeat means the responder
// restarted the browse; instances it did not announce again since the
// previous settle are flagged stale but stay tracked.
func (b *Browser) allForNow(sub *Subscription) {
	now := b.clock.Now()
	if sub.settled {
		stale := 0
		for _, e := range b.tracked {
			if e.sub == sub.id && e.inst.LastSeen.Before(sub.settledAt) {
				e.inst.Stale = true
				stale++
			}
		}
		level.Info(b.logger).Log("msg", "browse settled again", "type", sub.serviceType, "stale", stale)
	}
	sub.settled = true
	sub.settledAt = now
	b.sink.BrowseStatus(dnssd.BrowseStatus{Kind: dnssd.StatusAllForNow, ServiceType: sub.serviceType, Domain: sub.domain})
}

func (b *Browser) failed(sub *Subscription, ev responder.BrowseFailure) {
	level.Warn(b.logger).Log("msg", "browse failed", "type", sub.serviceType, "reason", ev.Reason)
	sub.active = false
	delete(b.subs, sub.id)
	for _, e := range b.tracked {
		if e.sub == sub.id {
			e.inst.Stale = true
		}
	}
	b.sink.BrowseStatus(dnssd.BrowseStatus{
		Kind:        dnssd.StatusFailed,
		ServiceType: sub.serviceType,
		Domain:      sub.domain,
		Err:         &dnssd.BrowseError{ServiceType: sub.serviceType, Domain: sub.domain, Reason: ev.Reason},
	})
}

// decode builds the key with lossy UTF-8 repair of every text field.
func (b *Browser) decode(name, typ, domain string, iface int32, proto dnssd.Protocol) (dnssd.ServiceKey, dnssd.BrowsedService) {
	lossy := false
	fix := func(field, s string) string {
		out, err := dnssd.DecodeText(field, s)
		if err != nil {
			lossy = true
			level.Warn(b.logger).Log("msg", "lossy name decode", "err", err)
		}
		return out
	}
	svc := dnssd.BrowsedService{
		Name:   fix("name", name),
		Type:   fix("type", typ),
		Domain: fix("domain", domain),
	}
	svc.Lossy = lossy
	key := dnssd.ServiceKey{
		Name:      svc.Name,
		Type:      svc.Type,
		Domain:    svc.Domain,
		Interface: iface,
		Protocol:  proto,
	}
	return key, svc
}

// Has reports whether key is tracked.
func (b *Browser) Has(key dnssd.ServiceKey) bool {
	_, ok := b.tracked[key]
	return ok
}

// Instance returns a snapshot of the tracked instance for key.
func (b *Browser) Instance(key dnssd.ServiceKey) (dnssd.ServiceInstance, bool) {
	e, ok := b.tracked[key]
	if !ok {
		return dnssd.ServiceInstance{}, false
	}
	return e.inst, true
}

// Instances returns a snapshot of the tracked set ordered by name.
func (b *Browser) Instances() []dnssd.ServiceInstance {
	out := make([]dnssd.ServiceInstance, 0, len(b.tracked))
	for _, e := range b.tracked {
		out = append(out, e.inst)
	}
	slices.SortFunc(out, func(x, y dnssd.ServiceInstance) int {
		return cmp.Compare(x.Key.String(), y.Key.String())
	})
	return out
}

// Len is the number of tracked instances.
func (b *Browser) Len() int {
	return len(b.tracked)
}
