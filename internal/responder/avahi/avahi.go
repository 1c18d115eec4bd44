// ABOUTME: Responder backend speaking avahi-daemon's D-Bus API
// ABOUTME: Maps browser and resolver objects and their signals to events
package avahi

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/godbus/dbus/v5"
	goavahi "github.com/holoplot/go-avahi"

	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

const (
	busName     = "org.freedesktop.Avahi"
	serverIface = "org.freedesktop.Avahi.Server"
	browserIfc  = "org.freedesktop.Avahi.ServiceBrowser"
	resolverIfc = "org.freedesktop.Avahi.ServiceResolver"

	// AvahiServerState values from avahi-common/defs.h.
	serverRunning = 2
	serverFailure = 4
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("avahi: backend closed")

// Backend talks to avahi-daemon on the system bus. D-Bus method calls run
// on a worker goroutine so Send never blocks on the daemon.
type Backend struct {
	logger log.Logger
	dial   func() (*dbus.Conn, error)

	conn    *dbus.Conn
	server  dbus.BusObject
	signals chan *dbus.Signal
	events  chan responder.Event

	jobMu sync.Mutex
	jobs  []func()
	wake  chan struct{}

	mu         sync.Mutex
	browsers   map[dbus.ObjectPath]responder.BrowseID
	browsePath map[responder.BrowseID]dbus.ObjectPath
	resolvers  map[dbus.ObjectPath]*resolveReq
	resolvePat map[responder.RequestID]dbus.ObjectPath
	creating   int
	orphans    map[dbus.ObjectPath][]*dbus.Signal

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type resolveReq struct {
	id  responder.RequestID
	key dnssd.ServiceKey
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(l log.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// New returns an unconnected backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		logger:     log.NewNopLogger(),
		dial:       func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() },
		signals:    make(chan *dbus.Signal, 256),
		events:     make(chan responder.Event, 256),
		wake:       make(chan struct{}, 1),
		browsers:   make(map[dbus.ObjectPath]responder.BrowseID),
		browsePath: make(map[responder.BrowseID]dbus.ObjectPath),
		resolvers:  make(map[dbus.ObjectPath]*resolveReq),
		resolvePat: make(map[responder.RequestID]dbus.ObjectPath),
		orphans:    make(map[dbus.ObjectPath][]*dbus.Signal),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = log.With(b.logger, "backend", "avahi")
	return b
}

// Connect opens a private system bus connection and checks that the daemon
// is present and running.
func (b *Backend) Connect(ctx context.Context) (responder.Info, error) {
	conn, err := b.dial()
	if err != nil {
		return responder.Info{}, &dnssd.ConnectionError{Reason: err.Error(), Err: err}
	}
	b.conn = conn
	b.server = conn.Object(busName, "/")

	var api uint32
	if err := b.server.CallWithContext(ctx, serverIface+".GetAPIVersion", 0).Store(&api); err != nil {
		return responder.Info{}, &dnssd.ConnectionError{Reason: err.Error(), Err: err}
	}
	var version string
	if err := b.server.CallWithContext(ctx, serverIface+".GetVersionString", 0).Store(&version); err != nil {
		return responder.Info{}, &dnssd.ConnectionError{Reason: err.Error(), Err: err}
	}
	var state int32
	if err := b.server.CallWithContext(ctx, serverIface+".GetState", 0).Store(&state); err != nil {
		return responder.Info{}, &dnssd.ConnectionError{Reason: err.Error(), Err: err}
	}
	if state != serverRunning {
		return responder.Info{}, &dnssd.ConnectionError{Reason: fmt.Sprintf("avahi-daemon is not running (server state %d)", state)}
	}

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(browserIfc)},
		{dbus.WithMatchInterface(resolverIfc)},
		{dbus.WithMatchInterface(serverIface), dbus.WithMatchMember("StateChanged")},
		{
			dbus.WithMatchSender("org.freedesktop.DBus"),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchArg(0, busName),
		},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignalContext(ctx, m...); err != nil {
			return responder.Info{}, &dnssd.ConnectionError{Reason: err.Error(), Err: err}
		}
	}
	conn.Signal(b.signals)

	b.wg.Add(2)
	go b.pumpSignals()
	go b.work()

	level.Debug(b.logger).Log("msg", "connected", "api", api, "version", version)
	return responder.Info{Name: "avahi", Version: strings.TrimPrefix(version, "avahi ")}, nil
}

func (b *Backend) Events() <-chan responder.Event {
	return b.events
}

// Send queues req for the worker.
func (b *Backend) Send(req responder.Request) error {
	var job func()
	switch req := req.(type) {
	case responder.BrowseRequest:
		job = func() { b.browse(req) }
	case responder.StopBrowseRequest:
		job = func() { b.stopBrowse(req.ID) }
	case responder.ResolveRequest:
		job = func() { b.resolve(req) }
	case responder.CancelResolveRequest:
		job = func() { b.cancelResolve(req.ID) }
	default:
		return fmt.Errorf("avahi: unsupported request %T", req)
	}
	return b.enqueue(job)
}

func (b *Backend) enqueue(job func()) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.jobMu.Lock()
	b.jobs = append(b.jobs, job)
	b.jobMu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close drops the bus connection. The daemon frees every object this
// client created when it leaves the bus.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.conn != nil {
			err = b.conn.Close()
		}
		b.wg.Wait()
		close(b.events)
	})
	return err
}

func (b *Backend) work() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		b.jobMu.Lock()
		jobs := b.jobs
		b.jobs = nil
		b.jobMu.Unlock()
		for _, job := range jobs {
			select {
			case <-b.done:
				return
			default:
			}
			job()
		}
	}
}

func (b *Backend) emit(ev responder.Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// create calls a Prepare method and starts the new object, falling back to
// the older New method on daemons without Prepare. register runs under the
// lock before any signal for the path is routed.
func (b *Backend) create(kind, iface string, register func(dbus.ObjectPath), args ...interface{}) error {
	var path dbus.ObjectPath
	err := b.server.Call(serverIface+"."+kind+"Prepare", 0, args...).Store(&path)
	if err == nil {
		b.mu.Lock()
		register(path)
		b.mu.Unlock()
		return b.conn.Object(busName, path).Call(iface+".Start", 0).Err
	}
	if !isUnknownMethod(err) {
		return err
	}

	b.mu.Lock()
	b.creating++
	b.mu.Unlock()

	err = b.server.Call(serverIface+"."+kind+"New", 0, args...).Store(&path)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.creating--
	if err == nil {
		register(path)
		for _, sig := range b.orphans[path] {
			b.routeLocked(sig)
		}
	}
	if b.creating == 0 {
		clear(b.orphans)
	}
	return err
}

func isUnknownMethod(err error) bool {
	var derr dbus.Error
	return errors.As(err, &derr) && derr.Name == "org.freedesktop.DBus.Error.UnknownMethod"
}

func (b *Backend) browse(req responder.BrowseRequest) {
	err := b.create("ServiceBrowser", browserIfc, func(p dbus.ObjectPath) {
		b.browsers[p] = req.ID
		b.browsePath[req.ID] = p
	}, req.Interface, int32(req.Protocol), req.Type, req.Domain, uint32(0))
	if err != nil {
		level.Warn(b.logger).Log("msg", "browse rejected", "type", req.Type, "err", err)
		b.forgetBrowse(req.ID)
		b.emit(responder.BrowseFailure{ID: req.ID, Reason: err.Error()})
	}
}

func (b *Backend) forgetBrowse(id responder.BrowseID) (dbus.ObjectPath, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.browsePath[id]
	if ok {
		delete(b.browsePath, id)
		delete(b.browsers, p)
	}
	return p, ok
}

func (b *Backend) stopBrowse(id responder.BrowseID) {
	if p, ok := b.forgetBrowse(id); ok {
		b.free(browserIfc, p)
	}
}

func (b *Backend) resolve(req responder.ResolveRequest) {
	k := req.Key
	err := b.create("ServiceResolver", resolverIfc, func(p dbus.ObjectPath) {
		b.resolvers[p] = &resolveReq{id: req.ID, key: k}
		b.resolvePat[req.ID] = p
	}, k.Interface, int32(k.Protocol), k.Name, k.Type, k.Domain, int32(goavahi.ProtoUnspec), uint32(0))
	if err != nil {
		b.forgetResolve(req.ID)
		b.emit(responder.ResolveFailure{ID: req.ID, Kind: dnssd.ResolveTransport, Reason: err.Error()})
	}
}

func (b *Backend) forgetResolve(id responder.RequestID) (dbus.ObjectPath, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.resolvePat[id]
	if ok {
		delete(b.resolvePat, id)
		delete(b.resolvers, p)
	}
	return p, ok
}

func (b *Backend) cancelResolve(id responder.RequestID) {
	if p, ok := b.forgetResolve(id); ok {
		b.free(resolverIfc, p)
	}
}

func (b *Backend) free(iface string, p dbus.ObjectPath) {
	if err := b.conn.Object(busName, p).Call(iface+".Free", 0).Err; err != nil {
		level.Debug(b.logger).Log("msg", "free failed", "path", p, "err", err)
	}
}

func (b *Backend) pumpSignals() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.signals:
			if !ok {
				b.emit(responder.Disconnected{Reason: "system bus connection closed"})
				return
			}
			if b.route(sig) {
				return
			}
		}
	}
}

// route translates one signal. It reports true once the daemon is gone.
func (b *Backend) route(sig *dbus.Signal) bool {
	switch sig.Name {
	case "org.freedesktop.DBus.NameOwnerChanged":
		if gone := daemonLeft(sig); gone {
			b.emit(responder.Disconnected{Reason: "avahi-daemon left the bus"})
			return true
		}
		return false
	case serverIface + ".StateChanged":
		if reason, failed := serverFailed(sig); failed {
			b.emit(responder.Disconnected{Reason: reason})
			return true
		}
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.routeLocked(sig)
	return false
}

func (b *Backend) routeLocked(sig *dbus.Signal) {
	if id, ok := b.browsers[sig.Path]; ok {
		ev, err := decodeBrowse(id, sig)
		if err != nil {
			level.Warn(b.logger).Log("msg", "bad browser signal", "signal", sig.Name, "err", err)
			return
		}
		b.emit(ev)
		return
	}

	if req, ok := b.resolvers[sig.Path]; ok {
		ev, err := decodeResolve(req, sig)
		if err != nil {
			level.Warn(b.logger).Log("msg", "bad resolver signal", "signal", sig.Name, "err", err)
			return
		}
		delete(b.resolvers, sig.Path)
		delete(b.resolvePat, req.id)
		p := sig.Path
		_ = b.enqueue(func() { b.free(resolverIfc, p) })
		b.emit(ev)
		return
	}

	if b.creating > 0 {
		b.orphans[sig.Path] = append(b.orphans[sig.Path], sig)
	}
}

func daemonLeft(sig *dbus.Signal) bool {
	var name, oldOwner, newOwner string
	if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil {
		return false
	}
	return name == busName && newOwner == ""
}

func serverFailed(sig *dbus.Signal) (string, bool) {
	var state int32
	var reason string
	if err := dbus.Store(sig.Body, &state, &reason); err != nil {
		return "", false
	}
	if state != serverFailure {
		return "", false
	}
	if reason == "" {
		reason = "avahi-daemon entered failure state"
	}
	return reason, true
}

func decodeBrowse(id responder.BrowseID, sig *dbus.Signal) (responder.Event, error) {
	switch strings.TrimPrefix(sig.Name, browserIfc+".") {
	case "ItemNew", "ItemRemove":
		var svc goavahi.Service
		if err := dbus.Store(sig.Body, &svc.Interface, &svc.Protocol, &svc.Name, &svc.Type, &svc.Domain, &svc.Flags); err != nil {
			return nil, err
		}
		if strings.HasSuffix(sig.Name, "ItemNew") {
			return responder.ItemNew{
				ID:        id,
				Interface: svc.Interface,
				Protocol:  dnssd.Protocol(svc.Protocol),
				Name:      svc.Name,
				Type:      svc.Type,
				Domain:    svc.Domain,
				Flags:     dnssd.ResultFlags(svc.Flags),
			}, nil
		}
		return responder.ItemRemove{
			ID:        id,
			Interface: svc.Interface,
			Protocol:  dnssd.Protocol(svc.Protocol),
			Name:      svc.Name,
			Type:      svc.Type,
			Domain:    svc.Domain,
			Flags:     dnssd.ResultFlags(svc.Flags),
		}, nil
	case "AllForNow":
		return responder.AllForNow{ID: id}, nil
	case "CacheExhausted":
		return responder.CacheExhausted{ID: id}, nil
	case "Failure":
		var reason string
		if err := dbus.Store(sig.Body, &reason); err != nil {
			return nil, err
		}
		return responder.BrowseFailure{ID: id, Reason: reason}, nil
	default:
		return nil, fmt.Errorf("unknown signal %s", sig.Name)
	}
}

func decodeResolve(req *resolveReq, sig *dbus.Signal) (responder.Event, error) {
	switch strings.TrimPrefix(sig.Name, resolverIfc+".") {
	case "Found":
		var svc goavahi.Service
		err := dbus.Store(sig.Body,
			&svc.Interface, &svc.Protocol, &svc.Name, &svc.Type, &svc.Domain,
			&svc.Host, &svc.Aprotocol, &svc.Address, &svc.Port, &svc.Txt, &svc.Flags)
		if err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(svc.Address)
		if err != nil {
			return responder.ResolveFailure{ID: req.id, Kind: dnssd.ResolveTransport, Reason: fmt.Sprintf("bad address %q", svc.Address)}, nil
		}
		if addr.Is6() && addr.IsLinkLocalUnicast() && addr.Zone() == "" && svc.Interface > 0 {
			addr = addr.WithZone(fmt.Sprint(svc.Interface))
		}
		host, _ := dnssd.DecodeText("host", svc.Host)
		return responder.ResolveFound{
			ID:      req.id,
			Service: dnssd.NewResolvedService(req.key, host, addr, svc.Port, dnssd.ParseTXT(svc.Txt)),
		}, nil
	case "Failure":
		var reason string
		if err := dbus.Store(sig.Body, &reason); err != nil {
			return nil, err
		}
		return responder.ResolveFailure{ID: req.id, Kind: failureKind(reason), Reason: reason}, nil
	default:
		return nil, fmt.Errorf("unknown signal %s", sig.Name)
	}
}

// failureKind maps avahi_strerror texts to resolve error kinds.
func failureKind(reason string) dnssd.ResolveKind {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "timeout"):
		return dnssd.ResolveTimeout
	case strings.Contains(r, "not found"), strings.Contains(r, "no such"):
		return dnssd.ResolveNotFound
	default:
		return dnssd.ResolveTransport
	}
}
