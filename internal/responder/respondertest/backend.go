// ABOUTME: Scripted responder backend for tests
// ABOUTME: Records requests and lets tests inject events and failures
package respondertest

import (
	"context"
	"sync"

	"github.com/Resonate-Protocol/dnssd-browse/internal/responder"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// Backend is an in-memory responder.Backend. The zero value is not usable;
// call New.
type Backend struct {
	// ConnectErr, when set, fails the handshake.
	ConnectErr error
	// SendErr, when set, fails every request.
	SendErr error
	// OnSend runs after a request is recorded, outside the lock. It may call
	// Emit to script replies.
	OnSend func(b *Backend, req responder.Request)

	mu     sync.Mutex
	events chan responder.Event
	sent   []responder.Request
	closed bool
	notify chan struct{}
}

// New returns a Backend with a generous event buffer.
func New() *Backend {
	return &Backend{
		events: make(chan responder.Event, 1024),
		notify: make(chan struct{}, 1),
	}
}

func (b *Backend) Connect(ctx context.Context) (responder.Info, error) {
	if err := ctx.Err(); err != nil {
		return responder.Info{}, err
	}
	if b.ConnectErr != nil {
		return responder.Info{}, b.ConnectErr
	}
	return responder.Info{Name: "respondertest", Version: "1"}, nil
}

func (b *Backend) Send(req responder.Request) error {
	b.mu.Lock()
	if b.SendErr != nil {
		b.mu.Unlock()
		return b.SendErr
	}
	b.sent = append(b.sent, req)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	if b.OnSend != nil {
		b.OnSend(b, req)
	}
	return nil
}

func (b *Backend) Events() <-chan responder.Event {
	return b.events
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	return nil
}

// Emit delivers ev unless the backend was closed.
func (b *Backend) Emit(ev responder.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events <- ev
}

// Hangup closes the event channel without a Disconnected event, the way a
// crashed responder looks.
func (b *Backend) Hangup() {
	_ = b.Close()
}

// Closed reports whether Close ran.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Sent returns a copy of every request recorded so far.
func (b *Backend) Sent() []responder.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]responder.Request(nil), b.sent...)
}

// Browses returns the recorded browse requests.
func (b *Backend) Browses() []responder.BrowseRequest {
	var out []responder.BrowseRequest
	for _, r := range b.Sent() {
		if br, ok := r.(responder.BrowseRequest); ok {
			out = append(out, br)
		}
	}
	return out
}

// Resolves returns the recorded resolve requests.
func (b *Backend) Resolves() []responder.ResolveRequest {
	var out []responder.ResolveRequest
	for _, r := range b.Sent() {
		if rr, ok := r.(responder.ResolveRequest); ok {
			out = append(out, rr)
		}
	}
	return out
}

// Notify fires (coalesced) after each recorded request.
func (b *Backend) Notify() <-chan struct{} {
	return b.notify
}

// NewItem builds an ItemNew for key on browse id.
func NewItem(id responder.BrowseID, key dnssd.ServiceKey) responder.ItemNew {
	return responder.ItemNew{
		ID:        id,
		Interface: key.Interface,
		Protocol:  key.Protocol,
		Name:      key.Name,
		Type:      key.Type,
		Domain:    key.Domain,
	}
}

// RemoveItem builds an ItemRemove for key on browse id.
func RemoveItem(id responder.BrowseID, key dnssd.ServiceKey) responder.ItemRemove {
	return responder.ItemRemove{
		ID:        id,
		Interface: key.Interface,
		Protocol:  key.Protocol,
		Name:      key.Name,
		Type:      key.Type,
		Domain:    key.Domain,
	}
}

// Key is a shorthand for test keys on interface 2 over IPv4.
func Key(name string) dnssd.ServiceKey {
	return dnssd.ServiceKey{
		Name:      name,
		Type:      "_http._tcp",
		Domain:    "local",
		Interface: 2,
		Protocol:  dnssd.ProtocolIPv4,
	}
}
