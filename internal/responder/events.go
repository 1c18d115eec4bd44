// ABOUTME: Typed requests and events on the responder control channel
// ABOUTME: Closed variant sets sealed by unexported marker methods
package responder

import (
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// BrowseID names one browse subscription on a connection.
type BrowseID uint64

// RequestID names one resolve request on a connection.
type RequestID uint64

// Request is anything the connection sends to the responder.
type Request interface {
	request()
}

// BrowseRequest starts a browse for Type in Domain.
type BrowseRequest struct {
	ID        BrowseID
	Type      string
	Domain    string
	Interface int32
	Protocol  dnssd.Protocol
}

// StopBrowseRequest ends a browse.
type StopBrowseRequest struct {
	ID BrowseID
}

// ResolveRequest asks for the connectable details of Key.
type ResolveRequest struct {
	ID  RequestID
	Key dnssd.ServiceKey
}

// CancelResolveRequest abandons a resolve request.
type CancelResolveRequest struct {
	ID RequestID
}

func (BrowseRequest) request()        {}
func (StopBrowseRequest) request()    {}
func (ResolveRequest) request()       {}
func (CancelResolveRequest) request() {}

// Event is anything the responder delivers.
type Event interface {
	event()
}

// BrowseEvent is the closed set {ItemNew, ItemRemove, AllForNow,
// CacheExhausted, BrowseFailure}.
type BrowseEvent interface {
	Event
	Browse() BrowseID
}

// ItemNew reports an instance appearing. Name, Type and Domain are raw and
// may not be valid UTF-8.
type ItemNew struct {
	ID        BrowseID
	Interface int32
	Protocol  dnssd.Protocol
	Name      string
	Type      string
	Domain    string
	Flags     dnssd.ResultFlags
}

// ItemRemove reports an instance disappearing.
type ItemRemove struct {
	ID        BrowseID
	Interface int32
	Protocol  dnssd.Protocol
	Name      string
	Type      string
	Domain    string
	Flags     dnssd.ResultFlags
}

// AllForNow marks the end of a burst of cached or initial results.
type AllForNow struct {
	ID BrowseID
}

// CacheExhausted says the responder's cache has been fully replayed.
type CacheExhausted struct {
	ID BrowseID
}

// BrowseFailure says the responder gave up on a browse.
type BrowseFailure struct {
	ID     BrowseID
	Reason string
}

// ResolveFound carries a successful resolution.
type ResolveFound struct {
	ID      RequestID
	Service dnssd.ResolvedService
}

// ResolveFailure carries a failed resolution.
type ResolveFailure struct {
	ID     RequestID
	Kind   dnssd.ResolveKind
	Reason string
}

// Disconnected is fatal: the responder went away.
type Disconnected struct {
	Reason string
	Err    error
}

func (ItemNew) event()        {}
func (ItemRemove) event()     {}
func (AllForNow) event()      {}
func (CacheExhausted) event() {}
func (BrowseFailure) event()  {}
func (ResolveFound) event()   {}
func (ResolveFailure) event() {}
func (Disconnected) event()   {}

func (e ItemNew) Browse() BrowseID        { return e.ID }
func (e ItemRemove) Browse() BrowseID     { return e.ID }
func (e AllForNow) Browse() BrowseID      { return e.ID }
func (e CacheExhausted) Browse() BrowseID { return e.ID }
func (e BrowseFailure) Browse() BrowseID  { return e.ID }
