// ABOUTME: Error taxonomy for discovery
// ABOUTME: Connection, browse, resolve and decode errors with sentinel matching
package dnssd

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching.
var (
	ErrResolveTimeout = errors.New("dnssd: resolve timed out")
	ErrNotFound       = errors.New("dnssd: instance not found")
	ErrInstanceGone   = errors.New("dnssd: instance removed while resolving")
	ErrTransport      = errors.New("dnssd: transport failure")
)

// ConnectionError is fatal for the connection that produced it. Reason is the
// diagnostic the responder reported.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Reason {
		return fmt.Sprintf("dnssd: connection failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dnssd: connection failed: %s", e.Reason)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// BrowseError rejects a subscription. It never affects the connection.
type BrowseError struct {
	ServiceType string
	Domain      string
	Reason      string
	Err         error
}

func (e *BrowseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dnssd: browse %q: %s: %v", e.ServiceType, e.Reason, e.Err)
	}
	return fmt.Sprintf("dnssd: browse %q: %s", e.ServiceType, e.Reason)
}

func (e *BrowseError) Unwrap() error {
	return e.Err
}

// ResolveKind classifies a failed resolution.
type ResolveKind int

const (
	ResolveTimeout ResolveKind = iota + 1
	ResolveNotFound
	ResolveInstanceGone
	ResolveTransport
)

func (k ResolveKind) String() string {
	switch k {
	case ResolveTimeout:
		return "timeout"
	case ResolveNotFound:
		return "not-found"
	case ResolveInstanceGone:
		return "instance-gone"
	case ResolveTransport:
		return "transport"
	default:
		return "unknown"
	}
}

func (k ResolveKind) sentinel() error {
	switch k {
	case ResolveTimeout:
		return ErrResolveTimeout
	case ResolveNotFound:
		return ErrNotFound
	case ResolveInstanceGone:
		return ErrInstanceGone
	default:
		return ErrTransport
	}
}

// ResolveError is reported per request through the handler. It is never
// fatal to the browser or the connection.
type ResolveError struct {
	Key    ServiceKey
	Kind   ResolveKind
	Reason string
}

// NewResolveError builds a ResolveError.
func NewResolveError(key ServiceKey, kind ResolveKind, reason string) *ResolveError {
	return &ResolveError{Key: key, Kind: kind, Reason: reason}
}

func (e *ResolveError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("dnssd: resolve %s: %s", e.Key.Name, e.Kind)
	}
	return fmt.Sprintf("dnssd: resolve %s: %s: %s", e.Key.Name, e.Kind, e.Reason)
}

// Unwrap exposes the sentinel matching Kind.
func (e *ResolveError) Unwrap() error {
	return e.Kind.sentinel()
}

// ResolveKindOf returns the kind of a resolve error, or 0 if err is not one.
func ResolveKindOf(err error) ResolveKind {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// DecodeError describes a notification field that was not valid UTF-8. It is
// logged and recovered from by lossy substitution.
type DecodeError struct {
	Field string
	Raw   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dnssd: invalid utf-8 in %s: %q", e.Field, e.Raw)
}
