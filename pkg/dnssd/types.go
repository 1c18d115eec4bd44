// ABOUTME: Core DNS-SD value types
// ABOUTME: ServiceKey identity, browsed and resolved service records
package dnssd

import (
	"fmt"
	"maps"
	"net/netip"
	"strings"
	"time"
)

// Protocol is the network protocol family an instance was seen on.
type Protocol int32

const (
	ProtocolUnspec Protocol = -1
	ProtocolIPv4   Protocol = 0
	ProtocolIPv6   Protocol = 1
)

// InterfaceUnspec means "any interface".
const InterfaceUnspec int32 = -1

// WildcardDomain asks the responder for its default browse domain.
const WildcardDomain = ""

// DefaultDomain is the link-local mDNS domain.
const DefaultDomain = "local"

func (p Protocol) String() string {
	switch p {
	case ProtocolIPv4:
		return "ipv4"
	case ProtocolIPv6:
		return "ipv6"
	case ProtocolUnspec:
		return "any"
	default:
		return fmt.Sprintf("proto(%d)", int32(p))
	}
}

// ServiceKey identifies one discovered instance. Equality is exact; case
// folding is left to the responder.
type ServiceKey struct {
	Name      string
	Type      string
	Domain    string
	Interface int32
	Protocol  Protocol
}

// String renders the key as name.type.domain with the interface/protocol
// suffix used in logs.
func (k ServiceKey) String() string {
	return fmt.Sprintf("%s.%s.%s%%%d/%s", k.Name, k.Type, k.Domain, k.Interface, k.Protocol)
}

// ResultFlags mirror the lookup result flags a responder attaches to an event.
type ResultFlags uint32

const (
	FlagCached    ResultFlags = 1 << 0
	FlagWideArea  ResultFlags = 1 << 1
	FlagMulticast ResultFlags = 1 << 2
	FlagLocal     ResultFlags = 1 << 3
	FlagOurOwn    ResultFlags = 1 << 4
	FlagStatic    ResultFlags = 1 << 5
)

// BrowsedService carries the fields of a New notification as delivered.
// Name, Type and Domain are already decoded; Lossy is set when the raw name
// was not valid UTF-8 and replacement characters were substituted.
type BrowsedService struct {
	Name   string
	Type   string
	Domain string
	Flags  ResultFlags
	Lossy  bool
}

// ServiceInstance is the browser's record of a tracked key.
type ServiceInstance struct {
	Key          ServiceKey
	Flags        ResultFlags
	DiscoveredAt time.Time
	LastSeen     time.Time

	// Stale is set when the responder restarted the browse and this instance
	// was not announced again before it settled.
	Stale bool
}

// ResolvedService is the connectable form of an instance. It is never
// modified after construction.
type ResolvedService struct {
	Key      ServiceKey
	HostName string
	Address  netip.Addr
	Port     uint16
	Domain   string
	txt      map[string]string
}

// NewResolvedService builds a ResolvedService, copying txt.
func NewResolvedService(key ServiceKey, host string, addr netip.Addr, port uint16, txt map[string]string) ResolvedService {
	return ResolvedService{
		Key:      key,
		HostName: host,
		Address:  addr,
		Port:     port,
		Domain:   key.Domain,
		txt:      maps.Clone(txt),
	}
}

// TXT returns a copy of the TXT key/value pairs.
func (s ResolvedService) TXT() map[string]string {
	if s.txt == nil {
		return map[string]string{}
	}
	return maps.Clone(s.txt)
}

// Lookup returns the TXT value for key.
func (s ResolvedService) Lookup(key string) (string, bool) {
	v, ok := s.txt[key]
	return v, ok
}

// AddrPort joins Address and Port.
func (s ResolvedService) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(s.Address, s.Port)
}

// ParseTXT converts raw TXT strings into a key/value map. Per RFC 6763 §6.4
// the first occurrence of a key wins and a key without '=' maps to "".
// Keys are compared case-insensitively and stored lower-cased.
func ParseTXT(records [][]byte) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		if len(rec) == 0 {
			continue
		}
		k, v, _ := strings.Cut(string(rec), "=")
		if k == "" {
			continue
		}
		k = strings.ToLower(k)
		if _, dup := out[k]; dup {
			continue
		}
		out[k] = v
	}
	return out
}

// BrowseStatusKind enumerates non-membership browse notifications.
type BrowseStatusKind int

const (
	StatusAllForNow BrowseStatusKind = iota
	StatusCacheExhausted
	StatusFailed
)

func (k BrowseStatusKind) String() string {
	switch k {
	case StatusAllForNow:
		return "all-for-now"
	case StatusCacheExhausted:
		return "cache-exhausted"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BrowseStatus reports settle, cache and failure notifications for one
// browse subscription.
type BrowseStatus struct {
	Kind        BrowseStatusKind
	ServiceType string
	Domain      string
	Err         error
}
