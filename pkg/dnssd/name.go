// ABOUTME: Service type validation and name decoding helpers
// ABOUTME: Uses miekg/dns for DNS name syntax checks
package dnssd

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/miekg/dns"
)

var errEmptyServiceType = errors.New("empty service type")

// ValidateServiceType checks that t has the DNS-SD "_service._proto" shape,
// optionally prefixed by a subtype ("_sub._printer._sub._http._tcp").
func ValidateServiceType(t string) error {
	if t == "" {
		return errEmptyServiceType
	}
	t = strings.TrimSuffix(t, ".")
	if _, ok := dns.IsDomainName(t); !ok {
		return fmt.Errorf("%q is not a valid domain name", t)
	}
	labels := dns.SplitDomainName(t)
	if len(labels) < 2 {
		return fmt.Errorf("%q needs a service and protocol label", t)
	}
	proto := labels[len(labels)-1]
	if proto != "_tcp" && proto != "_udp" {
		return fmt.Errorf("protocol label %q must be _tcp or _udp", proto)
	}
	svc := labels[len(labels)-2]
	if len(svc) < 2 || svc[0] != '_' {
		return fmt.Errorf("service label %q must start with an underscore", svc)
	}
	// RFC 6335 caps service names at 15 characters.
	if len(svc)-1 > 15 {
		return fmt.Errorf("service label %q longer than 15 characters", svc)
	}
	for _, r := range svc[1:] {
		if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return fmt.Errorf("service label %q contains %q", svc, r)
		}
	}
	if len(labels) > 2 && (len(labels) != 4 || labels[1] != "_sub") {
		return fmt.Errorf("%q has unexpected labels before the service", t)
	}
	return nil
}

// DecodeText returns s unchanged when it is valid UTF-8. Otherwise invalid
// bytes are replaced with U+FFFD and a DecodeError naming field is returned
// alongside the repaired string.
func DecodeText(field, s string) (string, error) {
	if utf8.ValidString(s) {
		return s, nil
	}
	return strings.ToValidUTF8(s, "�"), &DecodeError{Field: field, Raw: s}
}
