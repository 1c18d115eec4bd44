// ABOUTME: Splits mDNS instance names back into their unescaped label
// ABOUTME: Works on the presentation form produced by miekg/dns
package multicast

import (
	"strings"

	"github.com/miekg/dns"
)

// instanceName strips ".<service>.<domain>." from full and returns the
// unescaped instance label. ok is false when full is not under the service.
func instanceName(full, service, domain string) (string, bool) {
	fqdn := dns.Fqdn(full)
	suffix := dns.SplitDomainName(dns.Fqdn(service + "." + domain))
	labels := dns.SplitDomainName(fqdn)
	if len(labels) <= len(suffix) {
		return "", false
	}
	tail := labels[len(labels)-len(suffix):]
	for i := range tail {
		if !strings.EqualFold(tail[i], suffix[i]) {
			return "", false
		}
	}
	// An instance label may itself contain escaped dots; keep everything
	// in front of the service labels as one name.
	idx := dns.Split(fqdn)
	head := fqdn[:idx[len(labels)-len(suffix)]-1]
	return unescape(head), true
}

// unescape reverses presentation escaping: \DDD decimal bytes and \X for a
// literal X.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			n := int(s[i+1]-'0')*100 + int(s[i+2]-'0')*10 + int(s[i+3]-'0')
			if n <= 255 {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
