// ABOUTME: Line-oriented stdout handler
// ABOUTME: One semicolon-separated record per discovery event
package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

// printer writes one line per event, in the spirit of avahi-browse -p.
type printer struct {
	w io.Writer
}

func (p printer) OnServiceDiscovered(key dnssd.ServiceKey, svc dnssd.BrowsedService) {
	fmt.Fprintf(p.w, "+ %s\n", keyColumns(key))
}

func (p printer) OnServiceRemoved(key dnssd.ServiceKey) {
	fmt.Fprintf(p.w, "- %s\n", keyColumns(key))
}

func (p printer) OnServiceResolved(key dnssd.ServiceKey, svc dnssd.ResolvedService, err error) {
	if err != nil {
		fmt.Fprintf(p.w, "! %s;%v\n", keyColumns(key), err)
		return
	}
	fmt.Fprintf(p.w, "= %s;%s;%s;%d;%s\n", keyColumns(key), svc.HostName, svc.Address, svc.Port, txtColumn(svc.TXT()))
}

func (p printer) OnBrowseStatus(status dnssd.BrowseStatus) {
	switch status.Kind {
	case dnssd.StatusAllForNow:
		fmt.Fprintf(p.w, "# %s settled\n", status.ServiceType)
	case dnssd.StatusFailed:
		fmt.Fprintf(p.w, "# %s failed: %v\n", status.ServiceType, status.Err)
	}
}

func keyColumns(key dnssd.ServiceKey) string {
	return fmt.Sprintf("%d;%s;%s;%s;%s", key.Interface, key.Protocol, key.Name, key.Type, key.Domain)
}

func txtColumn(txt map[string]string) string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if txt[k] == "" {
			parts = append(parts, fmt.Sprintf("%q", k))
			continue
		}
		parts = append(parts, fmt.Sprintf("%q", k+"="+txt[k]))
	}
	return strings.Join(parts, " ")
}
