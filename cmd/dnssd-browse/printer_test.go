// ABOUTME: Tests for the stdout printer
// ABOUTME: Checks the exact line format
package main

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

func TestPrinterLines(t *testing.T) {
	var out bytes.Buffer
	p := printer{w: &out}
	key := dnssd.ServiceKey{Name: "web", Type: "_http._tcp", Domain: "local", Interface: 2, Protocol: dnssd.ProtocolIPv4}

	p.OnServiceDiscovered(key, dnssd.BrowsedService{Name: "web"})
	p.OnServiceResolved(key, dnssd.NewResolvedService(key, "web.local", netip.MustParseAddr("192.168.1.20"), 80, map[string]string{"path": "/", "secure": ""}), nil)
	p.OnServiceResolved(key, dnssd.ResolvedService{}, errors.New("timed out"))
	p.OnBrowseStatus(dnssd.BrowseStatus{Kind: dnssd.StatusAllForNow, ServiceType: "_http._tcp"})
	p.OnBrowseStatus(dnssd.BrowseStatus{Kind: dnssd.StatusCacheExhausted, ServiceType: "_http._tcp"})
	p.OnServiceRemoved(key)

	assert.Equal(t, ""+
		"+ 2;ipv4;web;_http._tcp;local\n"+
		"= 2;ipv4;web;_http._tcp;local;web.local;192.168.1.20;80;\"path=/\" \"secure\"\n"+
		"! 2;ipv4;web;_http._tcp;local;timed out\n"+
		"# _http._tcp settled\n"+
		"- 2;ipv4;web;_http._tcp;local\n", out.String())
}
