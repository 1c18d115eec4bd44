// ABOUTME: DNS-SD domain types shared by the discovery client
// ABOUTME: Service keys, resolved records, errors and handler capabilities
// Package dnssd defines the vocabulary of the discovery client.
//
// A browse produces ServiceKey values identifying advertised instances;
// resolving a key yields a ResolvedService with host, address, port and TXT
// metadata. Applications observe discovery by implementing Handler.
//
// Handlers run inline on the discovery loop. They must return quickly and
// must not block; long work belongs on another goroutine. Values passed to a
// handler are snapshots and stay valid after the call, but the instance they
// describe may already be gone.
//
// Example:
//
//	h := dnssd.HandlerFuncs{
//	    Discovered: func(k dnssd.ServiceKey, _ dnssd.BrowsedService) {
//	        fmt.Println("found", k.Name)
//	    },
//	}
//	mgr, _ := discover.New(h)
//	err := mgr.Discover(ctx, "_http._tcp", "")
package dnssd
