// Package discover runs DNS-SD discovery sessions against a local mDNS
// responder.
//
// A Manager opens a connection to the responder (avahi-daemon over D-Bus, or
// an in-process multicast querier), browses one service type and reports
// what it finds to a dnssd.Handler:
//
//	m, err := discover.New(handler, discover.WithAutoResolve(true))
//	if err != nil {
//	    return err
//	}
//	go func() {
//	    <-shutdown
//	    m.Stop()
//	}()
//	return m.Discover(ctx, "_http._tcp", "")
//
// All handler callbacks run on the manager's loop goroutine, in the order the
// responder delivered the underlying events. A Manager runs once.
package discover
