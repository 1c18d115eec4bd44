// ABOUTME: Handler capability interfaces for discovery events
// ABOUTME: Includes closure adapter and fan-out helper
package dnssd

// Handler receives discovery events. Every method runs on the discovery
// loop goroutine and must not block: hand long work to another goroutine.
type Handler interface {
	OnServiceDiscovered(key ServiceKey, svc BrowsedService)
	OnServiceRemoved(key ServiceKey)
	OnServiceResolved(key ServiceKey, svc ResolvedService, err error)
}

// BrowseStatusHandler is an optional capability. Handlers implementing it
// also receive settle (AllForNow), CacheExhausted and browse failure
// notifications. AllForNow may recur; treat it as a liveness signal.
type BrowseStatusHandler interface {
	OnBrowseStatus(status BrowseStatus)
}

// HandlerFuncs adapts closures to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Discovered func(ServiceKey, BrowsedService)
	Removed    func(ServiceKey)
	Resolved   func(ServiceKey, ResolvedService, error)
	Status     func(BrowseStatus)
}

func (h HandlerFuncs) OnServiceDiscovered(key ServiceKey, svc BrowsedService) {
	if h.Discovered != nil {
		h.Discovered(key, svc)
	}
}

func (h HandlerFuncs) OnServiceRemoved(key ServiceKey) {
	if h.Removed != nil {
		h.Removed(key)
	}
}

func (h HandlerFuncs) OnServiceResolved(key ServiceKey, svc ResolvedService, err error) {
	if h.Resolved != nil {
		h.Resolved(key, svc, err)
	}
}

func (h HandlerFuncs) OnBrowseStatus(status BrowseStatus) {
	if h.Status != nil {
		h.Status(status)
	}
}

// MultiHandler fans every event out to each handler in order.
type MultiHandler []Handler

func (m MultiHandler) OnServiceDiscovered(key ServiceKey, svc BrowsedService) {
	for _, h := range m {
		h.OnServiceDiscovered(key, svc)
	}
}

func (m MultiHandler) OnServiceRemoved(key ServiceKey) {
	for _, h := range m {
		h.OnServiceRemoved(key)
	}
}

func (m MultiHandler) OnServiceResolved(key ServiceKey, svc ResolvedService, err error) {
	for _, h := range m {
		h.OnServiceResolved(key, svc, err)
	}
}

func (m MultiHandler) OnBrowseStatus(status BrowseStatus) {
	for _, h := range m {
		if sh, ok := h.(BrowseStatusHandler); ok {
			sh.OnBrowseStatus(status)
		}
	}
}
