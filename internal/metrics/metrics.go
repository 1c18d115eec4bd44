// ABOUTME: Prometheus collectors fed by discovery events
// ABOUTME: Exposes instance counts and resolve outcomes on /metrics
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

const namespace = "dnssd"

// Metrics is a dnssd.Handler that records what the browse has seen.
type Metrics struct {
	registry *prometheus.Registry

	instances  *prometheus.GaugeVec
	discovered *prometheus.CounterVec
	removed    *prometheus.CounterVec
	resolves   *prometheus.CounterVec
	status     *prometheus.CounterVec

	mu      sync.Mutex
	tracked map[dnssd.ServiceKey]struct{}
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Service instances currently tracked.",
		}, []string{"service_type", "domain"}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_discovered_total",
			Help:      "Instances announced by the responder.",
		}, []string{"service_type", "domain"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_removed_total",
			Help:      "Instances withdrawn by the responder.",
		}, []string{"service_type", "domain"}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolves_total",
			Help:      "Completed resolutions by outcome.",
		}, []string{"service_type", "outcome"}),
		status: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browse_status_total",
			Help:      "Browse status notifications by kind.",
		}, []string{"service_type", "kind"}),
		tracked: make(map[dnssd.ServiceKey]struct{}),
	}
	m.registry.MustRegister(m.instances, m.discovered, m.removed, m.resolves, m.status)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OnServiceDiscovered(key dnssd.ServiceKey, _ dnssd.BrowsedService) {
	m.mu.Lock()
	m.tracked[key] = struct{}{}
	m.mu.Unlock()
	m.instances.WithLabelValues(key.Type, key.Domain).Inc()
	m.discovered.WithLabelValues(key.Type, key.Domain).Inc()
}

func (m *Metrics) OnServiceRemoved(key dnssd.ServiceKey) {
	m.mu.Lock()
	_, ok := m.tracked[key]
	delete(m.tracked, key)
	m.mu.Unlock()
	if ok {
		m.instances.WithLabelValues(key.Type, key.Domain).Dec()
	}
	m.removed.WithLabelValues(key.Type, key.Domain).Inc()
}

func (m *Metrics) OnServiceResolved(key dnssd.ServiceKey, _ dnssd.ResolvedService, err error) {
	outcome := "ok"
	if err != nil {
		outcome = dnssd.ResolveKindOf(err).String()
	}
	m.resolves.WithLabelValues(key.Type, outcome).Inc()
}

func (m *Metrics) OnBrowseStatus(status dnssd.BrowseStatus) {
	m.status.WithLabelValues(status.ServiceType, status.Kind.String()).Inc()
}
