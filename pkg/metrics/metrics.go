// Package metrics exposes Prometheus collectors for the proxy and an
// optional HTTP endpoint serving them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the proxy's collectors on a private registry so tests
// can instantiate independent sets.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectionsTotal counts accepted connections by sniffed protocol
	// (socks5, http).
	ConnectionsTotal *prometheus.CounterVec

	// ActiveConnections tracks connections currently holding an admission
	// slot.
	ActiveConnections prometheus.Gauge

	// RelayBytesTotal counts payload bytes relayed by direction
	// (client_to_target, target_to_client).
	RelayBytesTotal *prometheus.CounterVec

	// ErrorsTotal counts per-connection failures by class (sniff,
	// protocol, auth, connect, relay).
	ErrorsTotal *prometheus.CounterVec
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy",
			Name:      "connections_total",
			Help:      "Accepted connections by sniffed protocol.",
		}, []string{"protocol"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxy",
			Name:      "active_connections",
			Help:      "Connections currently holding an admission slot.",
		}),
		RelayBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy",
			Name:      "relay_bytes_total",
			Help:      "Payload bytes relayed by direction.",
		}, []string{"direction"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy",
			Name:      "errors_total",
			Help:      "Per-connection failures by class.",
		}, []string{"class"}),
	}

	registry.MustRegister(
		m.ConnectionsTotal,
		m.ActiveConnections,
		m.RelayBytesTotal,
		m.ErrorsTotal,
	)
	return m
}
