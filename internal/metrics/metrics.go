// Package metrics holds the hub's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the mesh hub core.
type Metrics struct {
	// Transport
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesDropped  *prometheus.CounterVec
	SendsTotal        *prometheus.CounterVec

	// Registry
	DevicesOnline prometheus.Gauge

	// Automation
	RuleFires prometheus.Counter

	// OTA
	OTAChunksSent prometheus.Counter

	// Federation
	FederationLinksConnected prometheus.Gauge
}

// New creates and registers the hub metrics against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry to
// avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EnvelopesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_envelopes_received_total",
				Help: "Envelopes accepted by the transport, by message type",
			},
			[]string{"type"},
		),
		EnvelopesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_envelopes_dropped_total",
				Help: "Envelopes dropped at the transport boundary, by reason",
			},
			[]string{"reason"}, // auth, replay, revoked, decrypt, protocol, unknown_type
		),
		SendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_sends_total",
				Help: "Outbound envelope sends, by result",
			},
			[]string{"result"}, // ok, no_peer, dial_error, write_error
		),
		DevicesOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_devices_online",
				Help: "Devices currently marked online in the registry",
			},
		),
		RuleFires: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_rule_fires_total",
				Help: "Automation rules fired",
			},
		),
		OTAChunksSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_ota_chunks_sent_total",
				Help: "Firmware chunks streamed to devices",
			},
		),
		FederationLinksConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_federation_links_connected",
				Help: "Peer hub links currently connected",
			},
		),
	}
}

// NewNop returns metrics bound to a throwaway registry, for components
// constructed without instrumentation.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
