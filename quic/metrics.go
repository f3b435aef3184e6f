package quic

import "github.com/prometheus/client_golang/prometheus"

// Package-wide gauges shared by every Engine in the process, mirroring
// h2mux/activestreammap.go's ActiveStreams gauge (registered once via
// init, incremented/decremented alongside the arena that owns the
// corresponding objects).
var (
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexus",
		Subsystem: "quic",
		Name:      "active_connections",
		Help:      "Number of open QUIC connections across all engines.",
	})
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexus",
		Subsystem: "quic",
		Name:      "active_streams",
		Help:      "Number of open QUIC streams across all connections.",
	})
	HandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "quic",
		Name:      "handshake_failures_total",
		Help:      "Number of connection handshakes that failed.",
	})
)

func init() {
	prometheus.MustRegister(ActiveConnections, ActiveStreams, HandshakeFailures)
}
