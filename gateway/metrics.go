package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sngate"

// Metrics are the gateway's prometheus collectors.
type Metrics struct {
	Sessions       prometheus.Gauge
	PacketsIn      *prometheus.CounterVec
	PacketsOut     *prometheus.CounterVec
	UpstreamIn     *prometheus.CounterVec
	UpstreamOut    *prometheus.CounterVec
	DecodeErrors   prometheus.Counter
	Dropped        *prometheus.CounterVec
	SessionsClosed *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Number of client sessions in the session table.",
		}),
		PacketsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "client_packets_received_total",
			Help:      "Packets decoded from client datagrams, by type.",
		}, []string{"type"}),
		PacketsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "client_packets_sent_total",
			Help:      "Packets sent to clients, by type.",
		}, []string{"type"}),
		UpstreamIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broker_packets_received_total",
			Help:      "Packets read from broker connections, by type.",
		}, []string{"type"}),
		UpstreamOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broker_packets_sent_total",
			Help:      "Packets queued for broker connections, by type.",
		}, []string{"type"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams that could not be decoded.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_packets_total",
			Help:      "Client packets dropped without being processed, by reason.",
		}, []string{"reason"}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions removed from the session table, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.Sessions,
		m.PacketsIn,
		m.PacketsOut,
		m.UpstreamIn,
		m.UpstreamOut,
		m.DecodeErrors,
		m.Dropped,
		m.SessionsClosed,
	)

	return m
}
