package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relaystate/internal/telemetry"
)

type Metrics struct {
	messages   *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	depth      *prometheus.GaugeVec
	drops      *prometheus.CounterVec
	heartbeat  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		messages: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Messages exchanged with the hub.",
		}, []string{"client", "direction"})),
		bytes: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Encoded bytes exchanged with the hub.",
		}, []string{"client", "direction"})),
		reconnects: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled.",
		}, []string{"client"})),
		depth: telemetry.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "transport",
			Name:      "outbox_depth",
			Help:      "Messages waiting in the outbox.",
		}, []string{"client"})),
		drops: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "transport",
			Name:      "outbox_dropped_total",
			Help:      "Messages discarded by the outbox overflow policy.",
		}, []string{"client"})),
		heartbeat: telemetry.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "transport",
			Name:      "heartbeat_latency_seconds",
			Help:      "Smoothed heartbeat round trip latency.",
		}, []string{"client"})),
	}
}

func (m *Metrics) sent(client string, n int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(client, "out").Inc()
	m.bytes.WithLabelValues(client, "out").Add(float64(n))
}

func (m *Metrics) received(client string, n int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(client, "in").Inc()
	m.bytes.WithLabelValues(client, "in").Add(float64(n))
}

func (m *Metrics) reconnect(client string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(client).Inc()
}

func (m *Metrics) outboxDepth(client string, n int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(client).Set(float64(n))
}

func (m *Metrics) dropped(client string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(client).Inc()
}

func (m *Metrics) latency(client string, d time.Duration) {
	if m == nil {
		return
	}
	m.heartbeat.WithLabelValues(client).Set(d.Seconds())
}
