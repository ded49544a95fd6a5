package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relaystate/internal/telemetry"
	"github.com/agentworkforce/relaystate/internal/transport"
)

type Metrics struct {
	peers       *prometheus.GaugeVec
	messages    *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	authFailed  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		peers: telemetry.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "hub",
			Name:      "peers",
			Help:      "Peers connected per client.",
		}, []string{"client"})),
		messages: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "hub",
			Name:      "messages_total",
			Help:      "Messages relayed by the hub.",
		}, []string{"client", "type"})),
		rateLimited: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "hub",
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the per-peer rate limit.",
		}, []string{"client"})),
		authFailed: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "hub",
			Name:      "auth_failures_total",
			Help:      "Rejected handshakes and requests.",
		}, []string{"code"})),
		dropped: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "hub",
			Name:      "slow_peers_dropped_total",
			Help:      "Peers disconnected because their send buffer was full.",
		}, []string{"client"})),
	}
}

func (m *Metrics) peerCount(clientID string, n int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues(clientID).Set(float64(n))
}

func (m *Metrics) relayed(clientID string, typ transport.MessageType) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(clientID, string(typ)).Inc()
}

func (m *Metrics) limited(clientID string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(clientID).Inc()
}

func (m *Metrics) authFailure(code string) {
	if m == nil {
		return
	}
	m.authFailed.WithLabelValues(code).Inc()
}

func (m *Metrics) slowPeer(clientID string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(clientID).Inc()
}
