package statestore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relaystate/internal/telemetry"
)

type LatencyRecorder interface {
	ObserveLatency(op string, d time.Duration)
}

type updateObserver interface {
	ObserveUpdate(t UpdateType, status UpdateStatus)
}

// Metrics is a Prometheus backed LatencyRecorder. Methods are no-ops on a
// nil receiver.
type Metrics struct {
	clientID string
	latency  *prometheus.HistogramVec
	updates  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, clientID string) *Metrics {
	return &Metrics{
		clientID: clientID,
		latency: telemetry.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of state store operations.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"client", "op"})),
		updates: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "store",
			Name:      "updates_total",
			Help:      "State updates processed, by type and final status.",
		}, []string{"client", "type", "status"})),
	}
}

func (m *Metrics) ObserveLatency(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(m.clientID, op).Observe(d.Seconds())
}

func (m *Metrics) ObserveUpdate(t UpdateType, status UpdateStatus) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(m.clientID, string(t), string(status)).Inc()
}
