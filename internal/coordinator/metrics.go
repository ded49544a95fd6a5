package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relaystate/internal/telemetry"
)

type Metrics struct {
	lockWaits    *prometheus.HistogramVec
	lockTimeouts *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	findings     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		lockWaits: telemetry.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "coordinator",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a state lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"client", "type"})),
		lockTimeouts: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "coordinator",
			Name:      "lock_timeouts_total",
			Help:      "Lock requests abandoned before being granted.",
		}, []string{"client", "type"})),
		conflicts: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "coordinator",
			Name:      "conflicts_total",
			Help:      "Conflicts detected, by type and final status.",
		}, []string{"client", "type", "status"})),
		findings: telemetry.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: telemetry.Namespace,
			Subsystem: "coordinator",
			Name:      "audit_findings_total",
			Help:      "Audit findings by severity.",
		}, []string{"client", "severity"})),
	}
}

func (m *Metrics) lockWait(client string, typ LockType, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWaits.WithLabelValues(client, string(typ)).Observe(d.Seconds())
}

func (m *Metrics) lockTimeout(client string, typ LockType) {
	if m == nil {
		return
	}
	m.lockTimeouts.WithLabelValues(client, string(typ)).Inc()
}

func (m *Metrics) conflict(client string, rec ConflictRecord) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(client, string(rec.Type), string(rec.Status)).Inc()
}

func (m *Metrics) finding(client string, sev Severity) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(client, string(sev)).Inc()
}
