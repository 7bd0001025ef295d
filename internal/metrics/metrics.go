// Package metrics provides Prometheus metrics for the bridge daemon. Each
// daemon registers them in its own registry, which is not served over any
// HTTP endpoint; the Control Surface status reads its counts from the hub
// and daemon directly, not from these metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bridge"

// Metrics holds every Prometheus metric the bridge daemon records.
type Metrics struct {
	// Upgrades and rate limiting (Rate & Quota Guard, spec.md §4.D)
	ConnectionsTotal       prometheus.Counter
	UpgradesRejectedTotal  *prometheus.CounterVec
	SessionsAttached       prometheus.Gauge

	// Authentication (Session State Machine, spec.md §4.F)
	AuthFailuresTotal   *prometheus.CounterVec
	AuthSuccessesTotal  prometheus.Counter
	PendingApprovals    prometheus.Gauge

	// Broadcast Hub (spec.md §4.G)
	ReplayBufferBytes  prometheus.Gauge
	PTYBytesPublished  prometheus.Counter
	SessionsDetached   *prometheus.CounterVec

	// Tunnel subprocess (spec.md §6)
	TunnelRestartsTotal prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide Metrics instance, registered against
// the default Prometheus registerer. Most callers should use an explicit
// instance from New instead; Default exists for package-level helpers and
// tests that don't wire a registry through.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates a Metrics instance with every metric registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total WebSocket upgrades accepted by the Rate & Quota Guard.",
		}),
		UpgradesRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_rejected_total",
			Help:      "Total WebSocket upgrades rejected, by reason.",
		}, []string{"reason"}),
		SessionsAttached: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_attached",
			Help:      "Number of sessions currently attached to the Broadcast Hub.",
		}),

		AuthFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures, by reason.",
		}, []string{"reason"}),
		AuthSuccessesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_successes_total",
			Help:      "Total successful challenge-response authentications.",
		}),
		PendingApprovals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Number of unknown identities awaiting external TOFU approval.",
		}),

		ReplayBufferBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_buffer_bytes",
			Help:      "Current size in bytes of the Broadcast Hub's replay buffer.",
		}),
		PTYBytesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pty_bytes_published_total",
			Help:      "Total sanitized PTY output bytes published to the Broadcast Hub.",
		}),
		SessionsDetached: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_detached_total",
			Help:      "Total sessions detached from the Broadcast Hub, by reason.",
		}, []string{"reason"}),

		TunnelRestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_restarts_total",
			Help:      "Total times the tunnel subprocess has been (re)started.",
		}),
	}
}

// RecordUpgrade records an accepted WebSocket upgrade.
func (m *Metrics) RecordUpgrade() {
	m.ConnectionsTotal.Inc()
}

// RecordUpgradeRejected records a rejected upgrade attempt, by reason
// (e.g. "rate_limit", "origin").
func (m *Metrics) RecordUpgradeRejected(reason string) {
	m.UpgradesRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordAuthFailure records a failed authentication attempt, by reason
// (e.g. "bad_signature", "challenge_expired", "attempts_exceeded").
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordAuthSuccess records a successful authentication.
func (m *Metrics) RecordAuthSuccess() {
	m.AuthSuccessesTotal.Inc()
}

// SetPendingApprovals sets the current count of identities awaiting TOFU
// approval.
func (m *Metrics) SetPendingApprovals(n int) {
	m.PendingApprovals.Set(float64(n))
}

// SessionAttached records a session attaching to the Broadcast Hub.
func (m *Metrics) SessionAttached() {
	m.SessionsAttached.Inc()
}

// SessionDetached records a session detaching from the Broadcast Hub, by
// reason (e.g. "client_close", "slow_consumer", "protocol_violation").
func (m *Metrics) SessionDetached(reason string) {
	m.SessionsAttached.Dec()
	m.SessionsDetached.WithLabelValues(reason).Inc()
}

// RecordPTYPublish records bytes published to the Broadcast Hub and the
// replay buffer's resulting size.
func (m *Metrics) RecordPTYPublish(n int, replayBufferSize int) {
	m.PTYBytesPublished.Add(float64(n))
	m.ReplayBufferBytes.Set(float64(replayBufferSize))
}

// RecordTunnelRestart records the tunnel subprocess being (re)started.
func (m *Metrics) RecordTunnelRestart() {
	m.TunnelRestartsTotal.Inc()
}
