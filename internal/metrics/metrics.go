// Package metrics provides the Prometheus metrics bunnel-server exposes
// on /metrics. Grounded on postalsys-Muti-Metroo's internal/metrics
// package, trimmed to the counters/gauges the tunnel lifecycle produces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bunnel"

// Metrics holds every counter and gauge bunnel-server records.
type Metrics struct {
	TunnelsOnline     prometheus.Gauge
	TunnelsRegistered prometheus.Counter
	TunnelsReaped     *prometheus.CounterVec

	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	PendingRequests prometheus.Gauge

	BytesIn  prometheus.Counter
	BytesOut prometheus.Counter
}

// New builds a Metrics instance registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TunnelsOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_online",
			Help:      "Number of tunnels currently in the Online state",
		}),
		TunnelsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_registered_total",
			Help:      "Total tunnels registered (fresh agent control connections)",
		}),
		TunnelsReaped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_reaped_total",
			Help:      "Total tunnels reaped, by reason",
		}, []string{"reason"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total tunneled HTTP requests, by outcome",
		}, []string{"outcome"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Histogram of tunneled request round-trip latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Number of requests currently awaiting an agent response",
		}),
		BytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_in_total",
			Help:      "Total request body bytes forwarded to agents",
		}),
		BytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_out_total",
			Help:      "Total response body bytes relayed back to callers",
		}),
	}
}

// Reasons recorded against TunnelsReaped.
const (
	ReasonGraceExpired = "grace_expired"
	ReasonIdle         = "idle"
	ReasonProtocol     = "protocol_violation"
	ReasonSendFailed   = "send_failed"
	ReasonShutdown     = "shutdown"
)

// Outcomes recorded against RequestsTotal.
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeTimeout      = "timeout"
	OutcomeTunnelLost   = "tunnel_lost"
	OutcomeBodyTooLarge = "body_too_large"
)
