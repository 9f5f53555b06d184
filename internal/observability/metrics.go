// Package observability holds the Prometheus instruments shared by the
// gateway and the order service.
//
// Instruments are registered on the Registerer handed to NewMetrics so tests
// can use an isolated prometheus.Registry.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "lifecontrol"

// Breaker state values exported on the breaker_state gauge.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

type Metrics struct {
	// Labels: route, outcome (forwarded, fallback, not_found, rate_limited)
	GatewayRequestsTotal *prometheus.CounterVec

	// Labels: route
	UpstreamDurationSeconds *prometheus.HistogramVec

	// Labels: name
	BreakerState *prometheus.GaugeVec

	// Labels: name, to
	BreakerTransitionsTotal *prometheus.CounterVec

	// Labels: outcome (placed, notification_failed, out_of_stock, dependency_unavailable, storage, internal)
	OrdersTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GatewayRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Inbound gateway requests by route and outcome",
			},
			[]string{"route", "outcome"},
		),
		UpstreamDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "upstream_duration_seconds",
				Help:      "Latency of forwarded backend calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		BreakerTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions by target state",
			},
			[]string{"name", "to"},
		),
		OrdersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "orders",
				Name:      "placements_total",
				Help:      "Order placement attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
