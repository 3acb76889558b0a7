package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the proxy listener.
// Pass to components that need to record metrics.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ExchangesTotal    *prometheus.CounterVec
	ExchangeDuration  *prometheus.HistogramVec
	ActiveSessions    prometheus.Gauge
	TunnelsTotal      prometheus.Counter
	InterceptsTotal   prometheus.Counter
	AuthFailuresTotal prometheus.Counter
	RateLimitedTotal  prometheus.Counter
}

// NewMetrics creates and registers all proxy metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "titanium",
				Name:      "connections_total",
				Help:      "Total number of accepted client connections",
			},
		),
		ExchangesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "titanium",
				Name:      "exchanges_total",
				Help:      "Total number of completed request/response exchanges",
			},
			[]string{"outcome"}, // forwarded, short_circuited, failed
		),
		ExchangeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "titanium",
				Name:      "exchange_duration_seconds",
				Help:      "Exchange duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scheme"}, // http, https
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "titanium",
				Name:      "active_sessions",
				Help:      "Number of in-flight exchanges",
			},
		),
		TunnelsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "titanium",
				Name:      "tunnels_total",
				Help:      "Total number of raw CONNECT tunnels established",
			},
		),
		InterceptsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "titanium",
				Name:      "intercepts_total",
				Help:      "Total number of TLS-inspected CONNECT sessions",
			},
		),
		AuthFailuresTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "titanium",
				Name:      "auth_failures_total",
				Help:      "Total number of rejected proxy authentication attempts",
			},
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "titanium",
				Name:      "rate_limited_total",
				Help:      "Total number of connections rejected by rate limiting",
			},
		),
	}
}
