// Package metrics exposes Prometheus instrumentation on a private registry
// so only the application's own collectors are published.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ProxyRequests    *prometheus.CounterVec
	ManifestCache    *prometheus.CounterVec
	SegmentFetches   prometheus.Counter
	SegmentRetries   prometheus.Counter
	SegmentSkips     prometheus.Counter
	SegmentGiveUps   prometheus.Counter
	RecoveryAttempts *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	BytesProxied     prometheus.Counter
	ActiveSessions   prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "castproxy_proxy_requests_total",
			Help: "Proxy requests served, by kind (manifest or segment) and outcome.",
		}, []string{"kind", "outcome"}),
		ManifestCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "castproxy_manifest_cache_total",
			Help: "Manifest cache lookups, by result (hit or miss).",
		}, []string{"result"}),
		SegmentFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castproxy_segment_fetches_total",
			Help: "Segment fetch attempts against the origin.",
		}),
		SegmentRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castproxy_segment_retries_total",
			Help: "Segment fetch retries after an origin failure.",
		}),
		SegmentSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castproxy_segment_skips_total",
			Help: "Live segments silently retargeted to the next index after a 404.",
		}),
		SegmentGiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castproxy_segment_giveups_total",
			Help: "Segment fetches abandoned after the retry budget, answered with an empty body.",
		}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "castproxy_recovery_attempts_total",
			Help: "Stall recovery attempts, by phase.",
		}, []string{"phase"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "castproxy_reconnects_total",
			Help: "Receiver reconnect attempts, by outcome.",
		}, []string{"outcome"}),
		BytesProxied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castproxy_bytes_proxied_total",
			Help: "Segment bytes relayed to receivers.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "castproxy_active_sessions",
			Help: "Cast sessions currently registered.",
		}),
	}

	reg.MustRegister(
		m.ProxyRequests,
		m.ManifestCache,
		m.SegmentFetches,
		m.SegmentRetries,
		m.SegmentSkips,
		m.SegmentGiveUps,
		m.RecoveryAttempts,
		m.Reconnects,
		m.BytesProxied,
		m.ActiveSessions,
	)

	return m
}

// Handler serves the metrics endpoint. The update callback runs before each
// scrape so gauges reflect current state.
func (m *Metrics) Handler(update func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if update != nil {
			update()
		}
		inner.ServeHTTP(w, r)
	})
}
