// Package observability exposes daemon health counters through a
// private prometheus registry served on the managed listener.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates every instrument the daemon records.
type Metrics struct {
	registry *prometheus.Registry

	PollsTotal        prometheus.Counter
	PollFailures      prometheus.Counter
	TokenRefreshes    prometheus.Counter
	TokenRefreshFails prometheus.Counter

	ResourceAcquires *prometheus.CounterVec
	ResourceReleases *prometheus.CounterVec
	ResourceFailures *prometheus.CounterVec

	StreamClients prometheus.Gauge
	FeedClients   *prometheus.GaugeVec
}

// New builds and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapoview_device_polls_total",
			Help: "Device enumeration polls attempted.",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapoview_device_poll_failures_total",
			Help: "Device enumeration polls that failed and were skipped.",
		}),
		TokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapoview_token_refreshes_total",
			Help: "Cloud token issuance calls performed.",
		}),
		TokenRefreshFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapoview_token_refresh_failures_total",
			Help: "Cloud token issuance calls rejected or failed.",
		}),
		ResourceAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tapoview_resource_acquires_total",
			Help: "Managed resource acquisitions.",
		}, []string{"resource"}),
		ResourceReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tapoview_resource_releases_total",
			Help: "Managed resource releases.",
		}, []string{"resource"}),
		ResourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tapoview_resource_failures_total",
			Help: "Managed resource acquire or release failures.",
		}, []string{"resource"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tapoview_stream_clients",
			Help: "Websocket clients attached to the camera relay.",
		}),
		FeedClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tapoview_feed_clients",
			Help: "Websocket clients attached to data feeds.",
		}, []string{"feed"}),
	}

	m.registry.MustRegister(
		m.PollsTotal, m.PollFailures,
		m.TokenRefreshes, m.TokenRefreshFails,
		m.ResourceAcquires, m.ResourceReleases, m.ResourceFailures,
		m.StreamClients, m.FeedClients,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
