package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const outcomeSuccess = "success"

// Metrics records login flow counters on a private registry.
type Metrics struct {
	registry         *prometheus.Registry
	logins           *prometheus.CounterVec
	callbacks        *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
	requests         *prometheus.CounterVec
}

// NewMetrics registers the collectors used by the service.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oidclogin",
			Name:      "logins_started_total",
			Help:      "Authorization redirects issued, by result.",
		}, []string{"result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oidclogin",
			Name:      "callbacks_total",
			Help:      "Completed callback requests, by terminal outcome.",
		}, []string{"outcome"}),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oidclogin",
			Name:      "token_exchange_duration_seconds",
			Help:      "Latency of authorization code exchanges against the token endpoint.",
			Buckets:   prometheus.DefBuckets,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oidclogin",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.logins,
		m.callbacks,
		m.exchangeDuration,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) loginStarted(ok bool) {
	result := outcomeSuccess
	if !ok {
		result = "error"
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) callbackFinished(outcome string) {
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeExchange(d time.Duration) {
	m.exchangeDuration.Observe(d.Seconds())
}

func (m *Metrics) requestServed(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
