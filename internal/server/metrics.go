package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	authFailures prometheus.Counter
	rateLimited  prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyfold",
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by route and status code.",
		}, []string{"route", "status"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfold",
			Name:      "auth_failures_total",
			Help:      "Requests rejected by signature or timestamp checks.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfold",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),
	}
	m.registry.MustRegister(m.requests, m.authFailures, m.rateLimited)
	return m
}

// trackLimiterUsers exposes the rate limiter's bucket count as a gauge.
func (m *metrics) trackLimiterUsers(size func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "keyfold",
		Name:      "rate_limiter_users",
		Help:      "Users currently tracked by the rate limiter.",
	}, size))
}

func (m *metrics) observe(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
