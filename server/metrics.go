package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the HTTP-level collectors of the BFF.
type Metrics struct {
	callbacks       *prometheus.CounterVec
	loginRedirects  prometheus.Counter
	logouts         prometheus.Counter
	rateLimited     prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bff",
			Name:      "callbacks_total",
			Help:      "Authorization callbacks by outcome.",
		}, []string{"outcome"}),
		loginRedirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bff",
			Name:      "login_redirects_total",
			Help:      "Redirects issued to the identity provider.",
		}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bff",
			Name:      "logouts_total",
			Help:      "Logout requests.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bff",
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bff",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.callbacks, m.loginRedirects, m.logouts, m.rateLimited, m.requestDuration)
	}
	return m
}
