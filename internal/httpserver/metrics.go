package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	uploadBytes prometheus.Counter
	thumbHits   prometheus.Counter
	thumbMisses prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediawall",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediawall",
			Name:      "http_request_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mediawall",
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted by upload endpoints.",
		}),
		thumbHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mediawall",
			Name:      "thumb_cache_hits_total",
			Help:      "Thumbnail requests served from the cache.",
		}),
		thumbMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mediawall",
			Name:      "thumb_cache_misses_total",
			Help:      "Thumbnail requests that rendered a new thumbnail.",
		}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observe(route string, status int, started time.Time) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(time.Since(started).Seconds())
}
