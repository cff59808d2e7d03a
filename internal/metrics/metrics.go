// Package metrics holds the daemon's Prometheus instrumentation. Collectors
// register on the default registry at init; the router serves them on
// /metrics without authentication.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "k7_http_requests_total",
		Help: "HTTP requests served, by route template and status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "k7_http_request_duration_seconds",
		Help:    "HTTP request latency, by route template.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"method", "path"})

	SandboxesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "k7_sandboxes_created_total",
		Help: "Sandboxes accepted for provisioning.",
	})

	SandboxesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "k7_sandboxes_deleted_total",
		Help: "Sandboxes fully torn down.",
	})

	SandboxesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "k7_sandboxes_failed_total",
		Help: "Sandboxes that ended in the failed state.",
	})

	SandboxReadySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "k7_sandbox_ready_seconds",
		Help:    "Time a readiness watch ran before its sandbox turned Running.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	ShellSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "k7_shell_sessions_active",
		Help: "Interactive shell sessions currently bridged.",
	})
)

// Middleware records per-route request counts and latencies. Requests that
// match no route are skipped so unmatched paths cannot grow the label space.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			return
		}
		status := strconv.Itoa(c.Writer.Status())
		requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
