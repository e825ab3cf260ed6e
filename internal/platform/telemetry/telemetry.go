// Package telemetry wires the observability ambient: structured zerolog
// output with PHI redaction on every sink, and Prometheus HTTP metrics.
package telemetry

import (
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/platform/redact"
)

// NewLogger builds the process logger. All output passes through the PHI
// redactor before it reaches the sink; development mode uses the console
// writer, everything else emits JSON.
func NewLogger(level, env string, redactor *redact.Redactor) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var sink = zerolog.New(redact.NewWriter(redactor, os.Stderr))
	if env == "development" {
		console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		sink = zerolog.New(redact.NewWriter(redactor, console))
	}
	return sink.Level(lvl).With().Timestamp().Logger()
}

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_http_requests_total",
		Help: "HTTP requests by method, route, and status.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aegis_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "route"})

	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_http_active_requests",
		Help: "In-flight HTTP requests.",
	})
)

// HTTPMetrics instruments every request with the request counter, latency
// histogram, and in-flight gauge. Routes are recorded by pattern, not raw
// path, to bound cardinality.
func HTTPMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			activeRequests.Inc()
			start := time.Now()

			err := next(c)

			activeRequests.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			method := c.Request().Method
			httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			return err
		}
	}
}

// MetricsHandler serves the Prometheus exposition endpoint.
func MetricsHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
