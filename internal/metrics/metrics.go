// Package metrics exposes the Prometheus collectors shared by the servers and
// background workers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pkifoundry"

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests handled, by route and status code.",
	}, []string{"route", "method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificates_issued_total",
		Help:      "Certificates signed, by source protocol and key algorithm.",
	}, []string{"source", "key_type"})

	CertificatesRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificates_revoked_total",
		Help:      "Certificates moved to the revoked state.",
	})

	OCSPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ocsp_responses_total",
		Help:      "OCSP responses produced, by response status and certificate status.",
	}, []string{"response_status", "cert_status"})

	ChallengeValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "challenge_validations_total",
		Help:      "ACME challenge validation attempts, by type and outcome.",
	}, []string{"type", "result"})

	WorkerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_runs_total",
		Help:      "Background worker passes, by worker and outcome.",
	}, []string{"worker", "result"})

	WorkerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_run_duration_seconds",
		Help:      "Duration of a background worker pass.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"worker"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency per matched route.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			code := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					code = he.Code
				} else if code < http.StatusBadRequest {
					code = http.StatusInternalServerError
				}
			}
			method := c.Request().Method
			HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
			HTTPDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ObserveWorker records the outcome of one worker pass.
func ObserveWorker(name string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	WorkerRuns.WithLabelValues(name, result).Inc()
	WorkerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
