package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch outcomes partitioned by outcome (sent, retry, failed, claim_lost)
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_outcomes_total",
			Help: "Queue entry dispatch outcomes",
		},
		[]string{"outcome"},
	)

	// Claim attempts partitioned by result (won, lost)
	Claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_claims_total",
			Help: "Atomic claim attempts on due queue entries",
		},
		[]string{"result"},
	)

	StaleClaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_stale_claims_total",
			Help: "Processing entries requeued after exceeding the claim timeout",
		},
	)

	SentCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_sent_cache_hits_total",
			Help: "Dispatches that reused a provider message id instead of re-sending",
		},
	)

	ProviderLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider send latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Status callbacks partitioned by result (applied, noop, unknown, unmapped)
	ReconcileResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_results_total",
			Help: "Provider status callbacks by reconciliation result",
		},
		[]string{"result"},
	)

	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open realtime websocket connections",
		},
	)

	RealtimeDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_dropped_frames_total",
			Help: "Frames dropped from full per-connection send buffers",
		},
	)

	// Total HTTP requests partitioned by method, route, and status code
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records request metrics. The route label is the ServeMux
// pattern that matched, so path parameters do not blow up cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(sw.status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
