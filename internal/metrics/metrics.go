// Package metrics registers the Prometheus collectors of the channel service.
// Names are prefixed with cs_ so dashboards can tell them apart from other
// services scraped by the same Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchRequests counts upstream partner-locator requests by outcome
	// (ok, timeout, network, http_4xx, http_5xx, cancelled).
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs_fetch_requests_total",
			Help: "Upstream partner-locator requests by outcome",
		},
		[]string{"outcome"},
	)

	// FetchDuration observes upstream request latency.
	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cs_fetch_duration_seconds",
			Help:    "Upstream partner-locator request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RegionScrapes counts finished region scrapes by region and result
	// (ok, partial, failed, cancelled).
	RegionScrapes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs_region_scrapes_total",
			Help: "Finished region scrapes by region and result",
		},
		[]string{"region", "result"},
	)

	// Sessions counts closed scrape sessions by data source and status.
	Sessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs_sessions_total",
			Help: "Closed scrape sessions by data source and final status",
		},
		[]string{"source", "status"},
	)

	// LifecycleEvents counts lifecycle events written by reconciliation.
	LifecycleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs_lifecycle_events_total",
			Help: "Lifecycle events written by reconciliation",
		},
		[]string{"type"},
	)

	// ScrapeRunning is 1 while a run holds the single-flight slot.
	ScrapeRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cs_scrape_running",
			Help: "1 while a scrape run is in progress",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cs_http_requests_total",
			Help: "HTTP requests served by the control API",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cs_http_request_duration_seconds",
			Help:    "Control API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// HTTPMiddleware records request counts and latency per chi route pattern.
// The pattern is used instead of the raw path to keep label cardinality bounded.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
