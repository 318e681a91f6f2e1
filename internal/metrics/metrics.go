package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	Checkouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkouts_total",
			Help: "Checkout attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	ReferenceCollisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_reference_collisions_total",
			Help: "Candidate references that were already taken",
		},
	)

	ReferenceFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reference_fallbacks_total",
			Help: "References minted from the timestamp scheme",
		},
		[]string{"reason"},
	)

	FeedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_feed_events_total",
			Help: "Product change-feed events received",
		},
		[]string{"kind", "applied"},
	)

	RateFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_rate_fetches_total",
			Help: "Exchange rate polls by result",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal, HTTPRequestDuration, Checkouts,
			ReferenceCollisions, ReferenceFallbacks, FeedEvents, RateFetches)
	})
}

// Middleware records request counts and latency by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "undefined"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}
