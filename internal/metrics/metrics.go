package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codecanvas",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"service", "method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codecanvas",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "method", "path", "status"})

	httpInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codecanvas",
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	}, []string{"service"})

	// ActiveRooms counts rooms with live state in the registry.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codecanvas",
		Name:      "active_rooms",
		Help:      "Rooms currently held in memory",
	})

	// ActiveConnections counts WebSocket clients attached to the fabric.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codecanvas",
		Name:      "active_connections",
		Help:      "WebSocket connections currently attached",
	})

	// Events counts inbound protocol events by type.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codecanvas",
		Name:      "ws_events_total",
		Help:      "Inbound WebSocket events by type",
	}, []string{"type"})

	// DroppedFrames counts frames discarded for slow or closed clients.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codecanvas",
		Name:      "ws_dropped_frames_total",
		Help:      "Outbound frames dropped because a client was slow or gone",
	})

	// StoreOps counts document store tasks by operation and outcome.
	StoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codecanvas",
		Name:      "store_operations_total",
		Help:      "Document store operations by operation and result",
	}, []string{"op", "result"})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codecanvas",
		Name:      "store_operation_duration_seconds",
		Help:      "Duration of document store operations in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

// ObserveStore records one store operation.
func ObserveStore(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreOps.WithLabelValues(op, result).Inc()
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the WebSocket upgrade to pass through the middleware.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		r.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics with Prometheus labels. The path label is
// the chi route pattern so room ids do not explode label cardinality.
func Middleware(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			httpInFlight.WithLabelValues(service).Inc()
			defer httpInFlight.WithLabelValues(service).Dec()

			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}
			labels := prometheus.Labels{
				"service": service,
				"method":  r.Method,
				"path":    path,
				"status":  strconv.Itoa(rec.status),
			}
			httpRequests.With(labels).Inc()
			httpLatency.With(labels).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
