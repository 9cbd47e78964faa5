package metrics

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// BandwidthMonitor tracks HTTP request/response sizes and latency per route.
type BandwidthMonitor struct {
	bytesReceived *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	requestSize   *prometheus.HistogramVec
	responseSize  *prometheus.HistogramVec
	duration      *prometheus.HistogramVec
}

// NewBandwidthMonitor creates the collectors and registers them with reg.
func NewBandwidthMonitor(reg prometheus.Registerer) *BandwidthMonitor {
	bm := &BandwidthMonitor{
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishtest_http_request_bytes_total",
			Help: "Total bytes received in HTTP requests",
		}, []string{"method", "route"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishtest_http_response_bytes_total",
			Help: "Total bytes sent in HTTP responses",
		}, []string{"method", "route", "status"}),
		requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fishtest_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "route"}),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fishtest_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fishtest_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(bm.bytesReceived, bm.bytesSent, bm.requestSize, bm.responseSize, bm.duration)
	return bm
}

// Middleware records sizes and latency. Routes are labelled by their mux
// template so task ids do not explode label cardinality.
func (bm *BandwidthMonitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r)
		timer := prometheus.NewTimer(bm.duration.WithLabelValues(r.Method, route))
		defer timer.ObserveDuration()

		if r.ContentLength > 0 {
			bm.bytesReceived.WithLabelValues(r.Method, route).Add(float64(r.ContentLength))
			bm.requestSize.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		if rw.bytesWritten > 0 {
			status := strconv.Itoa(rw.statusCode)
			bm.bytesSent.WithLabelValues(r.Method, route, status).Add(float64(rw.bytesWritten))
			bm.responseSize.WithLabelValues(r.Method, route, status).Observe(float64(rw.bytesWritten))
		}
	})
}

func routeLabel(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "other"
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
