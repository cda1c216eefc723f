package httpx

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Middleware returns gorilla/mux middleware that tracks:
//   - zbxbridge_http_requests_total (counter): by method, route, status
//   - zbxbridge_http_request_duration_seconds (histogram): request latency
//
// Routes are labelled by their path template, so the label set stays
// bounded whatever clients request.
func Middleware(reg prometheus.Registerer) mux.MiddlewareFunc {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zbxbridge",
		Name:      "http_requests_total",
		Help:      "Status server requests by method, route and status",
	}, []string{"method", "route", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zbxbridge",
		Name:      "http_request_duration_seconds",
		Help:      "Status server request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
	reg.MustRegister(requests, duration)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cr := mux.CurrentRoute(r); cr != nil {
				if tmpl, err := cr.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			requests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpx: response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
