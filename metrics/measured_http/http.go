// Package measured_http wraps the router's mux with per-endpoint
// latency and in-flight instrumentation. Requests are labeled by the
// mux's registered pattern rather than the raw path, so pubkeys and
// document ids in URLs collapse into their route.
package measured_http

import (
	"net/http"
	"strconv"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kredo_http_request_duration_seconds",
			Help:    "Request latency by endpoint pattern, method, and status code.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"endpoint", "method", "code"})

	requestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kredo_http_requests_in_flight",
			Help: "Requests currently being served.",
		})
)

func init() {
	prometheus.MustRegister(requestDuration, requestsInFlight)
}

// statusRecorder captures the status code a handler writes so the
// observation after it returns can label the sample. Handlers that
// never call WriteHeader implicitly send 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Handler serves mux while recording a duration sample per request.
type Handler struct {
	mux       *http.ServeMux
	clk       clock.Clock
	durations *prometheus.HistogramVec
}

func New(mux *http.ServeMux, clk clock.Clock) *Handler {
	return &Handler{mux: mux, clk: clk, durations: requestDuration}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	begin := h.clk.Now()
	requestsInFlight.Inc()
	defer requestsInFlight.Dec()

	sub, pattern := h.mux.Handler(r)
	if pattern == "" {
		pattern = "unmatched"
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	sub.ServeHTTP(rec, r)

	h.durations.With(prometheus.Labels{
		"endpoint": pattern,
		"method":   r.Method,
		"code":     strconv.Itoa(rec.status),
	}).Observe(h.clk.Since(begin).Seconds())
}
