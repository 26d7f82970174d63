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
)

const namespace = "twinmind"

// Control API metrics, labelled by chi route pattern.
var (
	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Control API requests by route and response code.",
	}, []string{"method", "route", "code"})

	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Control API request latency. Live websocket streams are excluded.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"method", "route"})
)

// Pipeline counters, incremented by the session controller.
var (
	SegmentsClosedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_closed_total",
		Help:      "Total audio segments closed by the segmenter.",
	})

	SegmentOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segment_outcomes_total",
		Help:      "Segments by final dispatch outcome (transcribed, queued, failed).",
	}, []string{"outcome"})

	TranscriptionRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcription_requests_total",
		Help:      "Transcription attempts by provider and result kind.",
	}, []string{"provider", "result"})

	TranscriptionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transcription_duration_seconds",
		Help:      "Duration of a single transcription attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms → 32s
	}, []string{"provider"})

	TranscriptionRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcription_retries_total",
		Help:      "Total backoff waits before a transcription retry.",
	})

	QueueDrainsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_drains_total",
		Help:      "Total offline queue drain passes.",
	})

	QueueDrainedEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_drained_entries_total",
		Help:      "Queue entries processed during drains by result (succeeded, still_failed, abandoned).",
	}, []string{"result"})

	ConnectivityTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connectivity_transitions_total",
		Help:      "Connectivity transitions observed by state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal,
		APIRequestDuration,
		SegmentsClosedTotal,
		SegmentOutcomesTotal,
		TranscriptionRequestsTotal,
		TranscriptionDuration,
		TranscriptionRetriesTotal,
		QueueDrainsTotal,
		QueueDrainedEntriesTotal,
		ConnectivityTransitionsTotal,
	)
}

// InstrumentHandler records request count and latency per route. Hijacked
// connections are counted once with code 101 and no latency sample.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		if !sw.hijacked {
			APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the instrumented writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.hijacked = true
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
