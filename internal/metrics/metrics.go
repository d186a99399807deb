// Package metrics exposes Prometheus collectors for the intent pipeline,
// the projection engine, and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the platform's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mdmplatform",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdmplatform",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mdmplatform",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	intentsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdmplatform",
		Subsystem: "intents",
		Name:      "processed_total",
		Help:      "Total number of intents run through the pipeline, by type and outcome.",
	}, []string{"intent_type", "status"})

	intentDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mdmplatform",
		Subsystem: "intents",
		Name:      "turn_duration_seconds",
		Help:      "Duration of one canonical intent turn, start to commit or rollback.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"intent_type"})

	ruleEvaluations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mdmplatform",
		Subsystem: "rules",
		Name:      "evaluation_duration_seconds",
		Help:      "Duration of a single rule evaluation within a turn.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"rule_id", "result"})

	deadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdmplatform",
		Subsystem: "projections",
		Name:      "dead_letters_total",
		Help:      "Total number of events dead-lettered during a projection rebuild.",
	}, []string{"projection_type"})

	projectionLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mdmplatform",
		Subsystem: "projections",
		Name:      "lag_events",
		Help:      "Number of events a projection rebuild processed since the last reset.",
	}, []string{"projection_type"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		intentsProcessed,
		intentDuration,
		ruleEvaluations,
		deadLetters,
		projectionLag,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP request-count and latency metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordIntent records the outcome and duration of one intent turn.
func RecordIntent(intentType, status string, duration time.Duration) {
	if intentType == "" {
		intentType = "unknown"
	}
	intentsProcessed.WithLabelValues(intentType, status).Inc()
	intentDuration.WithLabelValues(intentType).Observe(duration.Seconds())
}

// RecordRuleEvaluation records one rule's evaluation latency and result.
func RecordRuleEvaluation(ruleID, result string, elapsed time.Duration) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	ruleEvaluations.WithLabelValues(ruleID, result).Observe(elapsed.Seconds())
}

// RecordDeadLetter increments the dead-letter counter for projectionType.
func RecordDeadLetter(projectionType string) {
	deadLetters.WithLabelValues(projectionType).Inc()
}

// RecordProjectionLag sets the last observed replay size for projectionType.
func RecordProjectionLag(projectionType string, eventsProcessed int) {
	projectionLag.WithLabelValues(projectionType).Set(float64(eventsProcessed))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path-parameterized routes (e.g.
// /projections/vendor_list) to their route shape so the method/path/status
// label set stays bounded regardless of how many projection or event types
// exist.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "audit":
		if len(parts) >= 3 && parts[1] == "events" {
			return "/audit/events/:id"
		}
		return "/audit/events"
	case "projections":
		if len(parts) >= 3 {
			return "/projections/:type/" + strings.Join(parts[2:], "/")
		}
		return "/projections/:type"
	case "event-types":
		if len(parts) >= 2 {
			return "/event-types/:name"
		}
		return "/event-types"
	default:
		return "/" + parts[0]
	}
}
