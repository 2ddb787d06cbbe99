package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admissions_total",
			Help: "Total number of patient admissions",
		},
		[]string{"kind"},
	)

	dischargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discharges_total",
			Help: "Total number of patient discharges",
		},
		[]string{"kind"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patient_status_transitions_total",
			Help: "Total number of patient status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	recordNumberAssignments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "record_number_assignments_total",
			Help: "Total number of record number assignments",
		},
	)

	reconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_records_total",
			Help: "Total number of reconciled legacy feed records by outcome",
		},
		[]string{"result"},
	)

	reconcileEpisodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_episodes_total",
			Help: "Admission episodes opened or closed by reconciliation",
		},
		[]string{"action"},
	)

	reconcileBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_batch_duration_seconds",
			Help:    "Duration of reconciliation batch runs in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
	)

	historyChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_changes_total",
			Help: "Total number of change records written to the history stream",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Business metric helpers ---

// RecordAdmission records a patient admission
func RecordAdmission(kind string) {
	admissionsTotal.WithLabelValues(kind).Inc()
}

// RecordDischarge records a patient discharge
func RecordDischarge(kind string) {
	dischargesTotal.WithLabelValues(kind).Inc()
}

// RecordStatusTransition records a patient status transition
func RecordStatusTransition(fromStatus, toStatus string) {
	statusTransitions.WithLabelValues(fromStatus, toStatus).Inc()
}

// RecordRecordNumberAssignment records a record number assignment
func RecordRecordNumberAssignment() {
	recordNumberAssignments.Inc()
}

// RecordReconcileOutcome records the outcome of a single feed record
func RecordReconcileOutcome(result string) {
	reconcileOutcomes.WithLabelValues(result).Inc()
}

// RecordReconcileEpisode records an episode opened or closed by reconciliation
func RecordReconcileEpisode(action string) {
	reconcileEpisodes.WithLabelValues(action).Inc()
}

// RecordReconcileBatch records a completed batch run
func RecordReconcileBatch(duration time.Duration) {
	reconcileBatchDuration.Observe(duration.Seconds())
}

// RecordHistoryChange records a change appended to the history stream
func RecordHistoryChange() {
	historyChangesTotal.Inc()
}
