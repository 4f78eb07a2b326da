package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	workDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	TransitionsTotal         *prometheus.CounterVec
	TransitionDuration       *prometheus.HistogramVec
	TransitionFailuresTotal  *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	BranchForksTotal         *prometheus.CounterVec
	BranchJoinsTotal         *prometheus.CounterVec
	SagaCompensationsTotal   *prometheus.CounterVec
	CircuitBreakerState      *prometheus.GaugeVec
	TransitionRetriesTotal   *prometheus.CounterVec

	// SLA metrics
	SLABreachesTotal    *prometheus.CounterVec
	SLAEscalationsTotal *prometheus.CounterVec
	StuckWorkflowsTotal *prometheus.CounterVec

	// Scheduler metrics
	JobsExecutedTotal *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	JobRetriesTotal   *prometheus.CounterVec
	DeadLettersTotal  *prometheus.CounterVec
	QueuePending      prometheus.Gauge
	QueueDeadLetters  prometheus.Gauge

	// Bus metrics
	FactsPublishedTotal    *prometheus.CounterVec
	PublishFailuresTotal   *prometheus.CounterVec
	OutboxReplayedTotal    prometheus.Counter
	DuplicatesDroppedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stateline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stateline_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stateline_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"workflow_id"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_transitions_total",
			Help: "Total number of applied transitions.",
		}, []string{"workflow_id", "to_state"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stateline_transition_duration_seconds",
			Help:    "Transition application duration in seconds.",
			Buckets: workDurationBuckets,
		}, []string{"workflow_id"}),
		TransitionFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_transition_failures_total",
			Help: "Total number of failed transitions by error code.",
		}, []string{"workflow_id", "code"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stateline_workflow_active_instances",
			Help: "Number of non-terminal workflow instances.",
		}, []string{"workflow_id"}),
		BranchForksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_branch_forks_total",
			Help: "Total number of parallel fork operations.",
		}, []string{"workflow_id"}),
		BranchJoinsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_branch_joins_total",
			Help: "Total number of completed joins.",
		}, []string{"workflow_id"}),
		SagaCompensationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_saga_compensations_total",
			Help: "Total number of compensated states.",
		}, []string{"workflow_id", "state"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stateline_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker_key"}),
		TransitionRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_transition_retries_total",
			Help: "Total number of transition retry attempts.",
		}, []string{"workflow_id"}),

		// SLA
		SLABreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_sla_breaches_total",
			Help: "Total number of SLA breaches forced.",
		}, []string{"workflow_id", "state"}),
		SLAEscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_sla_escalations_total",
			Help: "Total number of SLA escalations raised.",
		}, []string{"workflow_id", "action"}),
		StuckWorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_stuck_workflows_total",
			Help: "Total number of stuck workflow detections.",
		}, []string{"workflow_id"}),

		// Scheduler
		JobsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_jobs_executed_total",
			Help: "Total number of executed jobs by outcome.",
		}, []string{"job_name", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stateline_job_duration_seconds",
			Help:    "Job execution duration in seconds.",
			Buckets: workDurationBuckets,
		}, []string{"job_name"}),
		JobRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_job_retries_total",
			Help: "Total number of job retry attempts.",
		}, []string{"job_name"}),
		DeadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_dead_letters_total",
			Help: "Total number of jobs routed to the dead-letter queue.",
		}, []string{"job_name"}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stateline_queue_pending",
			Help: "Number of pending jobs in the durable queue.",
		}),
		QueueDeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stateline_queue_dead_letters",
			Help: "Number of entries in the dead-letter queue.",
		}),

		// Bus
		FactsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_facts_published_total",
			Help: "Total number of facts published per transport.",
		}, []string{"transport", "event_type"}),
		PublishFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_publish_failures_total",
			Help: "Total number of transport publish failures.",
		}, []string{"transport"}),
		OutboxReplayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stateline_outbox_replayed_total",
			Help: "Total number of outbox rows replayed by the poller.",
		}),
		DuplicatesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stateline_duplicates_dropped_total",
			Help: "Total number of duplicate envelopes suppressed by consumers.",
		}, []string{"consumer"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Engine
		m.WorkflowStartsTotal,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.TransitionFailuresTotal,
		m.WorkflowActiveInstances,
		m.BranchForksTotal,
		m.BranchJoinsTotal,
		m.SagaCompensationsTotal,
		m.CircuitBreakerState,
		m.TransitionRetriesTotal,
		// SLA
		m.SLABreachesTotal,
		m.SLAEscalationsTotal,
		m.StuckWorkflowsTotal,
		// Scheduler
		m.JobsExecutedTotal,
		m.JobDuration,
		m.JobRetriesTotal,
		m.DeadLettersTotal,
		m.QueuePending,
		m.QueueDeadLetters,
		// Bus
		m.FactsPublishedTotal,
		m.PublishFailuresTotal,
		m.OutboxReplayedTotal,
		m.DuplicatesDroppedTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a workflow instance start.
func (m *Metrics) RecordWorkflowStart(workflowID string) {
	m.WorkflowStartsTotal.WithLabelValues(workflowID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Inc()
}

// RecordTransition records an applied transition.
func (m *Metrics) RecordTransition(workflowID, toState string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(workflowID, toState).Inc()
	m.TransitionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordTransitionFailure records a failed transition by error code.
func (m *Metrics) RecordTransitionFailure(workflowID, code string) {
	m.TransitionFailuresTotal.WithLabelValues(workflowID, code).Inc()
}

// RecordWorkflowCompletion decrements the active instance gauge.
func (m *Metrics) RecordWorkflowCompletion(workflowID string) {
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Dec()
}

// RecordFork records a parallel fork.
func (m *Metrics) RecordFork(workflowID string) {
	m.BranchForksTotal.WithLabelValues(workflowID).Inc()
}

// RecordJoin records a completed join.
func (m *Metrics) RecordJoin(workflowID string) {
	m.BranchJoinsTotal.WithLabelValues(workflowID).Inc()
}

// RecordCompensation records one compensated state.
func (m *Metrics) RecordCompensation(workflowID, state string) {
	m.SagaCompensationsTotal.WithLabelValues(workflowID, state).Inc()
}

// SetCircuitBreakerState sets a breaker's state gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(breakerKey string, state float64) {
	m.CircuitBreakerState.WithLabelValues(breakerKey).Set(state)
}

// RecordSLABreach records a forced SLA breach.
func (m *Metrics) RecordSLABreach(workflowID, state string) {
	m.SLABreachesTotal.WithLabelValues(workflowID, state).Inc()
}

// RecordSLAEscalation records a raised escalation.
func (m *Metrics) RecordSLAEscalation(workflowID, action string) {
	m.SLAEscalationsTotal.WithLabelValues(workflowID, action).Inc()
}

// RecordStuckWorkflow records a stuck workflow detection.
func (m *Metrics) RecordStuckWorkflow(workflowID string) {
	m.StuckWorkflowsTotal.WithLabelValues(workflowID).Inc()
}

// RecordJobExecution records a job execution with its outcome
// ("success", "retry", or "dead_letter").
func (m *Metrics) RecordJobExecution(jobName, outcome string, duration time.Duration) {
	m.JobsExecutedTotal.WithLabelValues(jobName, outcome).Inc()
	m.JobDuration.WithLabelValues(jobName).Observe(duration.Seconds())
}

// RecordJobRetry records a job retry attempt.
func (m *Metrics) RecordJobRetry(jobName string) {
	m.JobRetriesTotal.WithLabelValues(jobName).Inc()
}

// RecordDeadLetter records a job routed to the dead-letter queue.
func (m *Metrics) RecordDeadLetter(jobName string) {
	m.DeadLettersTotal.WithLabelValues(jobName).Inc()
}

// SetQueueDepth sets the queue depth gauges.
func (m *Metrics) SetQueueDepth(pending, deadLetters int) {
	m.QueuePending.Set(float64(pending))
	m.QueueDeadLetters.Set(float64(deadLetters))
}

// RecordFactPublished records a successful transport publish.
func (m *Metrics) RecordFactPublished(transport, eventType string) {
	m.FactsPublishedTotal.WithLabelValues(transport, eventType).Inc()
}

// RecordPublishFailure records a transport publish failure.
func (m *Metrics) RecordPublishFailure(transport string) {
	m.PublishFailuresTotal.WithLabelValues(transport).Inc()
}

// RecordOutboxReplay records replayed outbox rows.
func (m *Metrics) RecordOutboxReplay(count int) {
	m.OutboxReplayedTotal.Add(float64(count))
}

// RecordDuplicateDropped records a suppressed duplicate envelope.
func (m *Metrics) RecordDuplicateDropped(consumer string) {
	m.DuplicatesDroppedTotal.WithLabelValues(consumer).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
