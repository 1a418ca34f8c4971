// Package metrics provides Prometheus metrics collection for the execution core.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the Telemetry Hub (component K) exposes
// alongside its own in-memory roll-up store.
type Metrics struct {
	// HTTP metrics (thin edge: health, telemetry subscribe)
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Execution Runner metrics
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	RunnerQueueDepth     prometheus.Gauge
	RunnerRunningCount   prometheus.Gauge

	// Scheduler metrics
	ScheduledJobsDue *prometheus.CounterVec

	// Sandbox metrics
	SandboxEvalTotal    *prometheus.CounterVec
	SandboxEvalDuration *prometheus.HistogramVec

	// Persistence Gateway metrics
	GatewayQueriesTotal  *prometheus.CounterVec
	GatewayQueryDuration *prometheus.HistogramVec

	// Rate & Admission Control metrics
	AdmissionDecisionsTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of in-flight HTTP requests"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "errors_total", Help: "Total number of errors by kind"},
			[]string{"service", "code", "component"},
		),
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "executions_total", Help: "Total number of job executions by terminal status"},
			[]string{"service", "status", "trigger"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "execution_duration_seconds",
				Help:    "Execution wall-clock duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"service", "job_id"},
		),
		RunnerQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "runner_queue_depth", Help: "Number of executions currently queued"},
		),
		RunnerRunningCount: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "runner_running_count", Help: "Number of executions currently running"},
		),
		ScheduledJobsDue: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scheduler_jobs_due_total", Help: "Total number of jobs found due on a scheduler tick"},
			[]string{"service"},
		),
		SandboxEvalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sandbox_evaluations_total", Help: "Total number of expression sandbox evaluations"},
			[]string{"service", "outcome"},
		),
		SandboxEvalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_evaluation_duration_seconds",
				Help:    "Expression sandbox evaluation duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"service"},
		),
		GatewayQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gateway_queries_total", Help: "Total number of persistence gateway queries"},
			[]string{"service", "operation", "status"},
		),
		GatewayQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_query_duration_seconds",
				Help:    "Persistence gateway query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		AdmissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "admission_decisions_total", Help: "Total number of rate-limit admission decisions"},
			[]string{"service", "decision"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service build information"},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.ExecutionsTotal,
			m.ExecutionDuration,
			m.RunnerQueueDepth,
			m.RunnerRunningCount,
			m.ScheduledJobsDue,
			m.SandboxEvalTotal,
			m.SandboxEvalDuration,
			m.GatewayQueriesTotal,
			m.GatewayQueryDuration,
			m.AdmissionDecisionsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(service, code, component string) {
	m.ErrorsTotal.WithLabelValues(service, code, component).Inc()
}

func (m *Metrics) RecordExecution(service, status, trigger, jobID string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(service, status, trigger).Inc()
	m.ExecutionDuration.WithLabelValues(service, jobID).Observe(duration.Seconds())
}

func (m *Metrics) SetRunnerGauges(queueDepth, running int) {
	m.RunnerQueueDepth.Set(float64(queueDepth))
	m.RunnerRunningCount.Set(float64(running))
}

func (m *Metrics) RecordScheduledJobsDue(service string, count int) {
	m.ScheduledJobsDue.WithLabelValues(service).Add(float64(count))
}

func (m *Metrics) RecordSandboxEval(service, outcome string, duration time.Duration) {
	m.SandboxEvalTotal.WithLabelValues(service, outcome).Inc()
	m.SandboxEvalDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (m *Metrics) RecordGatewayQuery(service, operation, status string, duration time.Duration) {
	m.GatewayQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.GatewayQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordAdmissionDecision(service, decision string) {
	m.AdmissionDecisionsTotal.WithLabelValues(service, decision).Inc()
}

func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return environment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
