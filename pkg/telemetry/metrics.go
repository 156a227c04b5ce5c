package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for healing sessions.
// A nil *Metrics, or one created with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	activeSessions    prometheus.Gauge

	// Node metrics
	nodeAttempts     *prometheus.CounterVec
	transientRetries *prometheus.CounterVec
	heals            *prometheus.CounterVec

	// Oracle metrics
	oracleCalls    *prometheus.CounterVec
	oracleDuration *prometheus.HistogramVec

	// Remote API metrics
	remoteRequests *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec

	// Lifecycle metrics
	teardowns          *prometheus.CounterVec
	teardownDuration   prometheus.Histogram
	deployments        *prometheus.CounterVec
	deploymentDuration prometheus.Histogram

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of healing sessions started",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Total number of healing sessions completed by outcome",
		}, []string{"outcome"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of healing sessions in seconds",
			Buckets:   buckets,
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of running sessions",
		}),

		nodeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_attempts_total",
			Help:      "Total number of node create attempts by outcome",
		}, []string{"outcome"}),
		transientRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transient_retries_total",
			Help:      "Total number of retries after transient remote failures",
		}, []string{"action"}),
		heals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heals_total",
			Help:      "Total number of heal attempts by result",
		}, []string{"result"}),

		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_calls_total",
			Help:      "Total number of oracle consultations by result",
		}, []string{"result"}),
		oracleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_call_duration_seconds",
			Help:      "Duration of oracle consultations in seconds",
			Buckets:   buckets,
		}, []string{"result"}),

		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Total number of remote API requests",
		}, []string{"method", "status"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Duration of remote API requests in seconds",
			Buckets:   buckets,
		}, []string{"method"}),

		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_teardowns_total",
			Help:      "Total number of sandbox teardowns by result",
		}, []string{"result"}),
		teardownDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_teardown_duration_seconds",
			Help:      "Duration of sandbox teardown in seconds",
			Buckets:   buckets,
		}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Total number of production deployments by result",
		}, []string{"result"}),
		deploymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Duration of production deployments in seconds",
			Buckets:   buckets,
		}),

		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by kind and code",
		}, []string{"kind", "code"}),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.activeSessions,
		m.nodeAttempts,
		m.transientRetries,
		m.heals,
		m.oracleCalls,
		m.oracleDuration,
		m.remoteRequests,
		m.remoteDuration,
		m.teardowns,
		m.teardownDuration,
		m.deployments,
		m.deploymentDuration,
		m.errorsByKind,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Session Metrics

// RecordSessionStarted increments the counter for started sessions.
func (m *Metrics) RecordSessionStarted() {
	if !m.enabled() {
		return
	}
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

// RecordSessionCompleted records a completed session with its outcome and duration.
func (m *Metrics) RecordSessionCompleted(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.sessionsCompleted.WithLabelValues(outcome).Inc()
	m.sessionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeSessions.Dec()
}

// Node Metrics

// RecordNodeAttempt records one node create attempt.
func (m *Metrics) RecordNodeAttempt(outcome string) {
	if !m.enabled() {
		return
	}
	m.nodeAttempts.WithLabelValues(outcome).Inc()
}

// RecordTransientRetry records a retry after a transient failure.
func (m *Metrics) RecordTransientRetry(action string) {
	if !m.enabled() {
		return
	}
	m.transientRetries.WithLabelValues(action).Inc()
}

// RecordHeal records the result of one heal attempt (patched, no_fix, conflict, exhausted).
func (m *Metrics) RecordHeal(result string) {
	if !m.enabled() {
		return
	}
	m.heals.WithLabelValues(result).Inc()
}

// Oracle Metrics

// RecordOracleCall records an oracle consultation.
func (m *Metrics) RecordOracleCall(result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.oracleCalls.WithLabelValues(result).Inc()
	m.oracleDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// Remote Metrics

// RecordRemoteRequest records one remote API request. A zero status means
// the request never got a response.
func (m *Metrics) RecordRemoteRequest(method string, status int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.remoteRequests.WithLabelValues(method, label).Inc()
	m.remoteDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Lifecycle Metrics

// RecordTeardown records a sandbox teardown.
func (m *Metrics) RecordTeardown(ok bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.teardowns.WithLabelValues(resultLabel(ok)).Inc()
	m.teardownDuration.Observe(duration.Seconds())
}

// RecordDeployment records a production deployment.
func (m *Metrics) RecordDeployment(result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.deployments.WithLabelValues(result).Inc()
	m.deploymentDuration.Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by kind and optionally by code.
func (m *Metrics) RecordError(kind, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind, code).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("Serving metrics on %s%s", m.config.ListenAddress, path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
