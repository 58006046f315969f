package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	lockAcquisitions *prometheus.CounterVec
	lockWaitDuration *prometheus.HistogramVec

	ipcConnectAttempts *prometheus.CounterVec
	ipcRequests        *prometheus.CounterVec

	coordinatorPhases   *prometheus.CounterVec
	coordinatorOutcomes *prometheus.CounterVec

	sessionLoadDuration *prometheus.HistogramVec
	sessionSaveDuration prometheus.Histogram
	legacySubstitutions *prometheus.CounterVec

	workerBootstraps *prometheus.CounterVec
	workerActive     prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			lockAcquisitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "solo_lock_acquisitions_total",
					Help: "Session lock acquisition attempts by result.",
				},
				[]string{"result"},
			),
			lockWaitDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "solo_lock_wait_duration_seconds",
					Help:    "Time spent waiting for the session lock by result.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"result"},
			),
			ipcConnectAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "solo_ipc_connect_attempts_total",
					Help: "Worker channel connect attempts by result.",
				},
				[]string{"result"},
			),
			ipcRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "solo_ipc_requests_total",
					Help: "Requests served by the worker channel by method and status.",
				},
				[]string{"method", "status"},
			),
			coordinatorPhases: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "solo_coordinator_phase_total",
					Help: "Coordinator state machine transitions by phase.",
				},
				[]string{"phase"},
			),
			coordinatorOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "solo_coordinator_outcomes_total",
					Help: "Coordination results by outcome.",
				},
				[]string{"outcome"},
			),
			sessionLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "solo_session_load_duration_seconds",
					Help:    "Full session deserialization duration by blob format.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"format"},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "solo_session_save_duration_seconds",
					Help:    "Session serialization duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			legacySubstitutions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "solo_legacy_substitutions_total",
					Help: "Legacy compatibility substitutions applied by rule.",
				},
				[]string{"rule"},
			),
			workerBootstraps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "solo_worker_bootstrap_total",
					Help: "Detached worker launches by status.",
				},
				[]string{"status"},
			),
			workerActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "solo_worker_active",
					Help: "1 while this process owns a loaded session.",
				},
			),
		}

		prometheus.MustRegister(
			m.lockAcquisitions,
			m.lockWaitDuration,
			m.ipcConnectAttempts,
			m.ipcRequests,
			m.coordinatorPhases,
			m.coordinatorOutcomes,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.legacySubstitutions,
			m.workerBootstraps,
			m.workerActive,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordLockAcquisition(result string, waited time.Duration) {
	m := getMetrics()
	m.lockAcquisitions.WithLabelValues(result).Inc()
	m.lockWaitDuration.WithLabelValues(result).Observe(waited.Seconds())
}

func RecordConnectAttempt(success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.ipcConnectAttempts.WithLabelValues(status).Inc()
}

func RecordIPCRequest(method string, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.ipcRequests.WithLabelValues(method, status).Inc()
}

func RecordPhase(phase string) {
	getMetrics().coordinatorPhases.WithLabelValues(phase).Inc()
}

func RecordOutcome(outcome string) {
	getMetrics().coordinatorOutcomes.WithLabelValues(outcome).Inc()
}

func RecordSessionLoad(format string, duration time.Duration) {
	getMetrics().sessionLoadDuration.WithLabelValues(format).Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordLegacySubstitution(rule string) {
	getMetrics().legacySubstitutions.WithLabelValues(rule).Inc()
}

func RecordWorkerBootstrap(success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.workerBootstraps.WithLabelValues(status).Inc()
}

func SetWorkerActive(active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().workerActive.Set(value)
}
